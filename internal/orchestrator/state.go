package orchestrator

import (
	"time"

	"escrowctl/internal/escrow"
)

// State is a step of the action lifecycle.
type State string

const (
	StateIdle              State = "idle"
	StateBuilding          State = "building"
	StateSimulating        State = "simulating"
	StateSimulationFailed  State = "simulation_failed"
	StatePrepared          State = "prepared"
	StateAwaitingSignature State = "awaiting_signature"
	StateSignatureRejected State = "signature_rejected"
	StateSignFailed        State = "sign_failed"
	StateSigned            State = "signed"
	StateSubmitting        State = "submitting"
	StateSubmitFailed      State = "submit_failed"
	StateSubmitted         State = "submitted"
	StateSettling          State = "settling"
	StateConfirmed         State = "confirmed"
	StateTimedOut          State = "timed_out"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateSimulationFailed, StateSignatureRejected, StateSignFailed, StateSubmitFailed, StateConfirmed, StateTimedOut:
		return true
	}
	return false
}

// PendingAction is the single action in flight.
type PendingAction struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	Identity  escrow.Identity `json:"identity"`
	State     State           `json:"state"`
	Hash      string          `json:"hash,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
