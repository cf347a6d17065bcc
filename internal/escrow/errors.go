package escrow

import "fmt"

// NetworkError reports that the ledger node could not be reached. It is surfaced
// to the caller and never retried automatically.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SimulationError reports a failed dry run, typically an unmet contract
// precondition such as an insufficient balance or an invalid state transition.
type SimulationError struct {
	Method string
	Reason string
}

func (e *SimulationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("simulate %s: failed", e.Method)
	}
	return fmt.Sprintf("simulate %s: %s", e.Method, e.Reason)
}

// SubmitError reports a submission the node did not accept as pending, or a
// transaction that was mined but reverted.
type SubmitError struct {
	Method string
	Status string
	Hash   string
	Reason string
}

func (e *SubmitError) Error() string {
	msg := fmt.Sprintf("submit %s: status %s", e.Method, e.Status)
	if e.Hash != "" {
		msg += " (" + e.Hash + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// DecodeError reports a contract payload that does not match the expected schema.
type DecodeError struct {
	What   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %v", e.What, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.What, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }
