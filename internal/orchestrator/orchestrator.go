// Package orchestrator drives one escrow action at a time from build through
// signature, submission and settlement.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"escrowctl/internal/contracts"
	"escrowctl/internal/dashboard"
	"escrowctl/internal/escrow"
	"escrowctl/internal/ledger"
	"escrowctl/internal/notify"
	"escrowctl/internal/signer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

// DefaultSettleDelay is the wait between submission and the post-action refresh.
const DefaultSettleDelay = 3 * time.Second

// ErrBusy is returned when an action is requested while another is in flight.
var ErrBusy = errors.New("another action is in progress")

// Ledger is the part of the ledger client the orchestrator drives.
type Ledger interface {
	GetAccount(ctx context.Context, identity escrow.Identity) (ledger.Account, error)
	BuildInvocation(account ledger.Account, method string, args ...interface{}) (*ledger.UnsignedTx, error)
	Prepare(ctx context.Context, tx *ledger.UnsignedTx) (*ledger.PreparedTx, error)
	Submit(ctx context.Context, signed *types.Transaction) (ledger.SubmitResult, error)
	WaitForReceipt(ctx context.Context, method string, hash common.Hash, policy ledger.ConfirmPolicy) (*types.Receipt, error)
	Events(receipt *types.Receipt) []contracts.Event
}

// Refresher reloads views after an action settles.
type Refresher interface {
	Refresh(ctx context.Context, identity escrow.Identity) (dashboard.Snapshot, error)
	Escrow(ctx context.Context, source escrow.Identity, id uint64) (escrow.Escrow, error)
}

// Recorder receives action metrics.
type Recorder interface {
	IncAction(method, outcome string)
	IncSimulationFailure(method string)
	ObserveSettle(method string, d time.Duration)
	SetInFlight(busy bool)
}

type Config struct {
	// Asset is the token escrowed by create.
	Asset           common.Address
	SettleDelay     time.Duration
	ConfirmReceipts bool
	ConfirmPolicy   ledger.ConfirmPolicy
}

// Outcome reports how an action ended. Dashboard and Escrow are the views
// reloaded after settlement; a failed reload leaves its view nil.
type Outcome struct {
	ActionID  string              `json:"actionId"`
	Method    string              `json:"method"`
	State     State               `json:"state"`
	Hash      string              `json:"hash,omitempty"`
	CreatedID *uint64             `json:"createdId,omitempty"`
	Events    []contracts.Event   `json:"events,omitempty"`
	Dashboard *dashboard.Snapshot `json:"dashboard,omitempty"`
	Escrow    *escrow.View        `json:"escrow,omitempty"`

	// RefreshError is set when a post-settle reload failed.
	RefreshError string `json:"refreshError,omitempty"`
}

// Cancelled reports whether the signer declined the action.
func (o Outcome) Cancelled() bool { return o.State == StateSignatureRejected }

type Orchestrator struct {
	ledger  Ledger
	views   Refresher
	notes   notify.Channel
	metrics Recorder
	binding *contracts.Binding
	cfg     Config
	log     *slog.Logger

	nowFn func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	busy    sync.Mutex
	mu      sync.Mutex
	current *PendingAction
}

func New(l Ledger, views Refresher, notes notify.Channel, metrics Recorder, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	binding, err := contracts.NewBinding()
	if err != nil {
		return nil, err
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.ConfirmPolicy.Attempts <= 0 {
		cfg.ConfirmPolicy = ledger.DefaultConfirmPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		ledger:  l,
		views:   views,
		notes:   notes,
		metrics: metrics,
		binding: binding,
		cfg:     cfg,
		log:     logger.With("component", "orchestrator"),
		nowFn:   time.Now,
		sleep:   sleepCtx,
	}, nil
}

// Current returns the action in flight. With nothing in flight it reports an
// Idle placeholder and false.
func (o *Orchestrator) Current() (PendingAction, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return PendingAction{State: StateIdle}, false
	}
	return *o.current, true
}

// Busy reports whether an action is in flight.
func (o *Orchestrator) Busy() bool {
	_, ok := o.Current()
	return ok
}

// Execute runs act for sess to a terminal state. It returns ErrBusy without
// side effects when another action is in flight. A signer rejection yields an
// Outcome in StateSignatureRejected and a nil error. Failures are never retried.
func (o *Orchestrator) Execute(ctx context.Context, sess Session, act Action) (Outcome, error) {
	if err := sess.validate(); err != nil {
		return Outcome{}, err
	}
	if !o.busy.TryLock() {
		return Outcome{}, ErrBusy
	}
	defer o.busy.Unlock()

	now := o.nowFn()
	pa := &PendingAction{
		ID:        uuid.NewString(),
		Action:    act,
		Identity:  sess.Identity,
		State:     StateIdle,
		StartedAt: now,
		UpdatedAt: now,
	}
	o.mu.Lock()
	o.current = pa
	o.mu.Unlock()
	o.recordInFlight(true)
	defer func() {
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
		o.recordInFlight(false)
	}()

	log := o.log.With("action_id", pa.ID, "method", act.Method, "identity", sess.Identity)
	out, err := o.run(ctx, sess, act, pa, log)
	out.ActionID = pa.ID
	out.Method = act.Method

	switch {
	case err != nil:
		log.Warn("action failed", "state", out.State, "err", err)
		o.recordAction(act.Method, string(out.State))
	case out.Cancelled():
		log.Info("action cancelled by signer")
		o.recordAction(act.Method, "cancelled")
	default:
		log.Info("action settled", "state", out.State, "hash", out.Hash)
		o.recordAction(act.Method, string(out.State))
	}
	return out, err
}

func (o *Orchestrator) run(ctx context.Context, sess Session, act Action, pa *PendingAction, log *slog.Logger) (Outcome, error) {
	out := Outcome{}
	fail := func(state State, err error) (Outcome, error) {
		o.transition(pa, state)
		out.State = state
		o.notify(notify.KindError, errorText(err), out.Hash)
		return out, err
	}

	o.transition(pa, StateBuilding)
	if err := act.validate(o.cfg.Asset); err != nil {
		return fail(StateIdle, err)
	}
	account, err := o.ledger.GetAccount(ctx, sess.Identity)
	if err != nil {
		return fail(StateIdle, err)
	}
	args, err := act.args(account.Address, o.cfg.Asset, o.nowFn())
	if err != nil {
		return fail(StateIdle, err)
	}
	unsigned, err := o.ledger.BuildInvocation(account, act.Method, args...)
	if err != nil {
		return fail(StateIdle, err)
	}

	o.transition(pa, StateSimulating)
	prepared, err := o.ledger.Prepare(ctx, unsigned)
	if err != nil {
		var simErr *escrow.SimulationError
		if errors.As(err, &simErr) && o.metrics != nil {
			o.metrics.IncSimulationFailure(act.Method)
		}
		return fail(StateSimulationFailed, err)
	}
	o.transition(pa, StatePrepared)
	if act.Method == contracts.MethodCreate {
		if id, err := o.binding.UnpackCreatedID(prepared.Simulation.ReturnValue); err == nil {
			out.CreatedID = &id
		} else {
			log.Debug("create simulation returned no id", "err", err)
		}
	}

	o.transition(pa, StateAwaitingSignature)
	signed, err := sess.Signer.SignTransaction(ctx, prepared.Tx)
	if errors.Is(err, signer.ErrRejected) {
		o.transition(pa, StateSignatureRejected)
		out.State = StateSignatureRejected
		return out, nil
	}
	if err != nil {
		return fail(StateSignFailed, fmt.Errorf("sign %s: %w", act.Method, err))
	}
	o.transition(pa, StateSigned)

	o.transition(pa, StateSubmitting)
	res, err := o.ledger.Submit(ctx, signed)
	if err != nil {
		return fail(StateSubmitFailed, err)
	}
	out.Hash = res.Hash.Hex()
	o.mu.Lock()
	pa.Hash = out.Hash
	o.mu.Unlock()
	if res.Status != ledger.SubmitPending {
		return fail(StateSubmitFailed, &escrow.SubmitError{
			Method: act.Method,
			Status: string(res.Status),
			Hash:   out.Hash,
			Reason: res.Error,
		})
	}
	o.transition(pa, StateSubmitted)
	o.notify(notify.KindPending, "Transaction submitted", out.Hash)

	o.transition(pa, StateSettling)
	started := o.nowFn()
	final, err := o.settle(ctx, act, res.Hash, &out)
	if err != nil {
		return fail(final, err)
	}
	if o.metrics != nil {
		o.metrics.ObserveSettle(act.Method, o.nowFn().Sub(started))
	}
	o.transition(pa, final)
	out.State = final

	o.reload(ctx, sess, act, &out, log)

	if final == StateTimedOut {
		o.notify(notify.KindError, "Transaction not confirmed yet; views were refreshed", out.Hash)
	} else {
		o.notify(notify.KindSuccess, act.successText(), out.Hash)
	}
	return out, nil
}

// settle waits the fixed delay and, when enabled, for the receipt.
func (o *Orchestrator) settle(ctx context.Context, act Action, hash common.Hash, out *Outcome) (State, error) {
	if err := o.sleep(ctx, o.cfg.SettleDelay); err != nil {
		return StateTimedOut, err
	}
	if !o.cfg.ConfirmReceipts {
		return StateConfirmed, nil
	}
	receipt, err := o.ledger.WaitForReceipt(ctx, act.Method, hash, o.cfg.ConfirmPolicy)
	switch {
	case errors.Is(err, ledger.ErrNotConfirmed):
		return StateTimedOut, nil
	case err != nil:
		var submitErr *escrow.SubmitError
		if errors.As(err, &submitErr) {
			return StateSubmitFailed, err
		}
		return StateTimedOut, err
	}
	out.Events = o.ledger.Events(receipt)
	if act.Method == contracts.MethodCreate {
		for _, ev := range out.Events {
			if ev.Name == contracts.EventCreated {
				id := ev.EscrowID
				out.CreatedID = &id
			}
		}
	}
	return StateConfirmed, nil
}

// reload refreshes the dashboard and, for actions on an existing escrow, its
// detail. Failures leave the previous view in place.
func (o *Orchestrator) reload(ctx context.Context, sess Session, act Action, out *Outcome, log *slog.Logger) {
	if o.views == nil {
		return
	}
	snap, err := o.views.Refresh(ctx, sess.Identity)
	if err != nil {
		log.Warn("dashboard refresh failed", "err", err)
		out.RefreshError = "dashboard: " + err.Error()
	} else {
		out.Dashboard = &snap
	}
	if !act.TargetsExisting() {
		return
	}
	e, err := o.views.Escrow(ctx, sess.Identity, act.EscrowID)
	if err != nil {
		log.Warn("escrow refetch failed", "escrow_id", act.EscrowID, "err", err)
		if out.RefreshError != "" {
			out.RefreshError += "; "
		}
		out.RefreshError += fmt.Sprintf("escrow #%d: %s", act.EscrowID, err)
		return
	}
	view := escrow.NewView(e, sess.Identity, o.nowFn())
	out.Escrow = &view
}

func (o *Orchestrator) transition(pa *PendingAction, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pa.State = s
	pa.UpdatedAt = o.nowFn()
}

func (o *Orchestrator) notify(kind notify.Kind, text, hash string) {
	if o.notes == nil {
		return
	}
	o.notes.Notify(notify.Message{Kind: kind, Text: text, Hash: hash, At: o.nowFn()})
}

func (o *Orchestrator) recordAction(method, outcome string) {
	if o.metrics != nil {
		o.metrics.IncAction(method, outcome)
	}
}

func (o *Orchestrator) recordInFlight(busy bool) {
	if o.metrics != nil {
		o.metrics.SetInFlight(busy)
	}
}

func errorText(err error) string {
	var simErr *escrow.SimulationError
	if errors.As(err, &simErr) {
		if simErr.Reason == "" {
			return "Transaction simulation failed. Check your balance."
		}
		return "Transaction simulation failed: " + simErr.Reason
	}
	var netErr *escrow.NetworkError
	if errors.As(err, &netErr) {
		return "Network error: " + netErr.Err.Error()
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
