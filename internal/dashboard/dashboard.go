// Package dashboard builds the per-identity index of escrow ids and fetches
// escrow details.
package dashboard

import (
	"context"
	"log/slog"

	"escrowctl/internal/contracts"
	"escrowctl/internal/escrow"
	"escrowctl/internal/ledger"

	"golang.org/x/sync/errgroup"
)

// Querier is the read-only side of the ledger client.
type Querier interface {
	Query(ctx context.Context, source escrow.Identity, method string, out interface{}, args ...interface{}) error
	Call(ctx context.Context, source escrow.Identity, method string, args ...interface{}) ([]byte, error)
}

// Recorder receives per-side refresh results.
type Recorder interface {
	IncDashboard(side, result string)
}

// Snapshot is the result of one refresh. A side whose fetch failed is empty and
// carries its error.
type Snapshot struct {
	Identity    escrow.Identity `json:"identity"`
	CreatedIDs  []uint64        `json:"createdIds"`
	ReceivedIDs []uint64        `json:"receivedIds"`
	CreatedErr  error           `json:"-"`
	ReceivedErr error           `json:"-"`
}

type Index struct {
	q       Querier
	metrics Recorder
	log     *slog.Logger
}

func New(q Querier, metrics Recorder, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{q: q, metrics: metrics, log: logger.With("component", "dashboard")}
}

// Refresh fetches the created and received id lists for identity concurrently.
// Ordering is the contract's.
func (x *Index) Refresh(ctx context.Context, identity escrow.Identity) (Snapshot, error) {
	addr, err := ledger.ParseIdentity(identity)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Identity: identity, CreatedIDs: []uint64{}, ReceivedIDs: []uint64{}}
	var g errgroup.Group
	g.Go(func() error {
		snap.CreatedIDs, snap.CreatedErr = x.fetch(ctx, identity, "created", contracts.MethodGetCreatedIDs, addr)
		return nil
	})
	g.Go(func() error {
		snap.ReceivedIDs, snap.ReceivedErr = x.fetch(ctx, identity, "received", contracts.MethodGetReceivedIDs, addr)
		return nil
	})
	_ = g.Wait()
	return snap, nil
}

func (x *Index) fetch(ctx context.Context, identity escrow.Identity, side, method string, args ...interface{}) ([]uint64, error) {
	var ids []uint64
	if err := x.q.Query(ctx, identity, method, &ids, args...); err != nil {
		x.log.Warn("id fetch failed", "side", side, "identity", identity, "err", err)
		x.record(side, "error")
		return []uint64{}, err
	}
	x.record(side, "ok")
	if ids == nil {
		ids = []uint64{}
	}
	return ids, nil
}

func (x *Index) record(side, result string) {
	if x.metrics != nil {
		x.metrics.IncDashboard(side, result)
	}
}

// Escrow fetches and decodes one escrow record. source may be empty; an absent
// id surfaces as a *escrow.SimulationError.
func (x *Index) Escrow(ctx context.Context, source escrow.Identity, id uint64) (escrow.Escrow, error) {
	raw, err := x.q.Call(ctx, source, contracts.MethodGetEscrow, id)
	if err != nil {
		return escrow.Escrow{}, err
	}
	return escrow.Decode(id, raw)
}
