// Package balance polls the connected identity's asset balance.
package balance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"escrowctl/internal/escrow"
)

// DefaultInterval is the poll period while an identity is connected.
const DefaultInterval = 10 * time.Second

// Recorder receives poll results.
type Recorder interface {
	IncBalancePoll(result string)
}

// Reading is the latest committed poll result.
type Reading struct {
	Identity  escrow.Identity `json:"identity"`
	Asset     Asset           `json:"asset"`
	Balance   string          `json:"balance"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Tracker polls the balance of one identity at a time. Start and Stop replace
// the component mount lifecycle; a result is only committed if its identity is
// still the tracked one.
type Tracker struct {
	fetcher  Fetcher
	asset    Asset
	interval time.Duration
	metrics  Recorder
	log      *slog.Logger
	nowFn    func() time.Time

	mu       sync.Mutex
	identity escrow.Identity
	gen      uint64
	cancel   context.CancelFunc
	reading  Reading
}

func NewTracker(fetcher Fetcher, asset Asset, interval time.Duration, metrics Recorder, logger *slog.Logger) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		fetcher:  fetcher,
		asset:    asset,
		interval: interval,
		metrics:  metrics,
		log:      logger.With("component", "balance"),
		nowFn:    time.Now,
	}
}

// Start begins polling for identity, replacing any previous identity. The first
// poll runs immediately.
func (t *Tracker) Start(identity escrow.Identity) {
	t.Stop()
	if identity == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.identity = identity
	t.cancel = cancel
	t.reading = Reading{Identity: identity, Asset: t.asset}
	t.mu.Unlock()

	go t.run(ctx, identity, gen)
}

// Stop cancels the poll interval and forgets the identity. A poll already in
// flight may still finish but its result is discarded.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.identity = ""
	t.gen++
	t.reading = Reading{}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Reading returns the latest committed result.
func (t *Tracker) Reading() (Reading, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.identity == "" || t.reading.UpdatedAt.IsZero() {
		return Reading{}, false
	}
	return t.reading, true
}

// Identity returns the tracked identity, if any.
func (t *Tracker) Identity() escrow.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

func (t *Tracker) run(ctx context.Context, identity escrow.Identity, gen uint64) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.poll(ctx, identity, gen)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx, identity, gen)
		}
	}
}

func (t *Tracker) poll(ctx context.Context, identity escrow.Identity, gen uint64) {
	bal, err := t.fetcher.Balance(ctx, identity, t.asset)
	t.commit(identity, gen, bal, err)
}

func (t *Tracker) commit(identity escrow.Identity, gen uint64, bal string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || t.identity != identity {
		t.log.Debug("discarding stale balance", "identity", identity)
		return false
	}
	if err != nil {
		t.record("error")
		t.log.Warn("balance poll failed", "identity", identity, "err", err)
		t.reading.Error = err.Error()
		t.reading.UpdatedAt = t.nowFn()
		return true
	}
	t.record("ok")
	t.reading = Reading{Identity: identity, Asset: t.asset, Balance: bal, UpdatedAt: t.nowFn()}
	return true
}

func (t *Tracker) record(result string) {
	if t.metrics != nil {
		t.metrics.IncBalancePoll(result)
	}
}
