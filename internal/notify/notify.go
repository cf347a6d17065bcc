// Package notify surfaces short-lived status messages about in-flight actions.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

type Kind string

const (
	KindPending Kind = "pending"
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

// DefaultDisplayTimeout is how long a finished message stays visible.
const DefaultDisplayTimeout = 10 * time.Second

type Message struct {
	Kind Kind      `json:"type"`
	Text string    `json:"msg"`
	Hash string    `json:"hash,omitempty"`
	At   time.Time `json:"at"`
}

// Channel receives status messages.
type Channel interface {
	Notify(Message)
}

// Board keeps the latest message. Pending messages stay until replaced; all
// others are dismissed after the display timeout.
type Board struct {
	mu      sync.Mutex
	current *Message
	timer   *time.Timer
	seq     uint64
	timeout time.Duration
	log     *slog.Logger
}

func NewBoard(timeout time.Duration, logger *slog.Logger) *Board {
	if timeout <= 0 {
		timeout = DefaultDisplayTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{timeout: timeout, log: logger.With("component", "notify")}
}

func (b *Board) Notify(m Message) {
	if m.At.IsZero() {
		m.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.seq++
	b.current = &m

	switch m.Kind {
	case KindError:
		b.log.Warn(m.Text, "hash", m.Hash)
	default:
		b.log.Info(m.Text, "kind", string(m.Kind), "hash", m.Hash)
	}

	if m.Kind == KindPending {
		return
	}
	seq := b.seq
	b.timer = time.AfterFunc(b.timeout, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.seq == seq {
			b.current = nil
			b.timer = nil
		}
	})
}

// Current returns the visible message, if any.
func (b *Board) Current() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Message{}, false
	}
	return *b.current, true
}

func (b *Board) Dismiss() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.seq++
	b.current = nil
}
