// Package idempotency stores replies to action requests so a retried request
// with the same key gets the original answer instead of a second transaction.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Record is a stored action reply.
type Record struct {
	Identity   string    `json:"identity"`
	Method     string    `json:"method"`
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store abstracts reply persistence. Get returns nil for unknown or expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Key scopes a client-supplied idempotency key to the identity and route it was
// used with.
func Key(identity, route, clientKey string) string {
	sum := sha256.Sum256([]byte(identity + "\x00" + route + "\x00" + clientKey))
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps replies in process memory. It is the default store.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]Record
	nowFn func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]Record),
		nowFn: time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	rec, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if m.nowFn().After(rec.ExpiresAt) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

// Purge drops expired records and returns how many were removed.
func (m *MemoryStore) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	n := 0
	for k, rec := range m.data {
		if now.After(rec.ExpiresAt) {
			delete(m.data, k)
			n++
		}
	}
	return n
}
