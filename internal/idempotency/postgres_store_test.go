package idempotency

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	key := Key("0xA1", "approve", "test-key")
	rec := Record{
		Identity:   "0xA1",
		Method:     "approve",
		StatusCode: 200,
		Response:   []byte("payload"),
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  time.Now().Add(time.Minute).UTC(),
	}

	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != rec.StatusCode || got.Method != rec.Method {
		t.Fatalf("unexpected record: %#v", got)
	}

	if _, err := store.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if got, _ := store.Get(ctx, key); got == nil {
		t.Fatalf("purge removed a live record")
	}
}
