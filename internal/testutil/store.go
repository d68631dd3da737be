package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/dillproject/dill/internal/db"
	"github.com/dillproject/dill/internal/events"
)

// NewStore opens a migrated journal in a temp dir with its run recorded.
func NewStore(t *testing.T) (*db.Store, context.Context) {
	return NewStoreWithClock(t, clock.New())
}

func NewStoreWithClock(t *testing.T, clk clock.Clock) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.OpenWithClock(ctx, filepath.Join(t.TempDir(), "dill-test.db"), clk)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := store.BeginRun(ctx, "test"); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	return store, ctx
}

// RecordingEmitter keeps every event it is given and can be told to fail.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
	Err    error
}

func (r *RecordingEmitter) Emit(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.Err
}

func (r *RecordingEmitter) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *RecordingEmitter) Kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *RecordingEmitter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
