package syncstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore/memstore"
)

func TestObserveReportsEveryTransaction(t *testing.T) {
	type call struct {
		mode string
		err  error
	}
	var calls []call
	store := syncstore.Observe(memstore.New(), func(mode string, err error, d time.Duration) {
		if d < 0 {
			t.Errorf("negative duration %v", d)
		}
		calls = append(calls, call{mode, err})
	})
	defer store.Close()

	ctx := context.Background()
	boom := errors.New("boom")

	if err := store.View(ctx, func(syncstore.Tx) error { return nil }); err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if err := store.Update(ctx, func(syncstore.Tx) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want boom", err)
	}

	if len(calls) != 2 {
		t.Fatalf("Observed %d transactions, want 2", len(calls))
	}
	if calls[0].mode != syncstore.ModeView || calls[0].err != nil {
		t.Errorf("First call = %+v", calls[0])
	}
	if calls[1].mode != syncstore.ModeUpdate || !errors.Is(calls[1].err, boom) {
		t.Errorf("Second call = %+v", calls[1])
	}
}

func TestObserveNilIsPassthrough(t *testing.T) {
	inner := memstore.New()
	if got := syncstore.Observe(inner, nil); got != syncstore.Store(inner) {
		t.Error("Observe with a nil observer should return the store unchanged")
	}
}
