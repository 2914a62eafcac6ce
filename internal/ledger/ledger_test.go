package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	logx "deliverywatch/pkg/logx"
)

// fakeStore implements the storage surface the ledger touches.
type fakeStore struct {
	mu        sync.Mutex
	dismissed map[string][]int64
	adds      int
	failAll   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{dismissed: map[string][]int64{}}
}

func (f *fakeStore) ListDismissed(_ context.Context, day string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("store down")
	}
	return append([]int64(nil), f.dismissed[day]...), nil
}

func (f *fakeStore) AddDismissed(_ context.Context, day string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("store down")
	}
	f.adds++
	f.dismissed[day] = append(f.dismissed[day], orderID)
	return nil
}

func (f *fakeStore) PruneDismissed(_ context.Context, keepDay string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for day := range f.dismissed {
		if day != keepDay {
			delete(f.dismissed, day)
		}
	}
	return nil
}

func (f *fakeStore) GetPref(context.Context, string) (string, bool, error) { return "", false, nil }
func (f *fakeStore) SetPref(context.Context, string, string) error        { return nil }
func (f *fakeStore) Close() error                                         { return nil }

func (f *fakeStore) addCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds
}

func TestMarkDismissedIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakeStore()
	l := New(st, logx.Nop())

	for i := 0; i < 3; i++ {
		l.MarkDismissed(ctx, "2026-08-31", 700)
	}

	if !l.IsDismissed(ctx, "2026-08-31", 700) {
		t.Fatal("order 700 should be dismissed")
	}
	if got := st.addCount(); got != 1 {
		t.Fatalf("store writes = %d, want 1", got)
	}
}

// A dismissed upcoming reminder must stay gone for the rest of the day,
// even when later polls still list the order as eligible.
func TestDismissalSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakeStore()

	l := New(st, logx.Nop())
	l.MarkDismissed(ctx, "2026-08-31", 700)

	// Fresh ledger over the same store simulates a process restart.
	l2 := New(st, logx.Nop())
	if !l2.IsDismissed(ctx, "2026-08-31", 700) {
		t.Fatal("dismissal lost across restart")
	}
	if l2.IsDismissed(ctx, "2026-08-31", 701) {
		t.Fatal("order 701 was never dismissed")
	}
}

func TestPruneOlderThan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakeStore()
	l := New(st, logx.Nop())

	l.MarkDismissed(ctx, "2026-08-30", 1)
	l.MarkDismissed(ctx, "2026-08-31", 2)

	l.PruneOlderThan(ctx, "2026-08-31")

	if l.IsDismissed(ctx, "2026-08-30", 1) {
		t.Fatal("stale day survived prune")
	}
	if !l.IsDismissed(ctx, "2026-08-31", 2) {
		t.Fatal("current day must survive prune")
	}
}

func TestLedgerDegradesWithoutStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := New(nil, logx.Nop())
	l.MarkDismissed(ctx, "2026-08-31", 5)
	if !l.IsDismissed(ctx, "2026-08-31", 5) {
		t.Fatal("in-memory dismissal lost")
	}

	// A failing store is a soft degradation, not an error.
	broken := newFakeStore()
	broken.failAll = true
	l2 := New(broken, logx.Nop())
	l2.MarkDismissed(ctx, "2026-08-31", 6)
	if !l2.IsDismissed(ctx, "2026-08-31", 6) {
		t.Fatal("dismissal must hold in memory when the store fails")
	}
}

func TestMarkDismissedIgnoresZeroValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakeStore()
	l := New(st, logx.Nop())

	l.MarkDismissed(ctx, "", 700)
	l.MarkDismissed(ctx, "2026-08-31", 0)
	if got := st.addCount(); got != 0 {
		t.Fatalf("store writes = %d, want 0", got)
	}
}
