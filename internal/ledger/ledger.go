// Package ledger remembers which upcoming-delivery reminders were
// dismissed on which calendar day, so a dismissed reminder does not
// reappear on subsequent polls within the same day.
package ledger

import (
	"context"
	"sync"
	"time"

	"deliverywatch/internal/storage"
	logx "deliverywatch/pkg/logx"
)

// Ledger is a per-day dismissal record backed by durable storage with a
// write-through in-memory cache. Storage I/O is best-effort: when the
// store fails (or is disabled) the ledger degrades to in-memory behavior
// for the current process.
type Ledger struct {
	store storage.Store
	log   logx.Logger

	mu     sync.Mutex
	days   map[string]map[int64]struct{}
	loaded map[string]bool
}

func New(store storage.Store, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		store:  store,
		log:    log,
		days:   map[string]map[int64]struct{}{},
		loaded: map[string]bool{},
	}
}

func (l *Ledger) IsDismissed(ctx context.Context, day string, orderID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLoadedLocked(ctx, day)
	set := l.days[day]
	if set == nil {
		return false
	}
	_, ok := set[orderID]
	return ok
}

// MarkDismissed is idempotent; marking the same pair twice is a no-op on
// the second call.
func (l *Ledger) MarkDismissed(ctx context.Context, day string, orderID int64) {
	if day == "" || orderID == 0 {
		return
	}
	l.mu.Lock()
	l.ensureLoadedLocked(ctx, day)
	set := l.days[day]
	if set == nil {
		set = map[int64]struct{}{}
		l.days[day] = set
	}
	if _, ok := set[orderID]; ok {
		l.mu.Unlock()
		return
	}
	set[orderID] = struct{}{}
	l.mu.Unlock()

	if l.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(withoutCancel(ctx), 500*time.Millisecond)
	defer cancel()
	if err := l.store.AddDismissed(wctx, day, orderID); err != nil {
		l.log.Warn("dismissal not persisted", logx.String("day", day), logx.Int64("order_id", orderID), logx.Err(err))
	}
}

// PruneOlderThan drops every day-key other than keepDay. It runs on
// channel (re)initialization and at midnight, not on every event, to
// bound I/O.
func (l *Ledger) PruneOlderThan(ctx context.Context, keepDay string) {
	l.mu.Lock()
	for day := range l.days {
		if day != keepDay {
			delete(l.days, day)
			delete(l.loaded, day)
		}
	}
	l.mu.Unlock()

	if l.store == nil {
		return
	}
	if err := l.store.PruneDismissed(ctx, keepDay); err != nil {
		l.log.Warn("ledger prune failed", logx.String("keep", keepDay), logx.Err(err))
	}
}

// ensureLoadedLocked pulls a day's persisted set into the cache once per
// process so dismissals survive restarts.
func (l *Ledger) ensureLoadedLocked(ctx context.Context, day string) {
	if l.loaded[day] || l.store == nil {
		return
	}
	l.loaded[day] = true
	rctx, cancel := context.WithTimeout(withoutCancel(ctx), 500*time.Millisecond)
	defer cancel()
	ids, err := l.store.ListDismissed(rctx, day)
	if err != nil {
		l.log.Warn("ledger load failed", logx.String("day", day), logx.Err(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	set := l.days[day]
	if set == nil {
		set = map[int64]struct{}{}
		l.days[day] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// withoutCancel detaches storage writes from request-scoped contexts so a
// user action being canceled doesn't lose the dismissal record.
func withoutCancel(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
