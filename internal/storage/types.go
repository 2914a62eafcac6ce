package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the minimal persistence API used by the dismissal ledger and
// the presenter's preferences (alarm volume).
//
// Days are calendar-day strings ("2006-01-02") in the shop timezone.
type Store interface {
	ListDismissed(ctx context.Context, day string) ([]int64, error)
	AddDismissed(ctx context.Context, day string, orderID int64) error
	// PruneDismissed removes all day-keys other than keepDay.
	PruneDismissed(ctx context.Context, keepDay string) error

	GetPref(ctx context.Context, key string) (value string, ok bool, err error)
	SetPref(ctx context.Context, key, value string) error

	Close() error
}
