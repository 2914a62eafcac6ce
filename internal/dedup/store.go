// Package dedup guards the alert queue against duplicate notifications.
//
// The live feed and the fallback poller race to report the same orders;
// admission through this store guarantees at most one Paid and one
// Upcoming alert per order for the lifetime of the store.
package dedup

import (
	"sync"

	"deliverywatch/internal/delivery"
)

// Store holds two disjoint sets of order ids, one per alert kind.
// Scope is process lifetime; it is reset only by DismissAll.
type Store struct {
	mu       sync.Mutex
	paid     map[int64]struct{}
	upcoming map[int64]struct{}
}

func New() *Store {
	return &Store{
		paid:     map[int64]struct{}{},
		upcoming: map[int64]struct{}{},
	}
}

// Admit returns true and records membership if and only if orderID is not
// already present in the set for kind. The check-and-set is atomic, so
// concurrent producers reporting the same order see exactly one winner.
func (s *Store) Admit(kind delivery.Kind, orderID int64) bool {
	if orderID == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.setFor(kind)
	if set == nil {
		return false
	}
	if _, ok := set[orderID]; ok {
		return false
	}
	set[orderID] = struct{}{}
	return true
}

// Seen reports membership without recording it.
func (s *Store) Seen(kind delivery.Kind, orderID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.setFor(kind)
	if set == nil {
		return false
	}
	_, ok := set[orderID]
	return ok
}

// Reset clears both sets so a later genuine re-occurrence can alert
// again (used by dismiss-all).
func (s *Store) Reset() {
	s.mu.Lock()
	s.paid = map[int64]struct{}{}
	s.upcoming = map[int64]struct{}{}
	s.mu.Unlock()
}

func (s *Store) setFor(kind delivery.Kind) map[int64]struct{} {
	switch kind {
	case delivery.KindPaid:
		return s.paid
	case delivery.KindUpcoming:
		return s.upcoming
	default:
		return nil
	}
}
