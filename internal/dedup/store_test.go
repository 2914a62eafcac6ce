package dedup

import (
	"sync"
	"testing"

	"deliverywatch/internal/delivery"
)

func TestAdmitOncePerKind(t *testing.T) {
	t.Parallel()
	s := New()

	if !s.Admit(delivery.KindPaid, 42) {
		t.Fatal("first paid admit should win")
	}
	if s.Admit(delivery.KindPaid, 42) {
		t.Fatal("second paid admit must lose")
	}
	// Same order may still produce one upcoming alert.
	if !s.Admit(delivery.KindUpcoming, 42) {
		t.Fatal("upcoming admit for the same order should win")
	}
	if s.Admit(delivery.KindUpcoming, 42) {
		t.Fatal("second upcoming admit must lose")
	}
}

func TestAdmitRejectsZeroAndUnknownKind(t *testing.T) {
	t.Parallel()
	s := New()
	if s.Admit(delivery.KindPaid, 0) {
		t.Fatal("order id 0 must never be admitted")
	}
	if s.Admit(delivery.Kind("bogus"), 1) {
		t.Fatal("unknown kind must never be admitted")
	}
}

// Feed and poller race to report the same order; exactly one must win.
func TestAdmitDualSourceRace(t *testing.T) {
	t.Parallel()
	s := New()

	const producers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, producers)
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Admit(delivery.KindPaid, 501) {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("winners = %d, want exactly 1", n)
	}
}

func TestResetAllowsReadmission(t *testing.T) {
	t.Parallel()
	s := New()
	s.Admit(delivery.KindPaid, 7)
	s.Admit(delivery.KindUpcoming, 8)

	s.Reset()

	if !s.Admit(delivery.KindPaid, 7) {
		t.Fatal("paid admit after reset should win")
	}
	if !s.Admit(delivery.KindUpcoming, 8) {
		t.Fatal("upcoming admit after reset should win")
	}
}

func TestSeenDoesNotRecord(t *testing.T) {
	t.Parallel()
	s := New()
	if s.Seen(delivery.KindPaid, 9) {
		t.Fatal("unseen order reported as seen")
	}
	if !s.Admit(delivery.KindPaid, 9) {
		t.Fatal("admit should win")
	}
	if !s.Seen(delivery.KindPaid, 9) {
		t.Fatal("admitted order not reported as seen")
	}
}
