package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "deliverywatch/internal/transport"
	logx "deliverywatch/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	texts    []string
	failures int           // fail this many sends before succeeding
	block    chan struct{} // when set, sends park until closed
}

func (f *fakeSender) SendText(ctx context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("send failed")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) Stop(context.Context) error { return nil }

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func note(text string, priority int) kit.Notification {
	return kit.Notification{
		Channel:  "telegram",
		Priority: priority,
		Target:   kit.ChatTarget{ChatID: 1},
		Text:     text,
	}
}

func waitForSent(t *testing.T, f *fakeSender, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.sent()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sent = %v, want %d messages", f.sent(), n)
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, &fakeSender{}, logx.Nop(), nil)

	if err := s.Notify(context.Background(), note("hi", 0)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestNotifyBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, RatePerSec: 100}, &fakeSender{}, logx.Nop(), nil)

	if err := s.Notify(context.Background(), note("hi", 0)); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestSendAppliesPriorityPrefix(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s := New(Config{Enabled: true, RatePerSec: 100}, sender, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), note("fire", 9)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitForSent(t, sender, 1)
	if got := sender.sent()[0]; got != "[ALARM] fire" {
		t.Fatalf("text = %q, want %q", got, "[ALARM] fire")
	}
}

func TestSendRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{failures: 2}
	s := New(Config{
		Enabled:    true,
		RatePerSec: 100,
		RetryMax:   3,
		RetryBase:  time.Millisecond,
	}, sender, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), note("eventually", 0)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitForSent(t, sender, 1)
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	sender := &fakeSender{block: block}
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 1, RatePerSec: 100}, sender, logx.Nop(), nil)
	s.Start(context.Background())

	ctx := context.Background()
	// First is picked up by the (blocked) worker, second fills the queue.
	_ = s.Notify(ctx, note("a", 0))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Notify(ctx, note("b", 0)) == nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := s.Notify(ctx, note("c", 0)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	close(block)
	s.Stop(context.Background())
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	s := New(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute}, sender, logx.Nop(), nil)
	s.Start(context.Background())

	ctx := context.Background()
	if err := s.Notify(ctx, note("same", 0)); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	// Identical within the window: silently suppressed.
	if err := s.Notify(ctx, note("same", 0)); err != nil {
		t.Fatalf("suppressed notify should be nil, got %v", err)
	}
	// Different text is a different key.
	if err := s.Notify(ctx, note("other", 0)); err != nil {
		t.Fatalf("third notify: %v", err)
	}

	s.Stop(context.Background()) // drains the queue
	if got := sender.sent(); len(got) != 2 {
		t.Fatalf("sent = %v, want 2 messages", got)
	}
}

func TestNotifyAfterStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, RatePerSec: 100}, &fakeSender{}, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())

	if err := s.Notify(context.Background(), note("late", 0)); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}

	for attempt := 1; attempt <= 6; attempt++ {
		base := cfg.RetryBase << (attempt - 1)
		if base > cfg.RetryMaxDelay {
			base = cfg.RetryMaxDelay
		}
		for i := 0; i < 50; i++ {
			d := retryDelay(cfg, attempt)
			if d > cfg.RetryMaxDelay {
				t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, cfg.RetryMaxDelay)
			}
			lo := time.Duration(float64(base) * 0.7)
			hi := time.Duration(float64(base) * 1.3)
			if hi > cfg.RetryMaxDelay {
				hi = cfg.RetryMaxDelay
			}
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()
	a := note("text", 5)
	b := note("text", 5)
	if dedupKey(a) != dedupKey(b) {
		t.Fatal("identical notifications must share a key")
	}

	c := note("text", 9)
	if dedupKey(a) == dedupKey(c) {
		t.Fatal("priority must be part of the key")
	}
	d := note("other", 5)
	if dedupKey(a) == dedupKey(d) {
		t.Fatal("text must be part of the key")
	}
}

func TestPrefixForPriority(t *testing.T) {
	t.Parallel()
	tests := []struct {
		p    int
		want string
	}{
		{p: 0, want: ""},
		{p: 4, want: ""},
		{p: 5, want: "[INFO] "},
		{p: 7, want: "[WARN] "},
		{p: 9, want: "[ALARM] "},
		{p: 12, want: "[ALARM] "},
	}
	for _, tt := range tests {
		if got := prefixForPriority(tt.p); got != tt.want {
			t.Fatalf("prefixForPriority(%d) = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestApplyTightensRate(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, RatePerSec: 100}, &fakeSender{}, logx.Nop(), nil)
	s.Apply(Config{Enabled: true, RatePerSec: 1})

	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if lim.Limit() != 1 {
		t.Fatalf("rate = %v, want 1", lim.Limit())
	}
}
