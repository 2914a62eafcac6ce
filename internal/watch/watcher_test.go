package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deliverywatch/internal/feed"
	logx "deliverywatch/pkg/logx"
)

type fakeChannel struct {
	connected  atomic.Bool
	reconnects atomic.Int32
	probes     atomic.Int32
	closes     atomic.Int32
}

func (f *fakeChannel) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeChannel) Probe(time.Time) { f.probes.Add(1) }
func (f *fakeChannel) ForceReconnect() { f.reconnects.Add(1) }
func (f *fakeChannel) Close() { f.closes.Add(1) }
func (f *fakeChannel) Connected() bool { return f.connected.Load() }

type fakePoller struct {
	running atomic.Bool
	polls   atomic.Int32
}

func (f *fakePoller) Start(context.Context)   { f.running.Store(true) }
func (f *fakePoller) Stop()                   { f.running.Store(false) }
func (f *fakePoller) Running() bool           { return f.running.Load() }
func (f *fakePoller) PollNow(context.Context) { f.polls.Add(1) }

type fakeLedger struct {
	mu     sync.Mutex
	pruned []string
}

func (f *fakeLedger) PruneOlderThan(_ context.Context, keepDay string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, keepDay)
}

func (f *fakeLedger) pruneCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pruned...)
}

type fakeClock struct{ day string }

func (f fakeClock) Today(context.Context) string { return f.day }
func (f fakeClock) Location() *time.Location     { return time.UTC }

func newTestWatcher(t *testing.T) (*Watcher, *fakeChannel, *fakePoller, *fakeLedger) {
	t.Helper()
	ch := &fakeChannel{}
	p := &fakePoller{}
	led := &fakeLedger{}
	w := New(Config{WatchdogInterval: time.Hour}, ch, p, led, fakeClock{day: "2026-08-31"}, nil, logx.Nop())
	return w, ch, p, led
}

// The fallback poller runs exactly when the feed is not Connected.
func TestPollerFollowsFeedState(t *testing.T) {
	t.Parallel()
	w, _, p, _ := newTestWatcher(t)
	ctx := context.Background()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(ctx)

	// The feed starts Disconnected, so polling is active from the start.
	if !p.Running() {
		t.Fatal("poller should run before the feed connects")
	}

	w.OnFeedState(feed.StateConnected)
	if p.Running() {
		t.Fatal("poller must stop once the feed is connected")
	}

	for _, st := range []feed.State{
		feed.StateDegraded,
		feed.StateReconnecting,
		feed.StateDisconnected,
		feed.StateConnecting,
	} {
		w.OnFeedState(feed.StateConnected)
		w.OnFeedState(st)
		if !p.Running() {
			t.Fatalf("poller should run in state %v", st)
		}
	}
}

func TestOnFeedStateBeforeStartIsNoop(t *testing.T) {
	t.Parallel()
	w, _, p, _ := newTestWatcher(t)

	w.OnFeedState(feed.StateReconnecting)
	if p.Running() {
		t.Fatal("poller must not start before the watcher does")
	}
}

func TestKickWhileConnectedIsNoop(t *testing.T) {
	t.Parallel()
	w, ch, p, _ := newTestWatcher(t)
	ctx := context.Background()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(ctx)

	ch.connected.Store(true)
	before := p.polls.Load()
	w.Kick("network regained")

	if got := ch.reconnects.Load(); got != 0 {
		t.Fatalf("reconnects = %d, want 0 while connected", got)
	}
	if got := p.polls.Load(); got != before {
		t.Fatalf("polls = %d, want %d while connected", got, before)
	}
}

func TestKickForcesReconnectAndPolls(t *testing.T) {
	t.Parallel()
	w, ch, p, _ := newTestWatcher(t)
	ctx := context.Background()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(ctx)

	w.Kick("resume")

	if got := ch.reconnects.Load(); got != 1 {
		t.Fatalf("reconnects = %d, want 1", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for p.polls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if p.polls.Load() == 0 {
		t.Fatal("kick should trigger an immediate poll")
	}
}

func TestKickAfterStopIsNoop(t *testing.T) {
	t.Parallel()
	w, ch, _, _ := newTestWatcher(t)
	ctx := context.Background()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	w.Kick("late signal")
	if got := ch.reconnects.Load(); got != 0 {
		t.Fatalf("reconnects = %d, want 0 after stop", got)
	}
}

func TestStartPrunesLedger(t *testing.T) {
	t.Parallel()
	w, _, _, led := newTestWatcher(t)
	ctx := context.Background()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(ctx)

	got := led.pruneCalls()
	if len(got) != 1 || got[0] != "2026-08-31" {
		t.Fatalf("prune calls = %v, want [2026-08-31]", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	w, ch, p, _ := newTestWatcher(t)
	ctx := context.Background()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}

	if err := w.Stop(ctx); err != nil && err != context.Canceled {
		t.Fatalf("stop: %v", err)
	}
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if p.Running() {
		t.Fatal("poller should be stopped")
	}
	if ch.closes.Load() == 0 {
		t.Fatal("feed should be closed on stop")
	}
}

func TestBadAlignSpecFailsStart(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{}
	p := &fakePoller{}
	w := New(Config{AlignSpec: "not a cron spec"}, ch, p, nil, fakeClock{day: "2026-08-31"}, nil, logx.Nop())

	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
	_ = w.Stop(context.Background())
}
