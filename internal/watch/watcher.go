// Package watch decides whether the live feed, the fallback poller, or
// both are active. It owns the watchdog, the wall-clock poll alignment,
// the daily ledger prune, and the recovery kick path.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"deliverywatch/internal/eventbus"
	"deliverywatch/internal/feed"
	"deliverywatch/internal/runtime/supervisor"
	logx "deliverywatch/pkg/logx"
)

const (
	defaultWatchdogInterval = 10 * time.Second

	// Alignment polls on the wall clock so staff see predictable refresh
	// timing regardless of when the process started.
	defaultAlignSpec = "0,30 * * * *"
	pruneSpec        = "0 0 * * *"
)

// Channel is the live feed as the watcher sees it.
type Channel interface {
	Run(ctx context.Context) error
	Probe(now time.Time)
	ForceReconnect()
	Close()
	Connected() bool
}

// Poller is the fallback poller as the watcher sees it.
type Poller interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
	PollNow(ctx context.Context)
}

// Ledger is the dismissal ledger's pruning surface.
type Ledger interface {
	PruneOlderThan(ctx context.Context, keepDay string)
}

// Clock supplies "today" and the shop timezone for cron scheduling.
type Clock interface {
	Today(ctx context.Context) string
	Location() *time.Location
}

type Config struct {
	WatchdogInterval time.Duration
	// AlignSpec is a cron expression for the alignment poll cadence.
	AlignSpec string
}

// Watcher enforces the one policy rule: the fallback poller runs exactly
// when the feed is not Connected. It also hosts every periodic concern so
// teardown can cancel them all in one place.
type Watcher struct {
	cfg    Config
	feed   Channel
	poller Poller
	ledger Ledger
	clock  Clock
	bus    eventbus.Bus
	log    logx.Logger

	mu     sync.Mutex
	sup    *supervisor.Supervisor
	cron   *cron.Cron
	unsub  func()
	runCtx context.Context
}

func New(cfg Config, ch Channel, p Poller, led Ledger, clk Clock, bus eventbus.Bus, log logx.Logger) *Watcher {
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaultWatchdogInterval
	}
	if cfg.AlignSpec == "" {
		cfg.AlignSpec = defaultAlignSpec
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{
		cfg:    cfg,
		feed:   ch,
		poller: p,
		ledger: led,
		clock:  clk,
		bus:    bus,
		log:    log,
	}
}

// Start brings the subsystem up. Starting a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sup != nil {
		return nil
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(w.log))
	w.sup = sup
	w.runCtx = sup.Context()

	// Stale dismissal days are pruned on (re)initialization, not on every
	// event, to bound I/O.
	if w.ledger != nil && w.clock != nil {
		w.ledger.PruneOlderThan(w.runCtx, w.clock.Today(w.runCtx))
	}

	// The feed starts Disconnected, so polling is active from the first
	// moment and stops once the feed reports Connected.
	w.poller.Start(w.runCtx)

	sup.GoRestart("feed", w.feed.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)

	sup.Go0("watchdog", w.watchdogLoop)

	if w.bus != nil {
		ch, unsub := w.bus.Subscribe(16)
		w.unsub = unsub
		sup.Go0("recover-listener", func(ctx context.Context) {
			w.recoverLoop(ctx, ch)
		})
	}

	if err := w.startCronLocked(); err != nil {
		return err
	}

	w.log.Info("watcher started",
		logx.Duration("watchdog", w.cfg.WatchdogInterval),
		logx.String("align", w.cfg.AlignSpec),
	)
	return nil
}

// Stop tears the subsystem down: cron entries, watchdog, bus listener,
// feed connection, poller. Nothing outlives the call.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	sup := w.sup
	cr := w.cron
	unsub := w.unsub
	w.sup = nil
	w.cron = nil
	w.unsub = nil
	w.runCtx = nil
	w.mu.Unlock()

	if sup == nil {
		return nil
	}

	if cr != nil {
		<-cr.Stop().Done()
	}
	if unsub != nil {
		unsub()
	}
	w.feed.Close()
	w.poller.Stop()
	err := sup.Stop(ctx)
	w.log.Info("watcher stopped")
	return err
}

// OnFeedState is the feed's state transition hook (wired at construction
// via feed.WithOnState). Policy: poller active if and only if the feed is
// not Connected.
func (w *Watcher) OnFeedState(st feed.State) {
	w.mu.Lock()
	ctx := w.runCtx
	w.mu.Unlock()
	if ctx == nil {
		return
	}

	if st == feed.StateConnected {
		w.poller.Stop()
		return
	}
	w.poller.Start(ctx)
}

// Kick is the recovery path for regained-network and operator signals:
// bypass any remaining backoff and poll immediately. A no-op while the
// feed is Connected.
func (w *Watcher) Kick(reason string) {
	w.mu.Lock()
	sup := w.sup
	w.mu.Unlock()
	if sup == nil {
		return
	}
	if w.feed.Connected() {
		return
	}

	w.log.Info("recovery kick", logx.String("reason", reason))
	w.feed.ForceReconnect()
	sup.Go0("kick-poll", func(ctx context.Context) {
		w.poller.PollNow(ctx)
	})
}

func (w *Watcher) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.feed.Probe(now)
		}
	}
}

func (w *Watcher) recoverLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.TypeRecoverRequested {
				continue
			}
			reason, _ := e.Data.(string)
			if reason == "" {
				reason = "unspecified"
			}
			w.Kick(reason)
		}
	}
}

func (w *Watcher) startCronLocked() error {
	loc := time.Local
	if w.clock != nil {
		loc = w.clock.Location()
	}
	cr := cron.New(cron.WithLocation(loc))

	// Alignment poll fires on the wall clock regardless of feed health, so
	// the delivery list refreshes on a predictable cadence.
	if _, err := cr.AddFunc(w.cfg.AlignSpec, func() {
		w.mu.Lock()
		ctx := w.runCtx
		w.mu.Unlock()
		if ctx != nil {
			w.poller.PollNow(ctx)
		}
	}); err != nil {
		return err
	}

	// Midnight prune keeps the ledger scoped to the current day even for
	// processes that run across date boundaries.
	if w.ledger != nil && w.clock != nil {
		if _, err := cr.AddFunc(pruneSpec, func() {
			w.mu.Lock()
			ctx := w.runCtx
			w.mu.Unlock()
			if ctx != nil {
				w.ledger.PruneOlderThan(ctx, w.clock.Today(ctx))
			}
		}); err != nil {
			return err
		}
	}

	cr.Start()
	w.cron = cr
	return nil
}
