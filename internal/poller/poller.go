// Package poller re-derives delivery alerts by periodically fetching the
// full in-flight list and diffing it against the dedup store. It runs
// whenever the live feed is not confirmed healthy, and on the wall-clock
// alignment cadence regardless of feed health.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"deliverywatch/internal/delivery"
	logx "deliverywatch/pkg/logx"
)

const (
	defaultInterval  = 15 * time.Second
	defaultLookahead = 60 * time.Minute
	pollTimeout      = 30 * time.Second
)

// API lists the in-flight deliveries for one calendar day.
type API interface {
	ListDeliveries(ctx context.Context, day string) ([]delivery.Record, error)
}

// Clock supplies trusted time (see internal/clock).
type Clock interface {
	Now(ctx context.Context) time.Time
}

// Intake routes candidates through the dedup store (and, for upcoming
// candidates, the dismissal ledger) into the alert queue.
type Intake interface {
	SubmitPaid(ctx context.Context, a delivery.Alert) bool
	SubmitUpcoming(ctx context.Context, day string, a delivery.Alert) bool
}

type Config struct {
	// Interval between polls while the feed is unhealthy.
	Interval time.Duration
	// Lookahead is the upcoming-delivery window: alerts fire when
	// 0 < scheduled-now <= Lookahead.
	Lookahead time.Duration
}

type Poller struct {
	cfg    Config
	api    API
	clock  Clock
	intake Intake
	log    logx.Logger

	mu   sync.Mutex
	stop chan struct{} // non-nil while running

	// inFlight guards against overlapping polls: a poll triggered while a
	// previous request has not resolved is a no-op.
	inFlight atomic.Bool
}

func New(cfg Config, api API, clk Clock, intake Intake, log logx.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = defaultLookahead
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{cfg: cfg, api: api, clock: clk, intake: intake, log: log}
}

// Start begins interval polling, firing the first poll immediately.
// Starting an already-running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.stop = stop
	p.mu.Unlock()

	p.log.Debug("poller started", logx.Duration("interval", p.cfg.Interval))
	go p.loop(ctx, stop)
}

// Stop halts interval polling. A poll already in flight is allowed to
// complete. Stopping an already-stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	p.log.Debug("poller stopped")
}

// Running reports whether interval polling is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop != nil
}

func (p *Poller) loop(ctx context.Context, stop chan struct{}) {
	p.PollNow(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.PollNow(ctx)
		}
	}
}

// PollNow runs one poll synchronously. It may be called from the interval
// loop, the wall-clock alignment trigger, or a recovery kick; overlapping
// calls are dropped, not queued.
func (p *Poller) PollNow(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.log.Debug("poll skipped, previous poll still in flight")
		return
	}
	defer p.inFlight.Store(false)

	if ctx == nil {
		ctx = context.Background()
	}
	pctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	now := p.clock.Now(pctx)
	day := now.Format("2006-01-02")

	records, err := p.api.ListDeliveries(pctx, day)
	if err != nil {
		// Transport errors are non-fatal; the next tick retries.
		p.log.Warn("poll failed", logx.String("day", day), logx.Err(err))
		return
	}

	paid, upcoming := 0, 0
	for _, r := range records {
		if a, ok := paidCandidate(r, now); ok {
			if p.intake.SubmitPaid(pctx, a) {
				paid++
			}
		}
		if a, ok := p.upcomingCandidate(r, now); ok {
			if p.intake.SubmitUpcoming(pctx, day, a) {
				upcoming++
			}
		}
	}
	if paid > 0 || upcoming > 0 {
		p.log.Info("poll admitted alerts",
			logx.Int("paid", paid),
			logx.Int("upcoming", upcoming),
			logx.Int("records", len(records)),
		)
	}
}

// paidCandidate: a delivery that is paid but nobody accepted yet.
func paidCandidate(r delivery.Record, now time.Time) (delivery.Alert, bool) {
	if r.Status != delivery.StatusPaid || r.AcceptedAt != nil {
		return delivery.Alert{}, false
	}
	return delivery.Alert{
		OrderID:   r.ID,
		Kind:      delivery.KindPaid,
		Payload:   r.Payload,
		CreatedAt: now,
	}, true
}

// upcomingCandidate: an in-flight delivery whose scheduled time falls
// within the lookahead window (0 < delta <= lookahead).
func (p *Poller) upcomingCandidate(r delivery.Record, now time.Time) (delivery.Alert, bool) {
	if r.Status != delivery.StatusPaid && r.Status != delivery.StatusOutForDelivery {
		return delivery.Alert{}, false
	}
	at, ok := r.ScheduledAt(now)
	if !ok {
		return delivery.Alert{}, false
	}
	delta := at.Sub(now)
	if delta <= 0 || delta > p.cfg.Lookahead {
		return delivery.Alert{}, false
	}
	return delivery.Alert{
		OrderID:   r.ID,
		Kind:      delivery.KindUpcoming,
		Payload:   r.Payload,
		CreatedAt: now,
	}, true
}
