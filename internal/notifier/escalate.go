package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deliverywatch/internal/alerts"
	"deliverywatch/internal/delivery"
	"deliverywatch/internal/eventbus"
	rtsup "deliverywatch/internal/runtime/supervisor"
	kit "deliverywatch/internal/transport"
	logx "deliverywatch/pkg/logx"
)

type EscalateConfig struct {
	// Age an alert may sit unacknowledged before escalating.
	Age time.Duration
	// ScanInterval between queue scans.
	ScanInterval time.Duration
	Target       kit.ChatTarget
}

// AlertSource is the queue surface the escalator scans.
type AlertSource interface {
	Alerts() []delivery.Alert
}

// Escalator pushes a staff-chat message when an alert has been ignored
// too long, and forwards action/receipt failure notices. At most one
// escalation is sent per queued alert.
type Escalator struct {
	cfg    EscalateConfig
	svc    *Service
	alerts AlertSource
	bus    eventbus.Bus
	log    logx.Logger

	mu       sync.Mutex
	notified map[int64]struct{}
	sup      *rtsup.Supervisor
}

func NewEscalator(cfg EscalateConfig, svc *Service, src AlertSource, bus eventbus.Bus, log logx.Logger) *Escalator {
	if cfg.Age <= 0 {
		cfg.Age = 2 * time.Minute
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Escalator{
		cfg:      cfg,
		svc:      svc,
		alerts:   src,
		bus:      bus,
		log:      log,
		notified: map[int64]struct{}{},
	}
}

func (e *Escalator) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup != nil || e.svc == nil || !e.svc.Enabled() {
		return
	}
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log.With(logx.String("comp", "escalator"))))

	e.sup.Go0("scan", e.scanLoop)
	if e.bus != nil {
		ch, unsub := e.bus.Subscribe(32)
		e.sup.Go0("failures", func(ctx context.Context) {
			defer unsub()
			e.failureLoop(ctx, ch)
		})
	}
}

func (e *Escalator) Stop(ctx context.Context) {
	e.mu.Lock()
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

func (e *Escalator) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.scan(ctx, now)
		}
	}
}

func (e *Escalator) scan(ctx context.Context, now time.Time) {
	queued := e.alerts.Alerts()

	e.mu.Lock()
	// Forget orders no longer queued so a genuine re-occurrence (after
	// dismiss-all) can escalate again.
	live := map[int64]struct{}{}
	for _, a := range queued {
		live[a.OrderID] = struct{}{}
	}
	for id := range e.notified {
		if _, ok := live[id]; !ok {
			delete(e.notified, id)
		}
	}

	var due []delivery.Alert
	for _, a := range queued {
		if now.Sub(a.CreatedAt) < e.cfg.Age {
			continue
		}
		if _, ok := e.notified[a.OrderID]; ok {
			continue
		}
		e.notified[a.OrderID] = struct{}{}
		due = append(due, a)
	}
	e.mu.Unlock()

	for _, a := range due {
		age := now.Sub(a.CreatedAt).Round(time.Second)
		text := fmt.Sprintf("Delivery alert unacknowledged for %s: order %d (%s) buyer %q",
			age, a.OrderID, a.Kind, a.Payload.BuyerName)
		e.notify(ctx, 9, text)
	}
}

func (e *Escalator) failureLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.TypeActionFailed:
				if f, ok := ev.Data.(alerts.ActionFailure); ok {
					e.notify(ctx, 7, fmt.Sprintf("Order %d: %s failed (%s), alert kept on screen", f.OrderID, f.Action, f.Err))
				}
			case eventbus.TypeReceiptFailed:
				if id, ok := ev.Data.(int64); ok {
					e.notify(ctx, 5, fmt.Sprintf("Receipt print failed for order %d", id))
				}
			}
		}
	}
}

func (e *Escalator) notify(ctx context.Context, priority int, text string) {
	err := e.svc.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: priority,
		Target:   e.cfg.Target,
		Text:     text,
	})
	if err != nil {
		e.log.Debug("escalation not queued", logx.Err(err))
	}
}
