// Package alerts holds the ordered list of currently-active alerts,
// drives the audible alarm, and exposes the accept/reject/dismiss actions
// that mutate the queue and the dedup/dismissal stores.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"deliverywatch/internal/dedup"
	"deliverywatch/internal/delivery"
	"deliverywatch/internal/eventbus"
	logx "deliverywatch/pkg/logx"
)

const (
	volumePrefKey = "alarm_volume"
	defaultVolume = 80
)

var ErrNotQueued = errors.New("alerts: order not queued")

// Actions are the external accept/reject collaborators.
type Actions interface {
	AcceptDelivery(ctx context.Context, orderID int64, estimatedMinutes int) error
	RejectDelivery(ctx context.Context, orderID int64) error
}

// Dismissals is the per-day dismissal ledger.
type Dismissals interface {
	IsDismissed(ctx context.Context, day string, orderID int64) bool
	MarkDismissed(ctx context.Context, day string, orderID int64)
}

// Clock supplies "today" in the shop timezone for dismissal bookkeeping.
type Clock interface {
	Today(ctx context.Context) string
}

// Prefs persists the alarm volume across restarts.
type Prefs interface {
	GetPref(ctx context.Context, key string) (string, bool, error)
	SetPref(ctx context.Context, key, value string) error
}

// Queue is the presenter-facing alert queue. Producers (feed, poller)
// submit candidates through it; the user-facing consumer accepts, rejects
// or dismisses entries. All mutation is serialized by one mutex.
type Queue struct {
	dedup   *dedup.Store
	ledger  Dismissals
	actions Actions
	clock   Clock
	prefs   Prefs
	player  Player
	bus     eventbus.Bus
	log     logx.Logger

	mu           sync.Mutex
	items        []delivery.Alert
	sounding     bool
	volume       int
	volumeLoaded bool
}

type Option func(*Queue)

func WithPlayer(p Player) Option      { return func(q *Queue) { q.player = p } }
func WithBus(bus eventbus.Bus) Option { return func(q *Queue) { q.bus = bus } }
func WithPrefs(p Prefs) Option        { return func(q *Queue) { q.prefs = p } }
func WithActions(a Actions) Option    { return func(q *Queue) { q.actions = a } }

func New(ded *dedup.Store, ledger Dismissals, clk Clock, log logx.Logger, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		dedup:  ded,
		ledger: ledger,
		clock:  clk,
		log:    log,
		player: NopPlayer(),
		volume: defaultVolume,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// SubmitPaid admits a paid candidate. Returns false when the order already
// produced a paid alert this session.
func (q *Queue) SubmitPaid(ctx context.Context, a delivery.Alert) bool {
	a.Kind = delivery.KindPaid
	if !q.dedup.Admit(delivery.KindPaid, a.OrderID) {
		return false
	}
	q.enqueue(ctx, a)
	return true
}

// SubmitUpcoming admits an upcoming candidate. The dismissal ledger is
// consulted before the dedup store so a dismissed reminder never burns a
// dedup slot.
func (q *Queue) SubmitUpcoming(ctx context.Context, day string, a delivery.Alert) bool {
	a.Kind = delivery.KindUpcoming
	if q.ledger != nil && q.ledger.IsDismissed(ctx, day, a.OrderID) {
		return false
	}
	if !q.dedup.Admit(delivery.KindUpcoming, a.OrderID) {
		return false
	}
	q.enqueue(ctx, a)
	return true
}

func (q *Queue) enqueue(ctx context.Context, a delivery.Alert) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	q.mu.Lock()
	q.items = append(q.items, a)
	start := !q.sounding
	q.sounding = true
	vol := q.loadVolumeLocked(ctx)
	q.mu.Unlock()

	q.log.Info("alert enqueued",
		logx.Int64("order_id", a.OrderID),
		logx.String("kind", string(a.Kind)),
	)
	q.publish(eventbus.TypeAlertEnqueued, a.OrderID)

	// Volume is re-applied on every trigger so a preference change takes
	// effect without restarting the process.
	if start {
		q.player.Start(vol)
	}
}

// Alerts returns a snapshot of the queue in insertion order.
func (q *Queue) Alerts() []delivery.Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]delivery.Alert, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Accept invokes the accept collaborator. On success the alert leaves the
// queue; on failure it stays so the user can retry. An Upcoming alert's
// dismissal is recorded regardless of the outcome.
func (q *Queue) Accept(ctx context.Context, orderID int64, estimatedMinutes int) error {
	a, ok := q.find(orderID)
	if !ok {
		return ErrNotQueued
	}
	if q.actions == nil {
		return errors.New("alerts: no action collaborator configured")
	}
	if a.Kind == delivery.KindUpcoming {
		q.markDismissed(ctx, orderID)
	}

	if err := q.actions.AcceptDelivery(ctx, orderID, estimatedMinutes); err != nil {
		q.log.Warn("accept failed", logx.Int64("order_id", orderID), logx.Err(err))
		q.publish(eventbus.TypeActionFailed, ActionFailure{OrderID: orderID, Action: "accept", Err: err.Error()})
		return fmt.Errorf("accept order %d: %w", orderID, err)
	}

	q.remove(orderID)
	q.publish(eventbus.TypeAlertAccepted, orderID)
	return nil
}

// Reject mirrors Accept with the reject collaborator.
func (q *Queue) Reject(ctx context.Context, orderID int64) error {
	a, ok := q.find(orderID)
	if !ok {
		return ErrNotQueued
	}
	if q.actions == nil {
		return errors.New("alerts: no action collaborator configured")
	}
	if a.Kind == delivery.KindUpcoming {
		q.markDismissed(ctx, orderID)
	}

	if err := q.actions.RejectDelivery(ctx, orderID); err != nil {
		q.log.Warn("reject failed", logx.Int64("order_id", orderID), logx.Err(err))
		q.publish(eventbus.TypeActionFailed, ActionFailure{OrderID: orderID, Action: "reject", Err: err.Error()})
		return fmt.Errorf("reject order %d: %w", orderID, err)
	}

	q.remove(orderID)
	q.publish(eventbus.TypeAlertRejected, orderID)
	return nil
}

// Dismiss removes one alert without a server-side action. An Upcoming
// dismissal is recorded in the ledger so the reminder stays gone for the
// rest of the day; a Paid alert is simply closed.
func (q *Queue) Dismiss(ctx context.Context, orderID int64) error {
	a, ok := q.find(orderID)
	if !ok {
		return ErrNotQueued
	}
	if a.Kind == delivery.KindUpcoming {
		q.markDismissed(ctx, orderID)
	}
	q.remove(orderID)
	q.publish(eventbus.TypeAlertDismissed, orderID)
	return nil
}

// Close removes one alert without recording anything. This is the
// explicit close path for Paid alerts; a closed Upcoming alert may
// reappear on the next poll.
func (q *Queue) Close(orderID int64) error {
	if _, ok := q.find(orderID); !ok {
		return ErrNotQueued
	}
	q.remove(orderID)
	q.publish(eventbus.TypeAlertDismissed, orderID)
	return nil
}

// DismissAll clears the queue, records dismissals for every queued
// Upcoming alert, and resets the dedup store so a later genuine
// re-occurrence can alert again.
func (q *Queue) DismissAll(ctx context.Context) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	stop := q.sounding
	q.sounding = false
	q.mu.Unlock()

	for _, a := range items {
		if a.Kind == delivery.KindUpcoming {
			q.markDismissed(ctx, a.OrderID)
		}
	}
	q.dedup.Reset()

	if stop {
		q.player.Stop()
	}
	if len(items) > 0 {
		q.log.Info("all alerts dismissed", logx.Int("count", len(items)))
		q.publish(eventbus.TypeAlertDismissed, int64(0))
	}
}

// Volume returns the effective alarm volume.
func (q *Queue) Volume(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadVolumeLocked(ctx)
}

// SetVolume clamps to 0..100, persists the preference, and applies it on
// the next trigger.
func (q *Queue) SetVolume(ctx context.Context, v int) {
	v = clampVolume(v)
	q.mu.Lock()
	q.volume = v
	q.volumeLoaded = true
	q.mu.Unlock()

	if q.prefs != nil {
		if err := q.prefs.SetPref(ctx, volumePrefKey, strconv.Itoa(v)); err != nil {
			q.log.Warn("volume preference not persisted", logx.Err(err))
		}
	}
}

func (q *Queue) find(orderID int64) (delivery.Alert, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.items {
		if a.OrderID == orderID {
			return a, true
		}
	}
	return delivery.Alert{}, false
}

func (q *Queue) remove(orderID int64) {
	q.mu.Lock()
	kept := q.items[:0]
	for _, a := range q.items {
		if a.OrderID != orderID {
			kept = append(kept, a)
		}
	}
	q.items = kept
	stop := q.sounding && len(q.items) == 0
	if stop {
		q.sounding = false
	}
	q.mu.Unlock()

	if stop {
		q.player.Stop()
	}
}

func (q *Queue) markDismissed(ctx context.Context, orderID int64) {
	if q.ledger == nil || q.clock == nil {
		return
	}
	q.ledger.MarkDismissed(ctx, q.clock.Today(ctx), orderID)
}

// loadVolumeLocked reads the persisted preference once per process.
func (q *Queue) loadVolumeLocked(ctx context.Context) int {
	if q.volumeLoaded || q.prefs == nil {
		return q.volume
	}
	q.volumeLoaded = true
	raw, ok, err := q.prefs.GetPref(ctx, volumePrefKey)
	if err != nil {
		q.log.Warn("volume preference load failed", logx.Err(err))
		return q.volume
	}
	if ok {
		if v, err := strconv.Atoi(raw); err == nil {
			q.volume = clampVolume(v)
		}
	}
	return q.volume
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (q *Queue) publish(typ string, data any) {
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// ActionFailure is the bus payload for a failed accept/reject, consumed
// by the escalation notifier and any attached UI.
type ActionFailure struct {
	OrderID int64  `json:"order_id"`
	Action  string `json:"action"`
	Err     string `json:"err"`
}
