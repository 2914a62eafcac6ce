package delivery

import "time"

// Kind classifies an alert for one order. An order may legitimately produce
// one alert of each kind over its lifetime, but never two of the same kind.
type Kind string

const (
	KindPaid     Kind = "paid"
	KindUpcoming Kind = "upcoming"
)

// Delivery statuses as reported by the backend.
const (
	StatusPaid           = "paid"
	StatusOutForDelivery = "out_for_delivery"
)

// Payload carries the order details shown to staff. It is opaque to the
// dedup/queue machinery and passed through to the presenter and the
// receipt printer.
type Payload struct {
	BuyerName string  `json:"buyer_name"`
	Phone     string  `json:"phone,omitempty"`
	Address   string  `json:"address,omitempty"`
	Items     []Item  `json:"items,omitempty"`
	Total     float64 `json:"total"`
	Note      string  `json:"note,omitempty"`

	// Scheduled delivery slot, shop-local. Zero values mean "not scheduled".
	ScheduledHour   int `json:"scheduled_hour"`
	ScheduledMinute int `json:"scheduled_minute"`
}

type Item struct {
	Name  string  `json:"name"`
	Qty   int     `json:"qty"`
	Price float64 `json:"price"`
}

// Alert is the unit of notification. It is immutable once created; state
// changes replace or remove the queue entry.
type Alert struct {
	OrderID int64
	Kind    Kind
	Payload Payload

	// CreatedAt is when the alert was admitted, not when the order was paid.
	CreatedAt time.Time
}

// Record is one row of the in-flight delivery list returned by the backend.
type Record struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`

	// AcceptedAt is nil until staff accepted the order.
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`

	// Scheduled delivery time, shop-local clock. Nil when the buyer did not
	// pick a slot.
	ScheduledHour   *int `json:"scheduled_hour,omitempty"`
	ScheduledMinute *int `json:"scheduled_minute,omitempty"`

	Payload Payload `json:"payload"`
}

// ScheduledAt resolves the record's delivery slot against the given day in
// the given location. ok is false when no slot is set.
func (r Record) ScheduledAt(day time.Time) (t time.Time, ok bool) {
	if r.ScheduledHour == nil || r.ScheduledMinute == nil {
		return time.Time{}, false
	}
	h, m := *r.ScheduledHour, *r.ScheduledMinute
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location()), true
}
