package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrNoOrderID = errors.New("event has no order id")

// DecodeEvent parses one live-feed frame into a Paid alert candidate.
//
// The backend has shipped several spellings of this payload over time, so
// decoding is deliberately forgiving: known key variants are coalesced,
// missing fields default to zero values, and only a frame without any
// usable order id is rejected. A bad frame must never tear down the feed;
// callers drop the single frame and keep reading.
func DecodeEvent(data []byte) (Alert, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Alert{}, fmt.Errorf("decode event: %w", err)
	}

	id := coalesceInt64(raw, "order_id", "orderId", "id")
	if id == 0 {
		return Alert{}, ErrNoOrderID
	}

	p := Payload{
		BuyerName: coalesceString(raw, "buyer_name", "buyerName", "name"),
		Phone:     coalesceString(raw, "phone", "tel"),
		Address:   coalesceString(raw, "address", "addr"),
		Note:      coalesceString(raw, "note", "comment"),
		Total:     coalesceFloat(raw, "total", "amount"),
	}
	p.ScheduledHour = int(coalesceInt64(raw, "scheduled_hour", "hour"))
	p.ScheduledMinute = int(coalesceInt64(raw, "scheduled_minute", "minute"))

	if itemsRaw, ok := firstPresent(raw, "items", "order_items"); ok {
		var items []Item
		if err := json.Unmarshal(itemsRaw, &items); err == nil {
			p.Items = items
		}
	}

	return Alert{
		OrderID:   id,
		Kind:      KindPaid,
		Payload:   p,
		CreatedAt: time.Now(),
	}, nil
}

func firstPresent(raw map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && len(v) > 0 && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

func coalesceString(raw map[string]json.RawMessage, keys ...string) string {
	v, ok := firstPresent(raw, keys...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	// Tolerate non-string scalars (numbers, bools).
	return strings.Trim(string(v), `"`)
}

func coalesceInt64(raw map[string]json.RawMessage, keys ...string) int64 {
	v, ok := firstPresent(raw, keys...)
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(v, &n); err == nil {
		return n
	}
	// The backend sometimes quotes numeric ids.
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if p, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return p
		}
	}
	return 0
}

func coalesceFloat(raw map[string]json.RawMessage, keys ...string) float64 {
	v, ok := firstPresent(raw, keys...)
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if p, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return p
		}
	}
	return 0
}
