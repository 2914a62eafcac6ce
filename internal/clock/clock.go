// Package clock resolves a trusted "current time" for scheduling
// decisions. Shop devices have drifting, user-editable clocks, so the
// server is the source of truth; local time is only a fallback.
package clock

import (
	"context"
	"strings"
	"time"

	logx "deliverywatch/pkg/logx"
)

const DayFormat = "2006-01-02"

// TimeSource is the collaborator that reports server time.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

type Clock struct {
	src TimeSource
	loc *time.Location
	log logx.Logger
}

// New builds a Clock in the shop's operating timezone. An empty or
// invalid tz falls back to time.Local with a warning.
func New(src TimeSource, tz string, log logx.Logger) *Clock {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if s := strings.TrimSpace(tz); s != "" {
		l, err := time.LoadLocation(s)
		if err != nil {
			log.Warn("invalid timezone, falling back to Local", logx.String("tz", s), logx.Err(err))
		} else {
			loc = l
		}
	}
	return &Clock{src: src, loc: loc, log: log}
}

func (c *Clock) Location() *time.Location { return c.loc }

// Now queries the server for the current time. On failure it degrades to
// the local clock; that is a soft failure, never fatal.
func (c *Clock) Now(ctx context.Context) time.Time {
	if c.src != nil {
		t, err := c.src.ServerTime(ctx)
		if err == nil {
			return t.In(c.loc)
		}
		c.log.Warn("server time unavailable, using local clock", logx.Err(err))
	}
	return time.Now().In(c.loc)
}

// Today returns the current calendar day ("2006-01-02") in the shop
// timezone.
func (c *Clock) Today(ctx context.Context) string {
	return c.Now(ctx).Format(DayFormat)
}
