package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the full watcher configuration.
//
// All durations are Go duration strings (e.g. "500ms", "15s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	API     APIConfig     `json:"api"`

	Feed   FeedConfig   `json:"feed,omitempty"`
	Poller PollerConfig `json:"poller,omitempty"`
	Watch  WatchConfig  `json:"watch,omitempty"`
	Alarm  AlarmConfig  `json:"alarm,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// APIConfig points at the delivery backend.
type APIConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
	ShopID  int64  `json:"shop_id"`
	// Timezone is the shop's operating IANA timezone (e.g. "Asia/Jakarta").
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type FeedConfig struct {
	MinBackoff string `json:"min_backoff,omitempty"`
	MaxBackoff string `json:"max_backoff,omitempty"`
}

type PollerConfig struct {
	Interval  string `json:"interval,omitempty"`
	Lookahead string `json:"lookahead,omitempty"`
}

type WatchConfig struct {
	WatchdogInterval string `json:"watchdog_interval,omitempty"`
	// AlignSpec is a cron expression for the wall-clock poll cadence.
	AlignSpec string `json:"align_spec,omitempty"`
}

// AlarmConfig configures the audible alarm player. An empty command
// disables playback (host UIs may drive their own player).
type AlarmConfig struct {
	Command []string `json:"command,omitempty"`
}

// NotifierConfig controls the escalation pipeline. Omitting the section
// disables escalation entirely.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`

	// EscalateAge is how long an alert may sit unacknowledged before a
	// staff-chat message is sent.
	EscalateAge  string `json:"escalate_age,omitempty"`
	ScanInterval string `json:"scan_interval,omitempty"`
}

// StorageConfig controls the durable ledger/preferences store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./deliverywatch_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// Validate checks fields whose absence would make the watcher useless.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url is required")
	}
	if c.API.ShopID <= 0 {
		return errors.New("api.shop_id is required")
	}
	if n := c.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			return errors.New("notifier.token is required when notifier is enabled")
		}
		if n.ChatID == 0 {
			return errors.New("notifier.chat_id is required when notifier is enabled")
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"api.timeout", c.API.Timeout},
		{"feed.min_backoff", c.Feed.MinBackoff},
		{"feed.max_backoff", c.Feed.MaxBackoff},
		{"poller.interval", c.Poller.Interval},
		{"poller.lookahead", c.Poller.Lookahead},
		{"watch.watchdog_interval", c.Watch.WatchdogInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.API.Timezone != "" {
		// Zone validity is checked at clock construction; here only guard
		// against obvious whitespace mistakes.
		if strings.TrimSpace(c.API.Timezone) != c.API.Timezone {
			return fmt.Errorf("api.timezone: leading/trailing whitespace in %q", c.API.Timezone)
		}
	}
	return nil
}
