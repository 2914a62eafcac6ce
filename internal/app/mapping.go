package app

import (
	"fmt"
	"strings"
	"time"

	"deliverywatch/internal/api"
	"deliverywatch/internal/config"
	"deliverywatch/internal/feed"
	"deliverywatch/internal/notifier"
	"deliverywatch/internal/poller"
	"deliverywatch/internal/storage"
	kit "deliverywatch/internal/transport"
	"deliverywatch/internal/watch"
)

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	timeout, err := config.ParseDurationOrDefault("api.timeout", cfg.API.Timeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		ShopID:  cfg.API.ShopID,
		Timeout: timeout,
	}, nil
}

func mapFeedConfig(cfg *config.Config) (feed.Config, error) {
	minB, err := config.ParseDurationOrDefault("feed.min_backoff", cfg.Feed.MinBackoff, time.Second)
	if err != nil {
		return feed.Config{}, err
	}
	maxB, err := config.ParseDurationOrDefault("feed.max_backoff", cfg.Feed.MaxBackoff, 30*time.Second)
	if err != nil {
		return feed.Config{}, err
	}
	if maxB < minB {
		return feed.Config{}, fmt.Errorf("feed.max_backoff must be >= feed.min_backoff")
	}
	return feed.Config{MinBackoff: minB, MaxBackoff: maxB}, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, 15*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	lookahead, err := config.ParseDurationOrDefault("poller.lookahead", cfg.Poller.Lookahead, 60*time.Minute)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{Interval: interval, Lookahead: lookahead}, nil
}

func mapWatchConfig(cfg *config.Config) (watch.Config, error) {
	wd, err := config.ParseDurationOrDefault("watch.watchdog_interval", cfg.Watch.WatchdogInterval, 10*time.Second)
	if err != nil {
		return watch.Config{}, err
	}
	return watch.Config{
		WatchdogInterval: wd,
		AlignSpec:        strings.TrimSpace(cfg.Watch.AlignSpec),
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, notifier.EscalateConfig, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{}, notifier.EscalateConfig{}, nil
	}

	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, notifier.EscalateConfig{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, notifier.EscalateConfig{}, err
	}
	dedupWindow, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, notifier.EscalateConfig{}, err
	}
	escAge, err := config.ParseDurationOrDefault("notifier.escalate_age", nc.EscalateAge, 2*time.Minute)
	if err != nil {
		return notifier.Config{}, notifier.EscalateConfig{}, err
	}
	scan, err := config.ParseDurationOrDefault("notifier.scan_interval", nc.ScanInterval, 30*time.Second)
	if err != nil {
		return notifier.Config{}, notifier.EscalateConfig{}, err
	}

	svc := notifier.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		DedupWindow:   dedupWindow,
	}
	esc := notifier.EscalateConfig{
		Age:          escAge,
		ScanInterval: scan,
		Target:       kit.ChatTarget{ChatID: nc.ChatID, ThreadID: nc.ThreadID},
	}
	return svc, esc, nil
}
