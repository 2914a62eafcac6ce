// Package app wires the watcher together: config, logging, storage, the
// backend client, the feed/poller/queue core, and the optional escalation
// notifier.
package app

import (
	"context"
	"time"

	"deliverywatch/internal/alerts"
	"deliverywatch/internal/api"
	"deliverywatch/internal/clock"
	"deliverywatch/internal/config"
	"deliverywatch/internal/dedup"
	"deliverywatch/internal/eventbus"
	"deliverywatch/internal/feed"
	"deliverywatch/internal/ledger"
	"deliverywatch/internal/notifier"
	"deliverywatch/internal/poller"
	"deliverywatch/internal/runtime/supervisor"
	"deliverywatch/internal/storage"
	"deliverywatch/internal/transport/telegram"
	"deliverywatch/internal/watch"
	logx "deliverywatch/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client  *api.Client
	clk     *clock.Clock
	queue   *alerts.Queue
	channel *feed.Channel
	poll    *poller.Poller
	watcher *watch.Watcher

	notif  *notifier.Service
	escal  *notifier.Escalator
	sender *telegram.Adapter
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := api.New(apiCfg, logSvc.Logger().With(logx.String("comp", "api")))
	if err != nil {
		return nil, err
	}

	clk := clock.New(client, cfg.API.Timezone, logSvc.Logger().With(logx.String("comp", "clock")))
	ded := dedup.New()
	led := ledger.New(store, logSvc.Logger().With(logx.String("comp", "ledger")))

	var player alerts.Player = alerts.NopPlayer()
	if len(cfg.Alarm.Command) > 0 {
		player = alerts.NewCommandPlayer(cfg.Alarm.Command, logSvc.Logger().With(logx.String("comp", "alarm")))
	}

	queue := alerts.New(ded, led, clk, logSvc.Logger().With(logx.String("comp", "alerts")),
		alerts.WithActions(client),
		alerts.WithPlayer(player),
		alerts.WithBus(bus),
		alerts.WithPrefs(prefsOrNil(store)),
	)

	pollCfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	poll := poller.New(pollCfg, client, clk, queue, logSvc.Logger().With(logx.String("comp", "poller")))

	feedCfg, err := mapFeedConfig(cfg)
	if err != nil {
		return nil, err
	}

	// The channel's state hook feeds the watcher; the watcher is built
	// right after, so route through the App field.
	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		client:  client,
		clk:     clk,
		queue:   queue,
		poll:    poll,
	}

	a.channel = feed.New(feedCfg,
		feed.WebsocketDialer(client.StreamURL(), client.StreamHeader()),
		queue,
		logSvc.Logger().With(logx.String("comp", "feed")),
		feed.WithBus(bus),
		feed.WithReceiptPrinter(client),
		feed.WithOnState(func(st feed.State) {
			if a.watcher != nil {
				a.watcher.OnFeedState(st)
			}
		}),
	)

	watchCfg, err := mapWatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.watcher = watch.New(watchCfg, a.channel, poll, led, clk, bus,
		logSvc.Logger().With(logx.String("comp", "watch")))

	if err := a.buildNotifier(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) buildNotifier(cfg *config.Config) error {
	ncfg, escCfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	if !ncfg.Enabled {
		return nil
	}
	sender, err := telegram.New(telegram.Config{Token: cfg.Notifier.Token},
		a.logs.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return err
	}
	a.sender = sender
	a.notif = notifier.New(ncfg, sender, a.logs.Logger().With(logx.String("comp", "notifier")), a.bus)
	a.escal = notifier.NewEscalator(escCfg, a.notif, a.queue, a.bus,
		a.logs.Logger().With(logx.String("comp", "escalator")))
	return nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Kick forces a recovery attempt (reconnect + immediate poll). Wired to
// operator signals in cmd.
func (a *App) Kick(reason string) {
	if a.watcher != nil {
		a.watcher.Kick(reason)
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
		if _, err := mapFeedConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPollerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWatchConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.watcher.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.notif != nil {
		a.notif.Start(a.sup.Context())
	}
	if a.escal != nil {
		a.escal.Start(a.sup.Context())
	}

	// Hot reload fan-out: logging and notifier tunables apply live; api,
	// storage and scheduling changes need a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Debug-level event mirror for observability.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.log.Info("watcher app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if a.notif != nil {
		ncfg, _, err := mapNotifierConfig(cfg)
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			prev := a.notif.Enabled()
			a.notif.Apply(ncfg)
			if prev && !ncfg.Enabled {
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			} else if !prev && ncfg.Enabled {
				a.log.Info("notifier enabled via config")
				a.notif.Start(ctx)
			}
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}

	if a.escal != nil {
		a.escal.Stop(ctx)
	}
	if a.notif != nil {
		a.notif.Stop(ctx)
	}
	_ = a.watcher.Stop(ctx)
	if a.sender != nil {
		_ = a.sender.Stop(ctx)
	}

	err := a.sup.Stop(ctx)

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("watcher app stopped")
	_ = a.logs.Close()
	return err
}

// prefsOrNil keeps the queue's Prefs dependency nil when storage is
// disabled, so the interface value doesn't wrap a nil Store.
func prefsOrNil(store storage.Store) alerts.Prefs {
	if store == nil {
		return nil
	}
	return store
}
