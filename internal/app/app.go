package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/eventbus"
	"castbot/internal/mailing"
	"castbot/internal/metrics"
	"castbot/internal/observability"
	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/scheduler"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	telegram "castbot/internal/transport/telegram/adapter"
	"castbot/internal/transport/telegram/router"
	logx "castbot/pkg/logx"
)

// App wires the bot: Telegram transport, command router, mailing surface,
// broadcast engine, subscriber store and the optional side services.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	engine  *broadcast.Engine
	router  *router.Router
	mail    *mailing.Service

	reg     *prometheus.Registry
	metrics *metrics.Metrics
	obs     *observability.Server
	digest  *scheduler.Service

	sdNotify sdNotify
	updates  chan kit.Update
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		APIURL:      cfg.Telegram.APIURL,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logs, log, err := newLogging(cfg, ad)
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) {
			err = fmt.Errorf("storage.driver=%s: the bot needs a subscriber store", sc.Driver)
		}
		_ = logs.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	_, botName := ad.Self()
	a, err := newApp(cfgm, cfg, ad, store, logs, log, router.WithBotUsername(botName))
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	a.sdNotify = systemdNotify
	return a, nil
}

// newApp wires everything that does not need the network or the disk.
func newApp(cfgm *config.ConfigManager, cfg *config.Config, ad kit.Adapter, store storage.Store, logs *logx.Service, log logx.Logger, ropts ...router.Option) (*App, error) {
	bus := eventbus.New()

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := broadcast.New(store, mailing.CopyDeliverer{Copier: ad}, bcfg,
		broadcast.WithLogger(log),
		broadcast.WithBus(bus),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ocfg, err := mapObservabilityConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		bus:     bus,
		store:   store,
		adapter: ad,
		engine:  engine,
		router:  router.New(log.With(logx.String("comp", "router")), ad, cfg.Telegram.AdminID, ropts...),
		reg:     reg,
		metrics: metrics.New(reg, bus),
		updates: make(chan kit.Update, 256),
	}
	a.obs = observability.New(ocfg, reg, a.health, log.With(logx.String("comp", "observability")))
	a.digest = scheduler.New("stats_digest", mapReportConfig(cfg), a.sendDigest, log.With(logx.String("comp", "scheduler")))
	return a, nil
}

// newLogging builds the logging service with the Telegram sink pointed at
// telegram.group_log. The target is set before the sink is enabled.
func newLogging(cfg *config.Config, sender kit.Sender) (*logx.Service, logx.Logger, error) {
	lc := mapLoggingConfig(cfg)
	boot := lc
	boot.Telegram.Enabled = false
	logs, log := logx.New(boot, sender)

	to, ok, err := logTarget(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, logx.Logger{}, err
	}
	if ok {
		logs.SetTelegramTarget(to.ChatID, to.ThreadID)
	}
	logs.Apply(lc)
	return logs, log, nil
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Registry exposes the Prometheus registry behind /metrics.
func (a *App) Registry() *prometheus.Registry { return a.reg }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateReload)

	a.mail = mailing.New(mailing.Deps{
		Store:      a.store,
		Runner:     a.engine,
		Sender:     a.adapter,
		Bus:        a.bus,
		Supervisor: a.sup,
		Logger:     a.log,
	})
	a.router.SetCommands(a.mail.Commands())
	a.router.SetFallback(a.mail.HandleMessage)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.Dispatch(c, a.updates)
	})
	a.sup.Go0("router.menu", a.router.PublishMenu)

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("metrics.collect", func(c context.Context) {
		defer unsub()
		a.metrics.Run(c, events)
	})
	a.startEventLog()

	a.obs.Start(a.sup.Context())
	if err := a.digest.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("report.stats_cron: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// keep only the newest of a burst
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int64("admin_id", a.router.Admin()))
	return nil
}

// startEventLog mirrors bus events into debug logs. Per-delivery events are
// skipped.
func (a *App) startEventLog() {
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
				if e.Type == eventbus.TypeBroadcastDelivery {
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// validateReload rejects hot-reloaded configs the running app cannot apply.
func validateReload(_ context.Context, cfg *config.Config) error {
	if _, _, err := logTarget(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapObservabilityConfig(cfg); err != nil {
		return err
	}
	if rc := mapReportConfig(cfg); rc.Spec != "" {
		if _, err := scheduler.ParseSpec(rc.Spec); err != nil {
			return fmt.Errorf("report.stats_cron: %w", err)
		}
	}
	return nil
}

// applyConfig applies a reloaded config: logging, admin id, broadcast pacing,
// the stats digest and the observability server change live.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(restart, ",")))
	}

	if a.logs != nil {
		to, ok, err := logTarget(next)
		switch {
		case err != nil:
			a.log.Warn("invalid telegram.group_log; keeping previous", logx.Err(err))
		case ok:
			a.logs.SetTelegramTarget(to.ChatID, to.ThreadID)
		default:
			a.logs.SetTelegramTarget(0, 0)
		}
		a.logs.Apply(mapLoggingConfig(next))
	}

	a.router.SetAdmin(next.Telegram.AdminID)

	if bcfg, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.engine.SetConfig(bcfg)
	}

	if err := a.digest.Apply(mapReportConfig(next)); err != nil {
		a.log.Warn("invalid report config; keeping previous", logx.Err(err))
	}

	if ocfg, err := mapObservabilityConfig(next); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.obs.Reconfigure(ctx, ocfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) sendDigest(ctx context.Context) error {
	if a.mail == nil {
		return errors.New("mailing not started")
	}
	return a.mail.SendStats(ctx, kit.ChatTarget{ChatID: a.router.Admin()})
}

func (a *App) health(ctx context.Context) error {
	if a.sup != nil && a.sup.Context().Err() != nil {
		return errors.New("stopping")
	}
	if _, err := a.store.Counts(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.notify(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// a run in flight sees the cancel and sends its final report
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.digest.Stop(c); return nil })
	a.step(ctx, "broadcast", 20*time.Second, func(c context.Context) error { return a.mail.Wait(c) })
	a.step(ctx, "observability", 1*time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	c := a.sup.Counters()
	a.log.Info("stopped", logx.Int64("tasks_left", c.Active), logx.Uint64("tasks_started", c.Started))
	if a.logs != nil {
		return a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
