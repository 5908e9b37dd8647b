// Package app wires herald together: config, logging, storage, the
// schedule registry, channel providers with failover, and the scheduler,
// dispatch, and deferred services. It owns startup order, config hot
// reload fan-out, and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"herald/internal/config"
	"herald/internal/delivery"
	"herald/internal/eventbus"
	"herald/internal/notify"
	"herald/internal/provider/queue"
	"herald/internal/render"
	"herald/internal/runtime/supervisor"
	"herald/internal/schedule"
	"herald/internal/services/deferred"
	"herald/internal/services/dispatch"
	"herald/internal/services/scheduler"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	auditRetention time.Duration

	registry *schedule.Registry
	renderer *render.Engine
	provreg  *delivery.Registry
	sender   *delivery.Controller
	tracker  *runTracker
	jobs     *jobCreator

	engine *dispatch.Service
	sched  *scheduler.Service
	defsvc *deferred.Service

	amqp *queue.Provider
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
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

	// Storage (optional)
	var store storage.Store
	var auditRetention time.Duration
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		auditRetention = sc.Retention
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	registry := schedule.NewRegistry(store, log.With(logx.String("comp", "schedule")))

	renderer, err := buildRenderer(cfg)
	if err != nil {
		return nil, err
	}

	provreg := delivery.NewRegistry()
	providers, err := buildProviders(cfg, log)
	if err != nil {
		return nil, err
	}
	for ch, ps := range providers {
		provreg.Register(ch, ps...)
	}
	if err := applyRates(provreg, cfg.Rates); err != nil {
		return nil, err
	}

	failover, err := mapFailoverOptions(cfg)
	if err != nil {
		return nil, err
	}
	sender := delivery.NewController(provreg, failover, log.With(logx.String("comp", "delivery")))

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := dispatch.New(dcfg, dispatch.Deps{
		Logger:   log,
		Bus:      bus,
		Store:    store,
		Renderer: renderer,
		Sender:   sender,
	})

	tracker := newRunTracker()
	jobs := newJobCreator(engine, tracker, log.With(logx.String("comp", "jobs")))
	recipients, err := mapRecipients(cfg.Recipients)
	if err != nil {
		return nil, err
	}
	jobs.setRecipients(recipients)

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(scfg, scheduler.Deps{
		Logger:   log,
		Bus:      bus,
		Registry: registry,
		Jobs:     jobs,
		Runs:     tracker,
	})

	dfcfg, err := mapDeferredConfig(cfg)
	if err != nil {
		return nil, err
	}
	defsvc := deferred.New(dfcfg, deferred.Deps{
		Logger: log,
		Bus:    bus,
		Store:  store,
		Engine: engine,
	})

	return &App{
		cfgPath:        cfgPath,
		cfgm:           cfgm,
		auditRetention: auditRetention,
		log:            log,
		logs:           logSvc,
		bus:            bus,
		store:          store,
		registry:       registry,
		renderer:       renderer,
		provreg:        provreg,
		sender:         sender,
		tracker:        tracker,
		jobs:           jobs,
		engine:         engine,
		sched:          sched,
		defsvc:         defsvc,
	}, nil
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

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// The AMQP provider dials on construction, so it is built here where a
	// context with the app's lifetime exists.
	if qc := cfg.Providers.Queue; qc != nil && qc.Enabled {
		p, err := queue.New(a.sup.Context(), queue.Config{
			URL:        qc.URL,
			Exchange:   qc.Exchange,
			RoutingKey: qc.RoutingKey,
		}, a.log.With(logx.String("provider", "queue")))
		if err != nil {
			return fmt.Errorf("providers.queue: %w", err)
		}
		a.amqp = p
		a.provreg.Register(notify.ChannelQueue, p)
	}

	// Durable schedules first, then config-declared ones on top.
	if err := a.registry.Seed(a.sup.Context()); err != nil {
		return err
	}
	if err := seedConfiguredSchedules(a.sup.Context(), a.registry, cfg.Schedules, a.log); err != nil {
		return err
	}

	if cfg.Dispatch.Enabled {
		if err := a.engine.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.store != nil && (cfg.Deferred == nil || cfg.Deferred.Enabled) {
		if err := a.defsvc.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if a.store != nil && a.auditRetention > 0 {
		a.sup.Go("storage.prune", func(c context.Context) error {
			t := time.NewTicker(time.Hour)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return nil
				case <-t.C:
					cutoff := time.Now().Add(-a.auditRetention)
					pruneCtx, cancel := context.WithTimeout(c, 30*time.Second)
					n, err := a.store.PruneDispatchRecords(pruneCtx, cutoff)
					cancel()
					if err != nil {
						a.log.Warn("pruning dispatch records failed", logx.Err(err))
					} else if n > 0 {
						a.log.Debug("pruned dispatch records", logx.Int64("removed", n))
					}
				}
			}
		})
	}

	// Debug-level event mirror; components also subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.startReloadLoop()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("herald started",
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
		logx.Bool("dispatch", cfg.Dispatch.Enabled),
		logx.Int("recipients", len(cfg.Recipients)),
		logx.Int("rules", len(cfg.Rules)))
	return nil
}

// startReloadLoop fans committed config updates out to the live services.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
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
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				a.applyConfig(c, newCfg, sections)
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string) {
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	// Sections that can't re-wire live connections require a restart.
	for _, s := range []string{"storage", "providers"} {
		if changed[s] {
			a.log.Warn("config changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	if changed["logging"] {
		a.logs.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		})
	}

	if changed["failover"] {
		if err := applyRates(a.provreg, cfg.Rates); err != nil {
			a.log.Warn("invalid rates config; keeping previous", logx.Err(err))
		}
		if opt, err := mapFailoverOptions(cfg); err != nil {
			a.log.Warn("invalid failover config; keeping previous", logx.Err(err))
		} else {
			a.sender.SetOptions(opt)
		}
	}

	if changed["recipients"] {
		recipients, err := mapRecipients(cfg.Recipients)
		if err != nil {
			a.log.Warn("invalid recipients config; keeping previous", logx.Err(err))
		} else {
			a.jobs.setRecipients(recipients)
		}
	}

	if changed["templates"] {
		for name, tc := range cfg.Templates {
			err := a.renderer.Register(name, render.Template{Subject: tc.Subject, Text: tc.Text, HTML: tc.HTML})
			if err != nil {
				a.log.Warn("invalid template; keeping previous", logx.String("template", name), logx.Err(err))
			}
		}
	}

	if changed["dispatch"] || changed["rules"] {
		dcfg, err := mapDispatchConfig(cfg)
		if err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			wasRunning := a.engine.Snapshot().Running
			a.engine.Apply(dcfg)
			switch {
			case wasRunning && !dcfg.Enabled:
				a.log.Info("dispatch disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				_ = a.engine.Stop(stopCtx)
				cancel()
			case !wasRunning && dcfg.Enabled:
				a.log.Info("dispatch enabled via config")
				_ = a.engine.Start(ctx)
			}
		}
	}

	if changed["scheduler"] {
		scfg, err := mapSchedulerConfig(cfg)
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			wasRunning := a.sched.Snapshot().Running
			a.sched.Apply(scfg)
			switch {
			case wasRunning && !scfg.Enabled:
				a.log.Info("scheduler disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				_ = a.sched.Stop(stopCtx)
				cancel()
			case !wasRunning && scfg.Enabled:
				a.log.Info("scheduler enabled via config")
				_ = a.sched.Start(ctx)
			}
		}
	}

	if changed["schedules"] {
		if err := seedConfiguredSchedules(ctx, a.registry, cfg.Schedules, a.log); err != nil {
			a.log.Warn("applying configured schedules failed", logx.Err(err))
		}
	}
}

// validateConfig is the hot-reload gate: a config that fails here is
// rejected before commit, so a bad edit can never take down a running
// daemon.
func validateConfig(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeferredConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFailoverOptions(cfg); err != nil {
		return err
	}
	if _, err := mapRecipients(cfg.Recipients); err != nil {
		return err
	}
	if _, err := mapRules(cfg.Rules); err != nil {
		return err
	}
	if _, err := buildRenderer(cfg); err != nil {
		return err
	}
	for chName := range cfg.Rates {
		if !notify.ValidChannel(notify.Channel(chName)) {
			return fmt.Errorf("rates: unknown channel %q", chName)
		}
	}
	for i, sc := range cfg.Schedules {
		if strings.TrimSpace(sc.Name) == "" {
			return fmt.Errorf("schedules[%d]: name required", i)
		}
		if strings.TrimSpace(sc.JobType) == "" {
			return fmt.Errorf("schedule %q: job_type required", sc.Name)
		}
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	// Scheduler first so no new dispatches are created, then the engine
	// (which flushes pending batches), then the poller and connections.
	step("scheduler", 2*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	step("deferred", 2*time.Second, func(c context.Context) error { return a.defsvc.Stop(c) })
	step("dispatch", 5*time.Second, func(c context.Context) error { return a.engine.Stop(c) })
	step("queue", 1*time.Second, func(context.Context) error {
		if a.amqp != nil {
			return a.amqp.Close()
		}
		return nil
	})
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
