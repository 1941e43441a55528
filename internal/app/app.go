// Package app wires configuration, storage, the monitoring pipeline and the
// HTTP surface into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"limitwatch/internal/command"
	"limitwatch/internal/config"
	"limitwatch/internal/dispatch"
	"limitwatch/internal/eventbus"
	"limitwatch/internal/feishu"
	"limitwatch/internal/monitor"
	"limitwatch/internal/notifier"
	"limitwatch/internal/scheduler"
	"limitwatch/internal/server"
	"limitwatch/internal/storage"
	"limitwatch/internal/supervisor"
	"limitwatch/internal/taskengine"
	logx "limitwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	detector *monitor.Detector
	notif    *notifier.Service
	engine   *taskengine.Service
	sched    *scheduler.Service

	runner *command.MonitorRunner
	disp   *dispatch.Dispatcher
	srv    *server.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if storeCfg.Driver != "" {
		log.Info("storage enabled", logx.String("driver", storeCfg.Driver))
	}

	detector := monitor.NewDetector(store, log.With(logx.String("comp", "monitor")))

	webhookTimeout, err := config.ParseDurationOrDefault("feishu.timeout", cfg.Feishu.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	webhook := feishu.NewClient(cfg.Feishu.WebhookURL, webhookTimeout)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, webhook, log.With(logx.String("comp", "notifier")), bus)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := taskengine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	accounts, usage, err := buildFetchers(cfg, log)
	if err != nil {
		return nil, err
	}

	runner := command.NewMonitorRunner(accounts, usage, detector, notif, cardOptions(cfg), log)

	disp := dispatch.New(feishu.VerifyConfig{
		VerificationToken: cfg.Feishu.VerificationToken,
		EncryptKey:        cfg.Feishu.EncryptKey,
	}, runner, engine, log)

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	srv := server.New(srvCfg, disp, runner, log)

	sched := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Spec:     cfg.Scheduler.Spec,
		Timezone: cfg.Scheduler.Timezone,
	}, engine, runner, log)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logs,
		bus:      bus,
		store:    store,
		detector: detector,
		notif:    notif,
		engine:   engine,
		sched:    sched,
		runner:   runner,
		disp:     disp,
		srv:      srv,
	}, nil
}

// Runner exposes the command runner for the one-shot CLI path.
func (a *App) Runner() command.Runner { return a.runner }

// RunOnce executes a single command synchronously, draining the notifier
// before returning so queued cards actually leave the process.
func (a *App) RunOnce(ctx context.Context, cmd command.Command, force bool) (command.Result, error) {
	if a.notif.Enabled() {
		a.notif.Start(ctx)
	}
	res := a.runner.Run(ctx, cmd, force)

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a.notif.Stop(drainCtx)
	cancel()
	_ = a.store.Close()
	_ = a.logs.Close()
	return res, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := a.sched.ValidateSpec(cfg.Scheduler.Spec); err != nil {
			return fmt.Errorf("scheduler.spec: %w", err)
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: %w", err)
			}
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.engine.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("http.server", func(c context.Context) error {
		return a.srv.Start(c)
	})

	// debug visibility into task/notification lifecycle
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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// reloadLoop applies published config updates to the live services.
// Server, storage, API and task engine settings require a restart; the loop
// says so instead of half-applying them.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
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
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			for _, s := range sections {
				switch s {
				case "server", "storage", "api", "task_engine":
					a.log.Warn("config section changed; restart required to take effect", logx.String("section", s))
				}
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			a.disp.SetVerifyConfig(feishu.VerifyConfig{
				VerificationToken: newCfg.Feishu.VerificationToken,
				EncryptKey:        newCfg.Feishu.EncryptKey,
			})

			if ncfg, err := mapNotifierConfig(newCfg); err != nil {
				a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
			} else {
				prevEnabled := a.notif.Enabled()
				a.notif.Apply(ncfg)
				if prevEnabled && !ncfg.Enabled {
					a.log.Info("notifier disabled via config")
					stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					a.notif.Stop(stopCtx)
					cancel()
				} else if !prevEnabled && ncfg.Enabled {
					a.log.Info("notifier enabled via config")
					a.notif.Start(ctx)
				}
			}

			if err := a.sched.Apply(scheduler.Config{
				Enabled:  newCfg.Scheduler.Enabled,
				Spec:     newCfg.Scheduler.Spec,
				Timezone: newCfg.Scheduler.Timezone,
			}); err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	start := time.Now()
	a.log.Info("shutdown requested")

	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		fn(stepCtx)
		a.log.Debug("shutdown step done", logx.String("step", name))
	}

	step("scheduler", 2*time.Second, func(c context.Context) { a.sched.Stop(c) })
	step("taskengine", 5*time.Second, func(c context.Context) { a.engine.Stop(c) })
	step("notifier", 5*time.Second, func(c context.Context) { a.notif.Stop(c) })

	// cancels the http server and watcher goroutines
	a.sup.Cancel()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := a.sup.Wait(waitCtx)
	cancel()

	step("storage", 1*time.Second, func(c context.Context) { _ = a.store.Close() })

	a.log.Info("shutdown complete", logx.Duration("took", time.Since(start)))
	_ = a.logs.Close()
	return err
}
