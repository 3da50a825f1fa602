// Package app wires the retryq binary: config, logging, storage, the queue
// registry, schedules and the HTTP API. It also applies live config reloads.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"retryq/internal/config"
	"retryq/internal/httpapi"
	"retryq/internal/processor"
	"retryq/internal/registry"
	rtsup "retryq/internal/runtime/supervisor"
	"retryq/internal/schedule"
	"retryq/internal/storage"
	logx "retryq/pkg/logx"
)

type (
	Registry = registry.Registry[processor.Payload]
	Schedule = schedule.Service[processor.Payload]
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	storeCfg storage.Config
	strict   bool

	reg   *Registry
	sched *Schedule
	http  *httpapi.Service
}

// New loads the config file at cfgPath and builds every component. Nothing
// runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	base, overrides, err := mapQueues(cfg)
	if err != nil {
		return fail(err)
	}
	pc, err := mapProcessor(cfg)
	if err != nil {
		return fail(err)
	}
	proc, err := processor.New(pc, log.With(logx.String("comp", "processor")))
	if err != nil {
		return fail(err)
	}

	reg := registry.New(registry.Options[processor.Payload]{
		Base:      base,
		Overrides: overrides,
		Store:     store,
		Prefix:    queueKeyPrefix(sc),
		Processor: proc,
		Strict:    cfg.StrictQueues,
		Log:       log,
	})
	// configured queues exist (and restore their backlog) before the first
	// submission names them
	for name := range overrides {
		if _, err := reg.Get(name); err != nil {
			return fail(err)
		}
	}

	scfg, entries := mapSchedules(cfg)
	sched := schedule.New[processor.Payload](scfg, reg, log)
	if err := sched.Replace(entries); err != nil {
		return fail(err)
	}

	hc, err := mapHTTP(cfg)
	if err != nil {
		return fail(err)
	}
	httpSvc := httpapi.New(hc, reg, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		storeCfg: sc,
		strict:   cfg.StrictQueues,
		reg:      reg,
		sched:    sched,
		http:     httpSvc,
	}, nil
}

func (a *App) Registry() *Registry      { return a.reg }
func (a *App) Schedules() *Schedule     { return a.sched }
func (a *App) HTTP() *httpapi.Service   { return a.http }
func (a *App) Config() *config.Config   { return a.cfgm.Get() }
func (a *App) Manager() *config.Manager { return a.cfgm }

// Done is closed when the app context is canceled (fatal error or Stop).
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	a.reg.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	a.http.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	a.notifySystemd(daemon.SdNotifyReady)
	return nil
}

// Stop shuts components down in dependency order: intake first (HTTP,
// schedules), then the queues, then storage. ctx bounds the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifySystemd(daemon.SdNotifyStopping)
	a.sup.Cancel()

	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "schedules", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// queues get the longest budget: in-flight tasks finish or go back to pending
	a.step(ctx, "queues", 10*time.Second, a.reg.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and by ctx's deadline. A step
// that ignores its context is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
	}
}
