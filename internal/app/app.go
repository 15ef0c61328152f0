// Package app wires config, ledger, source, sinks and triggers into one
// process and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"ddlbot/internal/bot"
	"ddlbot/internal/config"
	"ddlbot/internal/httpapi"
	"ddlbot/internal/ledger"
	"ddlbot/internal/observability"
	"ddlbot/internal/pusher"
	rtsup "ddlbot/internal/runtime/supervisor"
	"ddlbot/internal/scheduler"
	"ddlbot/internal/source"
	kit "ddlbot/internal/transport"
	"ddlbot/internal/transport/telegram/adapter"
	logx "ddlbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	logOut io.Writer

	// adapter is nil when telegram.disabled is set.
	adapter *adapter.Adapter
	store   ledger.Store
	sinks   *sinkSet
	pusher  *pusher.Pusher

	sched  *scheduler.Service
	http   *httpapi.Server
	router *bot.Router

	updates chan kit.Update
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start; Close releases what New opened.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	ad, err := newAdapter(cfg)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logs, log := newLogging(cfg, ad, o.logOut)
	cfgm.SetLogger(log)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		logOut:  o.logOut,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(ctx, cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	log := a.logs.Logger()

	lc := ledgerConfig(cfg)
	store, err := ledger.Open(ctx, lc, log)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	a.store = store

	src, err := source.NewUCloud(source.UCloudOptions{
		BaseURL:           cfg.UCloud.BaseURL,
		Username:          cfg.UCloud.Username,
		Password:          cfg.UCloud.Password,
		Timeout:           config.Duration(cfg.UCloud.Timeout, 20*time.Second),
		DetailConcurrency: cfg.UCloud.DetailConcurrency,
		DetailRate:        cfg.UCloud.DetailRate,
		DetailBurst:       cfg.UCloud.DetailBurst,
		Log:               log,
	})
	if err != nil {
		return err
	}

	sinks, err := buildSinks(cfg, a.adapter, store, log)
	if err != nil {
		return err
	}
	a.sinks = sinks

	a.pusher, err = pusher.New(pusher.Options{
		Source:    src,
		Ledger:    store,
		Sinks:     sinks.sinks,
		Parallel:  cfg.Delivery.Parallel,
		Announcer: sinks.announcer,
		Log:       log,
	})
	if err != nil {
		return err
	}

	a.sched = scheduler.New(schedulerConfig(cfg), a.scheduledRun, log)

	if cfg.HTTP.Enabled {
		opts := httpapi.Options{
			Runner:     a.pusher,
			Announcer:  sinks.announcer,
			RunTimeout: config.Duration(cfg.Scheduler.RunTimeout, scheduler.DefaultRunTimeout),
			Log:        log,
		}
		if sinks.ticktick != nil {
			opts.Authorizer = sinks.ticktick
		}
		a.http = httpapi.NewServer(httpConfig(cfg), httpapi.New(opts), log)
	}

	if a.adapter != nil {
		a.router = bot.NewRouter(a.adapter, bot.Options{
			Owners: cfg.Telegram.OwnerUserIDs,
			Log:    log,
		})
		deps := bot.Deps{
			Pusher: a.pusher,
			Count:  store.Count,
			Next:   a.sched.Next,
		}
		if sinks.ticktick != nil {
			deps.Login = sinks.ticktick
		}
		a.router.Register(bot.Commands(deps, a.router)...)
	}

	a.log.Info("components ready",
		logx.String("ledger", lc.Driver),
		logx.Strs("sinks", sinks.names()),
		logx.Bool("http", a.http != nil),
		logx.Bool("bot", a.router != nil),
	)
	return nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:    cfg.Scheduler.Enabled,
		Schedule:   cfg.Scheduler.Schedule,
		Timezone:   cfg.Scheduler.Timezone,
		RunTimeout: config.Duration(cfg.Scheduler.RunTimeout, scheduler.DefaultRunTimeout),
		RunOnStart: cfg.Scheduler.RunOnStart,
	}
}

func httpConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Enabled:      cfg.HTTP.Enabled,
		Addr:         cfg.HTTP.Addr,
		Token:        cfg.HTTP.Token,
		Pprof:        cfg.HTTP.Pprof,
		ReadTimeout:  config.Duration(cfg.HTTP.ReadTimeout, 0),
		WriteTimeout: config.Duration(cfg.HTTP.WriteTimeout, 0),
		IdleTimeout:  config.Duration(cfg.HTTP.IdleTimeout, 0),
	}
}

// scheduledRun is the scheduler job. An overlapping run is not an error.
func (a *App) scheduledRun(ctx context.Context, startup bool) error {
	trigger := pusher.TriggerSchedule
	if startup {
		trigger = pusher.TriggerStartup
	}
	_, err := a.pusher.Run(ctx, trigger)
	if errors.Is(err, pusher.ErrBusy) {
		a.log.Info("scheduled run skipped; another run is in progress")
		return nil
	}
	return err
}

// Pusher exposes the orchestrator for one-shot CLI commands.
func (a *App) Pusher() *pusher.Pusher { return a.pusher }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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

// Start launches the long-running parts: bot polling and dispatch, the
// scheduler, the HTTP API and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithPanicHook(observability.RecordPanic),
	)
	c := a.sup.Context()

	if a.adapter != nil {
		if err := a.adapter.Start(c, a.updates); err != nil {
			return err
		}
		a.sup.Go("bot.dispatch", func(c context.Context) error {
			return a.router.Dispatch(c, a.updates)
		})
		a.sup.Go0("bot.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, a.router.Commands()); err != nil {
				a.log.Warn("set bot commands failed", logx.Err(err))
			}
		})
	}

	if a.http != nil {
		a.http.Start(c)
	}
	if err := a.sched.Start(c); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.Time("next_run", a.sched.Next()))
	return nil
}

// Stop shuts down in bounded steps; one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
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
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.http != nil {
		step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	}
	if a.adapter != nil {
		step("telegram", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	// Dispatch, reload and watch loops, plus any in-flight command run.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	c := a.sup.Counters()
	err := a.Close()
	a.log.Info("stopped", logx.Int64("goroutines_active", c.Active), logx.Uint64("goroutines_started", c.Started))
	return err
}

// Close releases the ledger, sink connections and log outputs. It is what
// one-shot commands call instead of Stop.
func (a *App) Close() error {
	var errs []error
	if a.sinks != nil {
		if err := a.sinks.close(); err != nil {
			errs = append(errs, fmt.Errorf("close sinks: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && !errors.Is(err, ledger.ErrClosed) {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// reloadLoop applies live config sections; everything else is logged as
// needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "logging":
			applyLogging(a.logs, next, a.logOut)
		case "owners":
			if a.router != nil {
				a.router.SetOwners(next.Telegram.OwnerUserIDs)
			}
		case "delivery":
			a.pusher.SetParallel(next.Delivery.Parallel)
		case "scheduler":
			if err := a.sched.Apply(schedulerConfig(next)); err != nil {
				a.log.Warn("scheduler update failed; keeping previous", logx.Err(err))
			}
		}
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strs("sections", restart))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
