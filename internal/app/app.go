// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"autosend/internal/aimsg"
	"autosend/internal/bot"
	"autosend/internal/config"
	"autosend/internal/engine"
	"autosend/internal/eventbus"
	"autosend/internal/executor"
	"autosend/internal/repo"
	"autosend/internal/sender"
	"autosend/internal/storage"
	kit "autosend/internal/transport"
	telegram "autosend/internal/transport/telegram"
	logx "autosend/pkg/logx"
)

const (
	defaultPruneSpec     = "17 3 * * *"
	defaultReconcileSpec = "*/30 * * * *"
	defaultLogRetention  = 720 * time.Hour
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	bus     eventbus.Bus
	store   storage.Store
	exec    *executor.Service
	adapter kit.Adapter
	send    *sender.Service
	gen     *aimsg.Client
	chain   *engine.Chain
	repo    *repo.Repository
	disp    *bot.Dispatcher
	cron    *cron.Cron

	updates chan kit.Message

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
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

	logs, rootLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	comp := func(name string) logx.Logger {
		return rootLog.With(logx.String("comp", name))
	}
	log := comp("app")
	cfgm.SetLogger(comp("config"))

	loc := cfg.Location()

	store, err := openStore(cfg, comp("storage"))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, comp("telegram"))
	if err != nil {
		return nil, err
	}

	exec, err := buildExecutor(cfg, comp("executor"))
	if err != nil {
		return nil, err
	}
	sendSvc, err := buildSender(cfg, adapter, comp("sender"))
	if err != nil {
		return nil, err
	}

	var gen *aimsg.Client
	if o := cfg.OpenAI; o != nil && o.Enabled {
		gen, err = buildGenerator(o, comp("aimsg"))
		if err != nil {
			return nil, err
		}
	}

	tolerance, err := config.ParseDurationOrDefault("engine.tolerance", cfg.Engine.Tolerance, engine.DefaultTolerance)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	var content engine.ContentSource
	if gen != nil {
		content = gen
	}
	chain := engine.New(store, exec, sendSvc, content, bus, comp("engine"), engine.Config{
		Tolerance: tolerance,
		Location:  loc,
	})
	repoSvc := repo.New(store, chain, comp("repo"), loc)
	disp := bot.New(repoSvc, store, exec, adapter, comp("bot"), loc, cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     bus,
		store:   store,
		exec:    exec,
		adapter: adapter,
		send:    sendSvc,
		gen:     gen,
		chain:   chain,
		repo:    repoSvc,
		disp:    disp,
		updates: make(chan kit.Message, 256),
	}, nil
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	scfg := storage.Config{Driver: "sqlite", Path: "./autosend.db"}
	if s := cfg.Storage; s != nil {
		if s.Driver != "" {
			scfg.Driver = s.Driver
		}
		if s.Path != "" {
			scfg.Path = s.Path
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		if err != nil {
			return nil, err
		}
		scfg.BusyTimeout = busy
	}
	return storage.Open(scfg, log)
}

func buildExecutor(cfg *config.Config, log logx.Logger) (*executor.Service, error) {
	ecfg := executor.Config{}
	if e := cfg.Executor; e != nil {
		timeout, err := config.ParseDurationField("executor.default_timeout", e.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		ecfg = executor.Config{
			Workers:        e.Workers,
			QueueSize:      e.QueueSize,
			DefaultTimeout: timeout,
			HistorySize:    e.HistorySize,
		}
	}
	return executor.New(ecfg, log), nil
}

func buildSender(cfg *config.Config, adapter kit.Adapter, log logx.Logger) (*sender.Service, error) {
	scfg := sender.Config{}
	if s := cfg.Sender; s != nil {
		base, err := config.ParseDurationField("sender.retry_base", s.RetryBase)
		if err != nil {
			return nil, err
		}
		maxDelay, err := config.ParseDurationField("sender.retry_max_delay", s.RetryMaxDelay)
		if err != nil {
			return nil, err
		}
		callTimeout, err := config.ParseDurationField("sender.call_timeout", s.CallTimeout)
		if err != nil {
			return nil, err
		}
		scfg = sender.Config{
			RatePerSec:    s.RatePerSec,
			RetryMax:      s.RetryMax,
			RetryBase:     base,
			RetryMaxDelay: maxDelay,
			CallTimeout:   callTimeout,
		}
	}
	return sender.New(scfg, adapter, log), nil
}

func buildGenerator(o *config.OpenAIConfig, log logx.Logger) (*aimsg.Client, error) {
	timeout, err := config.ParseDurationField("openai.timeout", o.Timeout)
	if err != nil {
		return nil, err
	}
	return aimsg.New(aimsg.Config{
		APIKey:    o.APIKey,
		Model:     o.Model,
		BaseURL:   o.BaseURL,
		MaxLength: o.MaxLength,
		Timeout:   timeout,
		RetryMax:  o.RetryMax,
	}, log), nil
}

// Start brings everything online: executor, transport, chain recovery, the
// command dispatcher, maintenance cron, and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	a.exec.Start(runCtx)

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		a.cancel = nil
		return err
	}

	// Rebuild every chain before commands can mutate state, the same
	// recovery that runs after a host reboot.
	if _, err := a.repo.RescheduleAll(runCtx); err != nil {
		a.log.Error("startup reschedule failed", logx.Err(err))
	}

	a.goRun(func() { _ = a.disp.Run(runCtx, a.updates) })
	a.startMaintenance(runCtx)
	a.goRun(func() { a.reloadLoop(runCtx) })
	a.goRun(func() { _ = a.cfgm.Watch(runCtx) })
	a.goRun(func() { a.eventLogLoop(runCtx) })

	a.log.Info("app started")
	return nil
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *App) startMaintenance(ctx context.Context) {
	cfg := a.cfgm.Get()
	mc := cfg.Maintenance
	if mc == nil || !mc.Enabled {
		return
	}

	pruneSpec := mc.PruneSpec
	if pruneSpec == "" {
		pruneSpec = defaultPruneSpec
	}
	reconcileSpec := mc.ReconcileSpec
	if reconcileSpec == "" {
		reconcileSpec = defaultReconcileSpec
	}
	retention, err := config.ParseDurationOrDefault("maintenance.log_retention", mc.LogRetention, defaultLogRetention)
	if err != nil {
		retention = defaultLogRetention
	}

	c := cron.New(cron.WithLocation(a.cfgm.Get().Location()))
	_, err = c.AddFunc(pruneSpec, func() {
		pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		n, err := a.store.PruneSendLog(pctx, time.Now().Add(-retention))
		if err != nil {
			a.log.Warn("send log prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Info("send log pruned", logx.Int64("removed", n))
		}
	})
	if err != nil {
		a.log.Warn("invalid maintenance.prune_spec", logx.Err(err))
	}
	_, err = c.AddFunc(reconcileSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		// Re-arm anything that lost its job (executor queue drop, epilogue
		// store error). Replace-existing makes this idempotent.
		if _, err := a.repo.RescheduleAll(rctx); err != nil {
			a.log.Warn("chain reconcile failed", logx.Err(err))
		}
	})
	if err != nil {
		a.log.Warn("invalid maintenance.reconcile_spec", logx.Err(err))
	}
	c.Start()
	a.cron = c
	a.log.Info("maintenance started",
		logx.String("prune", pruneSpec),
		logx.String("reconcile", reconcileSpec),
		logx.Duration("retention", retention))
}

// reloadLoop applies committed config changes to running services.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
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
			sections := config.ChangedSections(lastApplied, newCfg)
			lastApplied = newCfg

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
			a.disp.SetOwners(newCfg.Telegram.OwnerUserIDs)

			if len(sections) > 0 {
				a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

// eventLogLoop surfaces firing outcomes to the log at an appropriate level.
func (a *App) eventLogLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	log := a.logs.Logger().With(logx.String("comp", "firings"))
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fe, ok := e.Data.(eventbus.FiringEvent)
			if !ok {
				continue
			}
			fields := []logx.Field{
				logx.Int64("schedule_id", fe.ScheduleID),
				logx.String("outcome", fe.Outcome),
				logx.String("detail", fe.Detail),
			}
			switch e.Type {
			case eventbus.TypeFailed:
				log.Warn("firing failed", fields...)
			case eventbus.TypeSkipped:
				log.Info("firing skipped", fields...)
			case eventbus.TypeFired:
				log.Info("firing delivered", fields...)
			}
		}
	}
}

// Stop shuts everything down in reverse order of Start.
func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	a.log.Info("stopping")

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
		a.cron = nil
	}

	_ = a.adapter.Stop(ctx)
	cancel()
	a.exec.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("background loops did not stop in time")
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
