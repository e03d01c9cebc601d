package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"eventcorrelator/internal/api"
	"eventcorrelator/internal/config"
	"eventcorrelator/internal/engine"
	"eventcorrelator/internal/history"
	"eventcorrelator/internal/hook"
	"eventcorrelator/internal/ingest"
	"eventcorrelator/internal/logging"
	"eventcorrelator/internal/metrics"
	"eventcorrelator/internal/model"
	"eventcorrelator/internal/registry"
	"eventcorrelator/internal/script"
	"eventcorrelator/internal/storage"
)

func serveCmd() *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the correlation engine",
		Long: `Run the engine with every ingest source and the admin API enabled in
the config. The config file is watched and rules are reloaded on change.
On SIGINT or SIGTERM open windows are evaluated before exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := config.NewManager(config.ResolvePath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg := mgr.Get()
			logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, mgr, logger)
			if err != nil {
				return err
			}
			a.run(ctx)
			<-ctx.Done()
			logger.Info("shutting down", "open_windows", a.engine.OpenWindows())

			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.close(drainCtx)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for open windows to be evaluated on exit")
	return cmd
}

// app holds the wired components of one serve run.
type app struct {
	mgr     *config.Manager
	logger  *slog.Logger
	static  *registry.Static
	store   storage.Store
	cache   *registry.Cache
	engine  *engine.Engine
	metrics *metrics.Store
	history *history.Store
	events  chan model.Event
	servers []*http.Server
}

func newApp(ctx context.Context, mgr *config.Manager, logger *slog.Logger) (*app, error) {
	cfg := mgr.Get()
	a := &app{
		mgr:     mgr,
		logger:  logger,
		metrics: metrics.NewStore(0),
		history: history.NewStore(cfg.History.StoreLimit),
		events:  make(chan model.Event, cfg.Ingest.ChannelBuffer),
	}

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init storage: %w", err)
		}
		a.store = store
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	var src registry.Source
	if cfg.Registry.Source == config.RegistryStorageSource {
		src = a.store
	} else {
		a.static = registry.NewStatic(cfg.Rules, cfg.Scripts)
		src = a.static
	}
	a.cache = registry.NewCache(src, logger, registry.WithPrepare(func(r model.Rule) model.Rule {
		return mgr.Get().Correlation.ApplyRuleDefaults(r)
	}))
	if _, err := a.cache.Refresh(ctx); err != nil {
		a.closeStore()
		return nil, fmt.Errorf("load rules: %w", err)
	}

	evaluator, err := script.NewEvaluator(a.cache, logger, script.Options{
		Timeout:   cfg.Script.Timeout,
		CostLimit: cfg.Script.CostLimit,
	})
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("script evaluator: %w", err)
	}
	dispatcher := hook.NewDispatcher(nil, logger, hookOptions(cfg.Hook))
	if cfg.Hook.Disabled {
		logger.Warn("hook posting disabled")
	}

	// durable sink first so a record visible in memory is already persisted
	sink := history.Tee{}
	if a.store != nil {
		sink = append(sink, a.store)
	}
	sink = append(sink, a.history)
	a.engine = engine.NewEngine(a.cache, evaluator, dispatcher, sink, a.metrics, logger, engine.Options{
		DedupeWindow: cfg.Correlation.DedupeWindow,
	})
	return a, nil
}

func hookOptions(c config.HookConfig) hook.Options {
	return hook.Options{
		Timeout:     c.Timeout,
		BackoffBase: c.BackoffBase,
		BackoffMax:  c.BackoffMax,
		Disabled:    c.Disabled,
		RateLimit:   c.RateLimit,
		RateBurst:   c.RateBurst,
	}
}

// run starts the engine loop, ingest sources, admin API, registry refresh
// and config watch. Everything stops when ctx is done.
func (a *app) run(ctx context.Context) {
	cfg := a.mgr.Get()
	a.engine.Start(ctx, a.events)

	if srv := ingest.StartREST(ctx, a.mgr, a.engine, a.logger); srv != nil {
		a.servers = append(a.servers, srv)
	}
	ingest.StartTCPStream(ctx, a.mgr, a.events, a.metrics, a.logger)
	ingest.StartFileTail(ctx, a.mgr, a.events, a.metrics, a.logger)
	ingest.StartKafka(ctx, a.mgr, a.events, a.metrics, a.logger)

	deps := api.Deps{
		Config:   a.mgr,
		Engine:   a.engine,
		Registry: a.cache,
		Metrics:  a.metrics,
		History:  a.history,
		Logger:   a.logger,
		Version:  version,
	}
	if a.store != nil {
		deps.Storage = a.store
	}
	if srv := api.Start(ctx, deps); srv != nil {
		a.servers = append(a.servers, srv)
	}

	go a.cache.Run(ctx, cfg.Correlation.RefreshInterval)
	if a.mgr.Path() != "" {
		go func() {
			if err := a.mgr.Watch(ctx, a.logger, func(next *config.Config) { a.reload(ctx, next) }); err != nil {
				a.logger.Error("config watch stopped", "error", err)
			}
		}()
	}
	a.logger.Info("correlator started", "version", version, "rules", len(a.cache.Rules()), "registry", cfg.Registry.Source)
}

// reload applies a changed config file. Listen addresses, storage and
// registry source need a restart; rules, dwell defaults and dedupe apply
// immediately.
func (a *app) reload(ctx context.Context, next *config.Config) {
	if a.static != nil {
		a.static.Replace(next.Rules, next.Scripts)
	}
	if _, err := a.cache.Refresh(ctx); err != nil {
		a.logger.Error("rule refresh after reload failed", "error", err)
	}
	a.engine.UpdateOptions(engine.Options{DedupeWindow: next.Correlation.DedupeWindow})
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain windows: %w", err))
	}
	for _, srv := range a.servers {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	a.closeStore()
	a.logger.Info("correlator stopped", "executions", a.history.Len())
	return errors.Join(errs...)
}

func (a *app) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("storage close failed", "error", err)
	}
}
