package cmd

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/agents"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/council"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/db"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/event"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/jobs"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/logging"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/model"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/tools"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/trace"
)

// newRegistry builds the model provider registry. Tests replace it with a
// scripted provider.
var newRegistry = model.NewRegistryFromConfig

// app holds everything a command needs. Commands open one per run and
// close it on exit.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	gdb     *gorm.DB
	bus     *event.Bus
	store   *store.Store
	engine  *jobs.Engine
	trace   *trace.Store
	agents  *agents.Static
	council *council.Orchestrator

	detachTrace func()
}

// loadApp reads the configuration from viper and opens the app.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return openApp(ctx, cfg)
}

func openApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	logger, err := logging.NewLogger(logging.Options{
		File:  cfg.Logging.File,
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		},
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, bus: event.NewBus()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	dsn := cfg.Database.DSN
	if cfg.Database.Driver == "" || cfg.Database.Driver == "sqlite" {
		dsn = cfg.Database.SQLiteDSN()
	}
	if a.gdb, err = db.Open(cfg.Database.Driver, dsn); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if a.store, err = store.New(a.gdb); err != nil {
		return nil, fmt.Errorf("failed to migrate conversation store: %w", err)
	}
	jobStore, err := jobs.NewGormStore(a.gdb)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate job store: %w", err)
	}

	a.engine = jobs.NewEngine(jobStore, cfg.Jobs,
		jobs.WithBus(a.bus),
		jobs.WithLogger(logger.With("component", "jobs")),
	)
	tools.Register(a.engine, cfg, tools.Deps{
		Docs:   a.store,
		Report: cfg.Council.Report,
		Logger: logger.With("component", "tools"),
	})

	if a.agents, err = agents.Load(cfg.Agents); err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}

	reg, err := newRegistry(ctx, cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("failed to configure model providers: %w", err)
	}
	invokerOpts := []model.InvokerOption{model.WithInvokerLogger(logger.With("component", "model"))}
	if cfg.Trace.Enabled {
		a.trace = trace.Open(cfg.Trace, logger)
		a.detachTrace = a.trace.Attach(a.bus)
		invokerOpts = append(invokerOpts, model.WithRecorder(a.trace))
	}

	councilOpts := []council.Option{
		council.WithJobs(a.engine),
		council.WithContextAssembler(council.KBAssembler{Search: a.store}),
		council.WithBus(a.bus),
		council.WithLogger(logger.With("component", "council")),
	}
	if cfg.Search.Endpoint != "" {
		councilOpts = append(councilOpts, council.WithWebSearch(tools.NewSearxClient(cfg.Search, nil)))
	}
	a.council = council.New(cfg, a.agents, model.NewInvoker(reg, invokerOpts...), a.store, councilOpts...)
	return a, nil
}

// Close stops the engine and releases files and connections. It is safe on
// a partially opened app.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.detachTrace != nil {
		a.detachTrace()
	}
	if a.trace != nil {
		if err := a.trace.Close(); err != nil {
			a.logger.Warn("failed to close traces", "error", err)
		}
	}
	if a.gdb != nil {
		if err := db.Close(a.gdb); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
	_ = a.logger.Close()
}
