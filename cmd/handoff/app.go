package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/rendis/handoff/internal/auth"
	"github.com/rendis/handoff/internal/engine"
	"github.com/rendis/handoff/internal/maintenance"
	"github.com/rendis/handoff/internal/router"
	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/internal/tools"
	"github.com/rendis/handoff/internal/validation"
	"github.com/rendis/handoff/internal/workflow"
	handoffmcp "github.com/rendis/handoff/pkg/mcp"
)

// app is the wired server: every long-lived component and its shutdown order.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    store.Store
	registry *tools.Registry
	router   *router.Router
	server   *handoffmcp.HandoffServer
	purge    *maintenance.Scheduler
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if err := cfg.ensureDataDir(); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		DSN:         cfg.Store.DSN,
		RedisPrefix: cfg.Store.RedisPrefix,
		Policy:      auth.Policy{AllowAnonymous: cfg.Store.AllowAnonymous},
	})
}

func buildRegistry(cfg Config) (*tools.Registry, *validation.JSONSchemaValidator, error) {
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, nil, fmt.Errorf("init validator: %w", err)
	}
	classifier, err := tools.NewClassifier(cfg.Tools.RetryWhen)
	if err != nil {
		return nil, nil, fmt.Errorf("tools.retry_when: %w", err)
	}
	reg := tools.NewRegistry(validator, classifier)
	reg.UseBreakers(tools.NewBreakers(cfg.Tools.Breaker))
	if err := tools.RegisterBuiltins(reg, tools.HTTPConfig{
		DefaultTimeout:  cfg.Tools.HTTPTimeout,
		MaxResponseBody: cfg.Tools.HTTPMaxBody,
	}); err != nil {
		return nil, nil, fmt.Errorf("register builtins: %w", err)
	}
	for _, ct := range cfg.Tools.CallerTools {
		if err := reg.RegisterCaller(ct.Name, tools.Descriptor{Description: ct.Description}); err != nil {
			return nil, nil, fmt.Errorf("caller tool %q: %w", ct.Name, err)
		}
	}
	return reg, validator, nil
}

func loadWorkflows(cfg Config, reg *tools.Registry, validator *validation.JSONSchemaValidator, logger *slog.Logger) (*workflow.Catalog, error) {
	loader := workflow.NewLoader(validator, reg)
	wfs, err := loader.LoadDir(cfg.WorkflowsDir)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("workflows directory not found, serving no prompts", slog.String("dir", cfg.WorkflowsDir))
		return workflow.NewCatalog()
	}
	if err != nil {
		return nil, err
	}
	for _, wf := range wfs {
		logger.Info("workflow loaded",
			slog.String("workflow", wf.Name),
			slog.Int("steps", len(wf.Steps)),
			slog.Bool("task_support", wf.TaskSupport))
	}
	return workflow.NewCatalog(wfs...)
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	reg, validator, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	a.registry = reg

	catalog, err := loadWorkflows(cfg, reg, validator, logger)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st

	a.router, err = router.New(router.Deps{
		Store:     st,
		Engine:    engine.New(engine.Options{Logger: logger}),
		Workflows: catalog,
		Logger:    logger,
		Workers:   cfg.Continuation.Workers,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	handoffmcp.Version = version
	a.server, err = handoffmcp.NewHandoffServer(handoffmcp.HandoffServerDeps{
		Router:   a.router,
		Registry: reg,
		Logger:   logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.purge, err = maintenance.New(st, cfg.Maintenance, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// start launches the background components.
func (a *app) start(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return err
	}
	return a.purge.Start(ctx)
}

// close stops background work, drains continuations and closes the store.
func (a *app) close() {
	if a.server != nil {
		a.server.Stop()
	}
	if a.purge != nil {
		a.purge.Stop()
	}
	if a.router != nil {
		a.router.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", slog.String("error", err.Error()))
		}
	}
}
