package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/openmirror/mirrord/internal/config"
	"github.com/openmirror/mirrord/internal/connector"
	"github.com/openmirror/mirrord/internal/connector/replay"
	"github.com/openmirror/mirrord/internal/engine"
	"github.com/openmirror/mirrord/internal/scheduler"
	"github.com/openmirror/mirrord/internal/tokenfile"
)

// app bundles the wired-up system for command implementations.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *engine.SQLiteStore
	eng    *engine.Engine
	pool   *scheduler.Pool
}

// buildApp loads config and wires store, connectors, scheduler, and engine.
// The scheduler pool is created but not started; commands that execute work
// call start().
func buildApp() (*app, error) {
	logger := newLogger()

	cfgPath := flagConfigPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	store, err := engine.NewStore(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	watchCfg := engine.DefaultWatchConfig(cfg.CallbackBaseURL)
	watchCfg.RenewalFraction = cfg.RenewalFraction
	watchCfg.RenewalFloor = cfg.RenewalFloor.Duration
	watchCfg.ReactiveHorizon = cfg.ReactiveHorizon.Duration

	// The pool dispatches into the engine and the engine enqueues onto the
	// pool; the function adapter breaks the construction cycle.
	var eng *engine.Engine

	pool := scheduler.NewPool(scheduler.DispatchFunc(func(ctx context.Context, item scheduler.WorkItem) error {
		return eng.Dispatch(ctx, item)
	}), logger)

	eng = engine.New(engine.Config{
		Store:      store,
		Connectors: registry,
		Tokens:     tokenfile.NewProvider(cfg.TokenDir),
		Auth:       &logAuthRequester{logger: logger},
		Scheduler:  pool,
		Watch:      watchCfg,
		Logger:     logger,
	})

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		eng:    eng,
		pool:   pool,
	}, nil
}

// buildRegistry binds every configured resource to its connector.
func buildRegistry(cfg *config.Config) (*connector.Registry, error) {
	registry := connector.NewRegistry()

	// The replay connector reads feeds from <data dir>/feeds. Real vendor
	// connectors register here as they are added.
	feedDir := filepath.Join(filepath.Dir(cfg.DBPath), "feeds")
	replayConn := replay.New(feedDir)

	for _, res := range cfg.Resources {
		switch res.Connector {
		case replay.Kind:
			registry.Bind(res.ID, replayConn)
		default:
			return nil, fmt.Errorf("resource %s: unknown connector %q", res.ID, res.Connector)
		}
	}

	return registry, nil
}

// start spins up the scheduler workers.
func (a *app) start(ctx context.Context) {
	a.pool.Start(ctx, a.cfg.Workers)
}

// close shuts down workers and the store.
func (a *app) close() {
	a.pool.Stop()

	if err := a.store.Close(); err != nil {
		a.logger.Error("closing state database", slog.String("error", err.Error()))
	}
}

// logAuthRequester surfaces authorization requests in the log. A deployment
// with a user-facing surface replaces this with email or UI prompts.
type logAuthRequester struct {
	logger *slog.Logger
}

func (l *logAuthRequester) RequestAuthorization(_ context.Context, actorID string) error {
	l.logger.Warn("actor authorization required for queued write-backs",
		slog.String("actor_id", actorID),
		slog.String("hint", "run: mirrord authorize "+actorID+" after placing a token file"),
	)

	return nil
}
