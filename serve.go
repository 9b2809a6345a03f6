package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openmirror/mirrord/internal/engine"
	"github.com/openmirror/mirrord/internal/scheduler"
	"github.com/openmirror/mirrord/internal/webhook"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service: webhook endpoint, scheduler, and subscriptions",
		Long: `Start the long-running sync service. Ensures a push-notification
subscription for every configured resource, kicks off an initial incremental
pass per resource, and serves the webhook endpoint that turns vendor
notifications into incremental syncs.

Resources whose subscription cannot be created still sync; they just degrade
to polling via explicit "mirrord sync" runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.start(ctx)

	// Resume passes interrupted by the last shutdown before enqueueing new
	// work for them.
	if err := a.eng.Recover(ctx); err != nil {
		return err
	}

	bootstrapResources(ctx, a)

	srv := webhook.New(a.cfg.Listen, a.eng.Watches, a.logger)

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")

	return srv.Shutdown(context.Background())
}

// bootstrapResources ensures subscriptions and enqueues an initial
// incremental pass for every configured resource. Runs per-resource work
// concurrently; failures are logged, never fatal — a resource without a
// push channel still syncs by polling.
func bootstrapResources(ctx context.Context, a *app) {
	g, ctx := errgroup.WithContext(ctx)

	for _, res := range a.cfg.Resources {
		g.Go(func() error {
			if err := a.eng.Watches.EnsureSubscription(ctx, res.ID); err != nil {
				if errors.Is(err, engine.ErrSubscriptionCreate) {
					a.logger.Warn("continuing without push notifications",
						slog.String("resource_id", res.ID),
						slog.String("error", err.Error()),
					)
				} else {
					a.logger.Error("subscription setup failed",
						slog.String("resource_id", res.ID),
						slog.String("error", err.Error()),
					)
				}
			}

			item := scheduler.WorkItem{
				Kind:       scheduler.KindStartSync,
				ResourceID: res.ID,
				Mode:       string(engine.ModeIncremental),
			}

			if err := a.pool.Enqueue(ctx, item); err != nil {
				a.logger.Error("failed to enqueue initial sync",
					slog.String("resource_id", res.ID),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}

	_ = g.Wait()
}
