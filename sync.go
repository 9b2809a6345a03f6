package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmirror/mirrord/internal/engine"
)

// lockPollInterval paces the wait for a one-shot pass to finish.
const lockPollInterval = 50 * time.Millisecond

func newSyncCmd() *cobra.Command {
	var (
		flagFull  bool
		flagSince string
	)

	cmd := &cobra.Command{
		Use:   "sync <resource>",
		Short: "Run a one-shot sync pass for a resource",
		Long: `Run a single sync pass and wait for it to complete.

By default the pass is incremental, resuming from the last saved token (or a
bounded lookback window on the first run). --full forces a windowed full
pass; --since bounds its start (RFC 3339).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), args[0], flagFull, flagSince)
		},
	}

	cmd.Flags().BoolVar(&flagFull, "full", false, "force a full windowed pass")
	cmd.Flags().StringVar(&flagSince, "since", "", "window start for --full (RFC 3339)")

	return cmd
}

func runSync(ctx context.Context, resourceID string, full bool, since string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.ResourceByID(resourceID) == nil {
		return fmt.Errorf("resource %s is not configured", resourceID)
	}

	mode := engine.ModeIncremental
	if full {
		mode = engine.ModeFull
	}

	var opts engine.StartOpts

	if since != "" {
		opts.Since, err = time.Parse(time.RFC3339, since)
		if err != nil {
			return fmt.Errorf("invalid --since value %q: %w", since, err)
		}
	}

	a.start(ctx)

	if err := a.eng.Orchestrator.Start(ctx, resourceID, mode, opts); err != nil {
		if errors.Is(err, engine.ErrAlreadySyncing) {
			return fmt.Errorf("a sync pass is already running for %s", resourceID)
		}

		return err
	}

	return waitForPass(ctx, a, resourceID)
}

// waitForPass blocks until the resource's sync lock is released, i.e. the
// pass hit its terminal batch.
func waitForPass(ctx context.Context, a *app, resourceID string) error {
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			locked, err := a.store.Locked(ctx, resourceID)
			if err != nil {
				return err
			}

			if !locked {
				return nil
			}
		}
	}
}
