package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/scmmirror/internal/checkout"
	"github.com/openmined/scmmirror/internal/config"
	"github.com/openmined/scmmirror/internal/mirror"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Bring the workspace in line with the remote repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			sink := checkout.NewChannelSink(16)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				printProgress(cmd.ErrOrStderr(), sink)
			}()
			defer wg.Wait()
			defer sink.Close()

			runner, err := newRunner(cfg, sink)
			if err != nil {
				return err
			}
			defer runner.Close()

			watch, _ := cmd.Flags().GetBool("watch")
			if !watch {
				return runOnce(cmd, runner)
			}
			return watchLoop(cmd.Context(), cmd, runner, cfg.PollInterval)
		},
	}
	cmd.Flags().String("changelog", "", "write the change log of the pass to this file (.xml, .json, .yaml)")
	cmd.Flags().String("mtime-source", "", "timestamp compared for unchanged revisions (checkpoint|local)")
	cmd.Flags().Int("workers", 0, "concurrent downloads")
	cmd.Flags().Bool("watch", false, "keep polling and sync whenever the remote changes")
	return cmd
}

func newRunner(cfg *config.Config, sink checkout.ProgressSink) (*mirror.Runner, error) {
	opts, err := cfg.MirrorOptions(sink)
	if err != nil {
		return nil, err
	}
	return mirror.NewRunner(opts)
}

func runOnce(cmd *cobra.Command, runner *mirror.Runner) error {
	report, err := runner.Run(cmd.Context())
	if report != nil {
		printReport(cmd.OutOrStdout(), report)
	}
	return err
}

// watchLoop runs a pass, then polls every interval and runs again when the remote changed.
// A failed pass is reported and retried on the next tick.
func watchLoop(ctx context.Context, cmd *cobra.Command, runner *mirror.Runner, interval time.Duration) error {
	if err := runOnce(cmd, runner); err != nil && ctx.Err() == nil {
		slog.Error("sync", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		changed, err := runner.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("poll", "error", err)
			continue
		}
		if !changed {
			continue
		}
		if err := runOnce(cmd, runner); err != nil && ctx.Err() == nil {
			slog.Error("sync", "error", err)
		}
	}
}
