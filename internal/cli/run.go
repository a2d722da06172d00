package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Interval    time.Duration
	SkipOnStart bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run sync cycles on a schedule until interrupted",
		Long: `Run sync cycles for every configured tenant (or only --tenant when
given) on a fixed interval until SIGINT or SIGTERM.

A cycle that is still running when the next tick arrives is not
overlapped. Failed cycles are logged and retried on the next tick.

Examples:
  tillsync run --config ./tillsync.yaml
  tillsync run --tenant store-001 --interval 1m --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between rounds (default: config interval)")
	cmd.Flags().BoolVar(&opts.SkipOnStart, "skip-on-start", false, "wait one interval before the first round")

	return cmd
}

func runScheduler(opts *RunOptions, cmd *cobra.Command) error {
	env, err := openEnvironment(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer env.Close()
	logger := env.logger

	tenants := env.cfg.Tenants
	if opts.Tenant != "" {
		tenants = []string{opts.Tenant}
	}
	interval := env.cfg.Interval.Std()
	if opts.Interval > 0 {
		interval = opts.Interval
	}

	sched := engine.NewScheduler(env.engine, tenants,
		engine.WithInterval(interval),
		engine.WithRunOnStart(!opts.SkipOnStart),
	)

	// Use command's context if available (for testing), otherwise create one
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	logger.Info("sync scheduler starting", "db", env.cfg.Database, "tenants", tenants, "interval", interval)
	fmt.Fprintf(env.out.GetErrWriter(), "Syncing %d tenant(s) every %s. Press Ctrl-C to stop.\n", len(tenants), interval)

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "scheduler error", err)
	}

	logger.Info("sync scheduler stopped gracefully")
	return nil
}
