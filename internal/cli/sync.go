package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/session"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	ForceReset bool
}

// ResetStuckOptions holds flags for the reset-stuck command.
type ResetStuckOptions struct {
	*RootOptions
	All bool
}

// cycleView renders an engine.CycleReport.
type cycleView struct {
	engine.CycleReport
}

func (v cycleView) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle %s for %s", v.Token, v.TenantID)
	if v.SessionID != "" {
		fmt.Fprintf(&b, " (session %s)", v.SessionID)
	}
	fmt.Fprintf(&b, " took %s\n", v.FinishedAt.Sub(v.StartedAt))

	for _, p := range v.Pulls {
		state := "complete"
		if !p.Completed {
			state = "incomplete"
		}
		fmt.Fprintf(&b, "  pull %-16s pages=%d applied=%d skipped=%d failed=%d seq=%d %s\n",
			p.EntityType, p.Pages, p.Applied, p.Duplicates+p.Stale, p.Failed, p.Sequence, state)
	}

	errs := make([]string, 0, len(v.PullErrors))
	for et := range v.PullErrors {
		errs = append(errs, et)
	}
	sort.Strings(errs)
	for _, et := range errs {
		fmt.Fprintf(&b, "  pull %-16s error: %s\n", et, v.PullErrors[et])
	}

	push := v.Push.Total()
	fmt.Fprintf(&b, "  push: %d pushed, %d failed, %d dead-lettered in %d batch(es)\n",
		push.Pushed, push.Failed, push.DeadLettered, v.Push.Batches)
	if v.Reset > 0 {
		fmt.Fprintf(&b, "  reset %d item(s) stuck in backoff\n", v.Reset)
	}
	if v.Error != "" {
		fmt.Fprintf(&b, "  error: %s\n", v.Error)
	}
	return b.String()
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Long: `Run one sync cycle for a tenant: open a remote session, pull every
configured entity type, push the due outbox items and close the session.

Exit codes:
  0 - Cycle finished (individual items may still have failed)
  1 - Cycle failed or the tenant is blocked by the sync service
  2 - Command error (invalid config, database unavailable, etc.)

Examples:
  tillsync sync --tenant store-001
  tillsync sync --force-reset --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.ForceReset, "force-reset", false, "pull every entity type from the beginning")
	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	env, err := openEnvironment(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	report, cycleErr := env.engine.RunCycle(commandContext(cmd), env.tenant, opts.ForceReset)
	if session.IsRevoked(cycleErr) {
		_ = env.out.Error(ErrCodeTenantBlocked, report.Error, nil)
		return WrapExitError(ExitFailure, "tenant blocked", cycleErr)
	}
	if err := env.out.TenantSuccess(env.tenant, cycleView{report}); err != nil {
		return err
	}
	if cycleErr != nil {
		return WrapExitError(ExitFailure, "sync cycle failed", cycleErr)
	}
	return nil
}

// NewResetStuckCommand creates the reset-stuck command.
func NewResetStuckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetStuckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset-stuck",
		Short: "Make items stuck in backoff due now",
		Long: `Make outbox items due now when their schedule shows clock skew: a next
attempt further away than the maximum retry delay, or a last attempt in the
future. With --all every item in backoff is reset.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			n, err := env.queue.ResetStuckInBackoff(commandContext(cmd), env.tenant, opts.All)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to reset items", err)
			}
			if env.out.Format == "json" {
				return env.out.TenantSuccess(env.tenant, map[string]int{"reset": n})
			}
			return env.out.Success(fmt.Sprintf("Reset %d item(s)", n))
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "reset every item in backoff, not only skewed ones")
	return cmd
}
