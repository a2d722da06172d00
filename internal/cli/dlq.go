package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/outbox"
)

// DLQListOptions holds flags for dlq list.
type DLQListOptions struct {
	*RootOptions
	Limit  int
	Offset int
}

// DLQPurgeOptions holds flags for dlq purge.
type DLQPurgeOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// deadLetterList renders a page of dead-letter summaries.
type deadLetterList struct {
	Items  []ir.DeadLetterSummary `json:"items"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

func (l deadLetterList) Text() string {
	if len(l.Items) == 0 {
		return "No dead letters.\n"
	}
	var b strings.Builder
	for _, it := range l.Items {
		fmt.Fprintf(&b, "#%d %s/%s %s reason=%s attempts=%d",
			it.ID, it.EntityType, it.EntityID, it.Operation, it.Reason, it.Attempts)
		if it.StatusCode != 0 {
			fmt.Fprintf(&b, " status=%d", it.StatusCode)
		}
		fmt.Fprintf(&b, " at=%s\n", it.DeadLetteredAt.Format(time.RFC3339))
		if it.Error != "" {
			fmt.Fprintf(&b, "    %s\n", it.Error)
		}
	}
	return b.String()
}

// deadLetterStats renders ir.DeadLetterStats.
type deadLetterStats struct {
	ir.DeadLetterStats
}

func (s deadLetterStats) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dead letters: %d\n", s.Total)
	writeCounts(&b, "By reason", s.ByReason)
	writeCounts(&b, "By entity type", s.ByEntityType)
	writeCounts(&b, "By category", s.ByCategory)
	if s.Oldest != nil {
		fmt.Fprintf(&b, "Oldest: %s\n", s.Oldest.Format(time.RFC3339))
	}
	return b.String()
}

func writeCounts(b *strings.Builder, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(b, "  %-24s %d\n", k, counts[k])
	}
}

// NewDLQCommand creates the dlq command group.
func NewDLQCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage dead-lettered items",
		Long: `Inspect and manage the dead-letter partition of one tenant.

Items land here after a permanent or structural failure, after exhausting
their attempt budget, or after exceeding the maximum item age. Payloads are
shown with allow-listed fields only.`,
	}

	cmd.AddCommand(newDLQListCommand(rootOpts))
	cmd.AddCommand(newDLQStatsCommand(rootOpts))
	cmd.AddCommand(newDLQRestoreCommand(rootOpts))
	cmd.AddCommand(newDLQPurgeCommand(rootOpts))
	return cmd
}

func newDLQListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DLQListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered items, newest first",
		Example: `  tillsync dlq list --limit 20
  tillsync dlq list --offset 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			items, err := env.queue.ListDeadLetters(commandContext(cmd), env.tenant, opts.Limit, opts.Offset)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list dead letters", err)
			}
			return env.out.TenantSuccess(env.tenant, deadLetterList{
				Items:  items,
				Limit:  outbox.ClampLimit(opts.Limit),
				Offset: max(opts.Offset, 0),
			})
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, fmt.Sprintf("page size (%d-%d)", outbox.MinListLimit, outbox.MaxListLimit))
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "items to skip")
	return cmd
}

func newDLQStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Summarize dead letters by reason, entity type and category",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			stats, err := env.queue.DeadLetterStats(commandContext(cmd), env.tenant)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read dead letter stats", err)
			}
			return env.out.TenantSuccess(env.tenant, deadLetterStats{stats})
		},
	}
}

func newDLQRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>...",
		Short: "Return dead-lettered items to the queue",
		Long: `Return dead-lettered items to the queue with a fresh attempt budget.

Exit codes:
  0 - All items restored
  1 - At least one id was not a dead letter of this tenant
  2 - Command error`,
		Example:       `  tillsync dlq restore 42 43`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil || id <= 0 {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid item id %q", a))
				}
				ids = append(ids, id)
			}

			env, err := openEnvironment(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := commandContext(cmd)
			result := struct {
				Restored []int64 `json:"restored"`
				Missing  []int64 `json:"missing,omitempty"`
			}{Restored: []int64{}}
			for _, id := range ids {
				ok, err := env.queue.Restore(ctx, env.tenant, id)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to restore", err)
				}
				if ok {
					result.Restored = append(result.Restored, id)
				} else {
					result.Missing = append(result.Missing, id)
				}
			}

			if env.out.Format == "json" {
				if err := env.out.TenantSuccess(env.tenant, result); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(env.out.Writer, "Restored %d item(s)\n", len(result.Restored))
			}
			if len(result.Missing) > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("not dead-lettered: %v", result.Missing))
			}
			return nil
		},
	}
}

func newDLQPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DLQPurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters older than a retention period",
		Long: `Delete dead letters quarantined longer than --older-than.
Without the flag the configured dlq.retention is used.`,
		Example:       `  tillsync dlq purge --older-than 168h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			olderThan := opts.OlderThan
			if !cmd.Flags().Changed("older-than") {
				olderThan = env.cfg.DLQ.Retention.Std()
			}
			if olderThan < 0 {
				return NewExitError(ExitCommandError, "--older-than must not be negative")
			}

			n, err := env.queue.PurgeDeadLetters(commandContext(cmd), env.tenant, olderThan)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to purge dead letters", err)
			}
			if env.out.Format == "json" {
				return env.out.TenantSuccess(env.tenant, map[string]any{"purged": n, "older_than": olderThan.String()})
			}
			return env.out.Success(fmt.Sprintf("Purged %d dead letter(s) older than %s", n, olderThan))
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "minimum quarantine age (default: dlq.retention)")
	return cmd
}
