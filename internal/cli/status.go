package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
)

// statusView renders engine.Status for terminals.
type statusView struct {
	engine.Status
}

func (v statusView) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tenant: %s (%s)\n", v.TenantID, v.State)
	fmt.Fprintf(&b, "Queue: %d pending (%d due), %d synced, %d dead-lettered\n",
		v.Queue.Pending, v.Queue.Due, v.Queue.Synced, v.Queue.DeadLettered)
	if v.Queue.OldestPendingAge > 0 {
		fmt.Fprintf(&b, "Oldest pending: %s\n", v.Queue.OldestPendingAge)
	}

	parts := make([]string, 0, len(v.Queue.Partitions))
	for p := range v.Queue.Partitions {
		parts = append(parts, p)
	}
	sort.Strings(parts)
	for _, p := range parts {
		fmt.Fprintf(&b, "  %-20s %d\n", p, v.Queue.Partitions[p])
	}

	if len(v.Cursors) > 0 {
		b.WriteString("Pull cursors:\n")
		for _, c := range v.Cursors {
			state := "complete"
			if c.Interrupted() {
				state = "interrupted"
			}
			fmt.Fprintf(&b, "  %-20s seq=%d pages=%d records=%d %s\n",
				c.EntityType, c.Sequence, c.PagesFetched, c.RecordsPulled, state)
		}
	}
	for _, g := range v.Gaps {
		fmt.Fprintf(&b, "  gap %-16s applied=%d seen=%d\n", g.EntityType, g.LastAppliedSequence, g.LastSeenSequence)
	}
	if v.DeadLetters.Total > 0 {
		fmt.Fprintf(&b, "Dead letters: %d (run 'tillsync dlq stats')\n", v.DeadLetters.Total)
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, pull progress and dead letters",
		Long: `Show the sync status of one tenant: queue depth by partition, the age
of the oldest pending item, pull cursors, unconverged sequence gaps and
the dead-letter count.

Examples:
  tillsync status --tenant store-001
  tillsync status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	env, err := openEnvironment(opts, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	st, err := env.engine.Status(commandContext(cmd), env.tenant)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read status", err)
	}
	return env.out.TenantSuccess(env.tenant, statusView{st})
}
