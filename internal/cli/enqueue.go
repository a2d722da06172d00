package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/outbox"
	"github.com/roach88/tillsync/internal/retry"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	EntityType     string
	EntityID       string
	Operation      string
	Payload        string
	Priority       int
	MaxAttempts    int
	IdempotencyKey string
}

// EnqueueResult is the output of the enqueue command.
type EnqueueResult struct {
	ID             int64  `json:"id"`
	Inserted       bool   `json:"inserted"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (r EnqueueResult) Text() string {
	if r.Inserted {
		return fmt.Sprintf("Enqueued item #%d\n", r.ID)
	}
	return fmt.Sprintf("Already queued as item #%d\n", r.ID)
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a local change for push",
		Long: `Queue a local change for push to the sync service.

Each call queues a new item. With --key the change is keyed idempotently:
repeating the command with the same key returns the item already stored
under it instead of creating a second one. Payloads registered with a JSON Schema in the config
are validated before they are stored. Use @path to read the payload from a
file.

Examples:
  tillsync enqueue --entity-type sale --entity-id s-1 --op create --payload '{"id":"s-1","total":1250}'
  tillsync enqueue --entity-type product --entity-id p-9 --op update --payload @product.json --priority 5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "entity type (required)")
	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "entity id (required)")
	cmd.Flags().StringVar(&opts.Operation, "op", string(ir.OperationCreate), "operation (create|update|delete)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "JSON payload or @file (required)")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "dispatch priority, higher first")
	cmd.Flags().IntVar(&opts.MaxAttempts, "max-attempts", 0, "attempt budget (default: retry.max_attempts)")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "key", "", "idempotency key (default: none, always insert)")
	_ = cmd.MarkFlagRequired("entity-type")
	_ = cmd.MarkFlagRequired("entity-id")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command) error {
	payload, err := readPayload(opts.Payload)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --payload", err)
	}

	env, err := openEnvironment(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	req := outbox.Request{
		EntityType:  opts.EntityType,
		EntityID:    opts.EntityID,
		Operation:   ir.Operation(opts.Operation),
		Payload:     payload,
		Priority:    opts.Priority,
		Direction:   ir.DirectionPush,
		MaxAttempts: opts.MaxAttempts,
	}
	var (
		item     ir.QueueItem
		inserted = true
	)
	if opts.IdempotencyKey != "" {
		item, inserted, err = env.queue.EnqueueIdempotent(commandContext(cmd), env.tenant, req, opts.IdempotencyKey)
	} else {
		item, err = env.queue.Enqueue(commandContext(cmd), env.tenant, req)
	}
	switch {
	case err == nil:
	case errors.Is(err, outbox.ErrQueueFull):
		return WrapExitError(ExitFailure, "outbox full", err)
	case errors.Is(err, outbox.ErrInvalidRequest), isStructural(err):
		return WrapExitError(ExitCommandError, "invalid change", err)
	default:
		return WrapExitError(ExitCommandError, "failed to enqueue", err)
	}

	return env.out.TenantSuccess(env.tenant, EnqueueResult{
		ID:             item.ID,
		Inserted:       inserted,
		IdempotencyKey: item.IdempotencyKey,
	})
}

func isStructural(err error) bool {
	cat, ok := retry.CategoryOf(err)
	return ok && cat == ir.CategoryStructural
}

// readPayload returns the flag value, or the file contents for @path.
func readPayload(v string) (json.RawMessage, error) {
	data := []byte(v)
	if path, ok := strings.CutPrefix(v, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}
