// Package outbox implements the transactional outbox: tenant-scoped queueing
// of outbound changes, failure accounting, the dead-letter partition, and a
// backpressure-aware dispatcher.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/retry"
	"github.com/roach88/tillsync/internal/store"
)

// Request is a change to enqueue.
type Request struct {
	EntityType     string          `json:"entity_type" validate:"required,max=64"`
	EntityID       string          `json:"entity_id" validate:"required,max=128"`
	Operation      ir.Operation    `json:"operation" validate:"required,oneof=create update delete"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
	Priority       int             `json:"priority" validate:"gte=-1000,lte=1000"`
	Direction      ir.Direction    `json:"direction" validate:"omitempty,oneof=push pull_tracking"`
	MaxAttempts    int             `json:"max_attempts" validate:"gte=0,lte=100"`
	IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=200"`
}

// Queue is the outbox service.
type Queue struct {
	store         *store.Store
	policy        retry.Policy
	validate      *validator.Validate
	schemas       *SchemaRegistry
	maxPending    int
	maxAttempts   int
	summaryFields []string
	logger        *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithPolicy sets the retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(q *Queue) {
		q.policy = p
	}
}

// WithMaxPending bounds each tenant's pending depth. 0 means unbounded.
func WithMaxPending(n int) Option {
	return func(q *Queue) {
		q.maxPending = n
	}
}

// WithMaxAttempts sets the max attempts of requests that leave it unset.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithSchemas enables payload validation against per entity type schemas.
func WithSchemas(r *SchemaRegistry) Option {
	return func(q *Queue) {
		q.schemas = r
	}
}

// WithSummaryFields sets the payload fields exposed in dead-letter summaries.
func WithSummaryFields(fields ...string) Option {
	return func(q *Queue) {
		if len(fields) > 0 {
			q.summaryFields = fields
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// DefaultSummaryFields are the payload fields safe to show operators.
var DefaultSummaryFields = []string{"id", "sku", "status", "type", "version"}

// New creates a Queue over st.
func New(st *store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:         st,
		policy:        retry.DefaultPolicy(),
		validate:      validator.New(),
		summaryFields: DefaultSummaryFields,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Policy returns the retry policy in effect.
func (q *Queue) Policy() retry.Policy {
	return q.policy
}

// Enqueue inserts a new pending item. A request carrying an idempotency key
// behaves like EnqueueIdempotent.
func (q *Queue) Enqueue(ctx context.Context, tenantID string, req Request) (ir.QueueItem, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return ir.QueueItem{}, fmt.Errorf("enqueue: %w", err)
	}
	it, _, err := q.enqueue(ctx, sc, req)
	return it, err
}

// EnqueueIdempotent inserts the item under key, or returns the item already
// stored under it with inserted=false, synced or not. An empty key is derived
// from the tenant, entity, operation and payload, so the same content is
// queued at most once for the life of the outbox row.
func (q *Queue) EnqueueIdempotent(ctx context.Context, tenantID string, req Request, key string) (ir.QueueItem, bool, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return ir.QueueItem{}, false, fmt.Errorf("enqueue: %w", err)
	}
	if err := q.withKey(tenantID, &req, key); err != nil {
		return ir.QueueItem{}, false, err
	}
	return q.enqueue(ctx, sc, req)
}

// EnqueueTx enqueues inside the caller's business transaction, so a failed
// enqueue aborts the business write. Every call inserts a new pending item
// unless req carries an idempotency key; content-derived keys would collapse
// a later write that repeats an earlier state (open, closed, open).
func (q *Queue) EnqueueTx(ctx context.Context, tx *store.Tx, tenantID string, req Request) (ir.QueueItem, bool, error) {
	sc, err := tx.Tenant(tenantID)
	if err != nil {
		return ir.QueueItem{}, false, fmt.Errorf("enqueue: %w", err)
	}
	return q.enqueue(ctx, sc, req)
}

func (q *Queue) withKey(tenantID string, req *Request, key string) error {
	if key == "" {
		derived, err := ir.DeriveIdempotencyKey(tenantID, req.EntityType, req.EntityID, req.Operation, req.Payload)
		if err != nil {
			return retry.Wrap(ir.CategoryStructural, fmt.Errorf("enqueue: derive idempotency key: %w", err))
		}
		key = derived
	}
	req.IdempotencyKey = key
	return nil
}

func (q *Queue) enqueue(ctx context.Context, sc *store.Scope, req Request) (ir.QueueItem, bool, error) {
	if err := q.check(req); err != nil {
		return ir.QueueItem{}, false, err
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = q.maxAttempts
	}

	item := ir.QueueItem{
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Operation:      req.Operation,
		Payload:        req.Payload,
		Priority:       req.Priority,
		Direction:      req.Direction,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
	}
	stored, inserted, err := sc.Enqueue(ctx, item, q.maxPending)
	if err != nil {
		if errors.Is(err, store.ErrQueueFull) {
			q.logger.Warn("outbox full",
				"tenant", sc.TenantID(),
				"entity_type", req.EntityType,
				"max_pending", q.maxPending)
		}
		return ir.QueueItem{}, false, err
	}

	if inserted {
		q.logger.Debug("enqueued",
			"tenant", sc.TenantID(),
			"id", stored.ID,
			"entity_type", stored.EntityType,
			"operation", stored.Operation,
			"priority", stored.Priority)
	}
	return stored, inserted, nil
}

// check validates the request shape and, when a schema is registered for
// the entity type, the payload of a push item. Tracking payloads are
// bookkeeping and never match the entity schema.
func (q *Queue) check(req Request) error {
	if err := q.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !json.Valid(req.Payload) {
		return retry.Wrap(ir.CategoryStructural, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest))
	}
	if req.Direction == ir.DirectionPullTracking {
		return nil
	}
	return q.schemas.Validate(req.EntityType, req.Payload)
}

// DispatchBatch returns up to limit due push items in dispatch order.
func (q *Queue) DispatchBatch(ctx context.Context, tenantID string, limit int) ([]ir.QueueItem, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return nil, fmt.Errorf("dispatch batch: %w", err)
	}
	return sc.Eligible(ctx, ir.DirectionPush, limit)
}

// PendingTracking returns the unresolved pull bookkeeping items of an entity type.
func (q *Queue) PendingTracking(ctx context.Context, tenantID, entityType string) ([]ir.QueueItem, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return nil, fmt.Errorf("pending tracking: %w", err)
	}
	return sc.Pending(ctx, ir.DirectionPullTracking, entityType)
}

// MarkSynced records a successful delivery.
func (q *Queue) MarkSynced(ctx context.Context, tenantID string, id int64, diag ir.Diagnostics) (bool, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}
	diag.ResponseSnippet = retry.Truncate(diag.ResponseSnippet, retry.MaxSnippetLength)
	return sc.MarkSynced(ctx, id, diag)
}

// Outcome is the result of recording a failed attempt.
type Outcome struct {
	Item     ir.QueueItem
	Category ir.ErrorCategory
	Decision retry.Decision
}

// IncrementAttempt records a failed delivery: the failure is classified, the
// attempt counter incremented, the sanitized error stored, and the retry
// policy applied. The item is rescheduled, dead-lettered or dropped in the
// same transaction.
func (q *Queue) IncrementAttempt(ctx context.Context, tenantID string, id int64, cause error, diag ir.Diagnostics) (Outcome, error) {
	category := retry.Classify(cause, diag.StatusCode)
	diag.ResponseSnippet = retry.Truncate(diag.ResponseSnippet, retry.MaxSnippetLength)

	var out Outcome
	err := q.store.WithTx(ctx, func(tx *store.Tx) error {
		sc, err := tx.Tenant(tenantID)
		if err != nil {
			return err
		}

		item, err := sc.RecordAttempt(ctx, id, store.Attempt{
			Error:       retry.Sanitize(cause),
			Category:    category,
			Diagnostics: diag,
		})
		if err != nil {
			return err
		}

		now := q.store.Now()
		decision := q.policy.Decide(item, now)
		switch decision.Action {
		case retry.ActionRetry:
			item.NextAttemptAt = now.Add(decision.Delay)
			if err := sc.ScheduleAttempt(ctx, id, item.NextAttemptAt); err != nil {
				return err
			}
		case retry.ActionDeadLetter:
			if _, err := sc.DeadLetter(ctx, id, decision.Reason, category, ""); err != nil {
				return err
			}
			item.DeadLettered = true
			item.DeadLetterReason = decision.Reason
		case retry.ActionDrop:
			if _, err := sc.Delete(ctx, id); err != nil {
				return err
			}
		}

		out = Outcome{Item: item, Category: category, Decision: decision}
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("increment attempt: %w", err)
	}

	q.logger.Info("attempt failed",
		"tenant", tenantID,
		"id", id,
		"entity_type", out.Item.EntityType,
		"attempts", out.Item.Attempts,
		"category", out.Category,
		"action", out.Decision.Action.String(),
		"delay", out.Decision.Delay,
		"reason", out.Decision.Reason)
	return out, nil
}

// PartitionDepths returns the tenant's pending counts by entity type.
func (q *Queue) PartitionDepths(ctx context.Context, tenantID string) (map[string]int, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return nil, fmt.Errorf("partition depths: %w", err)
	}
	return sc.PartitionDepths(ctx)
}

// ResetStuckInBackoff makes items due now when their schedule shows clock
// skew: a next attempt beyond the policy's maximum delay, or a last attempt
// recorded in the future. With all set every backing-off item is reset.
func (q *Queue) ResetStuckInBackoff(ctx context.Context, tenantID string, all bool) (int, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return 0, fmt.Errorf("reset stuck: %w", err)
	}
	n, err := sc.ResetBackoff(ctx, q.policy.MaxDelay, all)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("reset stuck items", "tenant", tenantID, "count", n, "all", all)
	}
	return n, nil
}

// Depth is the observability summary of a tenant's queue.
type Depth struct {
	Pending          int            `json:"pending"`
	Due              int            `json:"due"`
	Synced           int            `json:"synced"`
	DeadLettered     int            `json:"dead_lettered"`
	OldestPendingAge time.Duration  `json:"oldest_pending_age"`
	Partitions       map[string]int `json:"partitions"`
}

// Depth reports queue depth, oldest pending age and partition depths.
func (q *Queue) Depth(ctx context.Context, tenantID string) (Depth, error) {
	sc, err := q.store.Tenant(tenantID)
	if err != nil {
		return Depth{}, fmt.Errorf("depth: %w", err)
	}
	st, err := sc.Stats(ctx)
	if err != nil {
		return Depth{}, err
	}
	parts, err := sc.PartitionDepths(ctx)
	if err != nil {
		return Depth{}, err
	}

	d := Depth{
		Pending:      st.Pending,
		Due:          st.Due,
		Synced:       st.Synced,
		DeadLettered: st.DeadLettered,
		Partitions:   parts,
	}
	if st.OldestPending != nil {
		d.OldestPendingAge = q.store.Now().Sub(*st.OldestPending)
	}
	return d, nil
}
