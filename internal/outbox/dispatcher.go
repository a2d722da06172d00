package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/retry"
)

// Pusher delivers one item to the remote service.
type Pusher interface {
	Push(ctx context.Context, req remote.PushRequest) (remote.PushResult, error)
}

// Refresher reloads the state an item conflicted with before it is retried.
type Refresher interface {
	Refresh(ctx context.Context, item ir.QueueItem) error
}

// Backpressure bounds how much of a batch one partition may take.
type Backpressure struct {
	// PartitionShare is the fraction of a batch one entity type may fill
	// while other entity types are waiting.
	PartitionShare float64
	// HighWatermark is the pending depth above which a partition is
	// throttled: it never takes more than its share.
	HighWatermark int
}

// DefaultBackpressure returns the default partition limits.
func DefaultBackpressure() Backpressure {
	return Backpressure{PartitionShare: 0.5, HighWatermark: 500}
}

// Dispatcher drains a tenant's outbox through a Pusher.
type Dispatcher struct {
	queue      *Queue
	batchSize  int
	maxBatches int
	bp         Backpressure
	refresher  Refresher
	logger     *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBatchSize sets how many items one batch dispatches.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithMaxBatches bounds the batches of one Drain call.
func WithMaxBatches(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxBatches = n
		}
	}
}

// WithBackpressure sets partition limits.
func WithBackpressure(bp Backpressure) DispatcherOption {
	return func(d *Dispatcher) {
		d.bp = bp
	}
}

// WithRefresher installs the conflict refresher.
func WithRefresher(r Refresher) DispatcherOption {
	return func(d *Dispatcher) {
		d.refresher = r
	}
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher creates a dispatcher over q.
func NewDispatcher(q *Queue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:      q,
		batchSize:  50,
		maxBatches: 20,
		bp:         DefaultBackpressure(),
		logger:     q.logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DrainResult summarizes one Drain call.
type DrainResult struct {
	Batches    int                              `json:"batches"`
	Partitions map[string]remote.OperationStats `json:"partitions"`
	Throttled  []string                         `json:"throttled,omitempty"`
}

// Total sums the partition stats.
func (r DrainResult) Total() remote.OperationStats {
	var total remote.OperationStats
	for _, s := range r.Partitions {
		total = total.Add(s)
	}
	return total
}

// Drain dispatches due items until the queue has nothing due, every due item
// has been attempted once, or the batch bound is reached.
//
// Delivery failures are classified and recorded on the item; they are not
// returned. Only storage faults and context cancellation end Drain with an
// error.
func (d *Dispatcher) Drain(ctx context.Context, tenantID string, pusher Pusher) (DrainResult, error) {
	res := DrainResult{Partitions: make(map[string]remote.OperationStats)}

	depths, err := d.queue.PartitionDepths(ctx, tenantID)
	if err != nil {
		return res, fmt.Errorf("drain: %w", err)
	}
	throttled := make(map[string]bool)
	if d.bp.HighWatermark > 0 {
		for et, n := range depths {
			if n > d.bp.HighWatermark {
				throttled[et] = true
				res.Throttled = append(res.Throttled, et)
			}
		}
		sort.Strings(res.Throttled)
		if len(res.Throttled) > 0 {
			d.logger.Warn("partitions throttled",
				"tenant", tenantID,
				"partitions", res.Throttled,
				"high_watermark", d.bp.HighWatermark)
		}
	}

	attempted := make(map[int64]bool)
	for res.Batches < d.maxBatches {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		// Over-fetch so waiting partitions can fill the slots a capped
		// partition leaves.
		window, err := d.queue.DispatchBatch(ctx, tenantID, d.batchSize*4)
		if err != nil {
			return res, fmt.Errorf("drain: %w", err)
		}
		fresh := window[:0]
		for _, it := range window {
			if !attempted[it.ID] {
				fresh = append(fresh, it)
			}
		}
		if len(fresh) == 0 {
			break
		}

		batch := selectBatch(fresh, d.batchSize, d.bp.PartitionShare, throttled)
		res.Batches++
		for _, it := range batch {
			attempted[it.ID] = true
			stats, err := d.dispatchOne(ctx, tenantID, pusher, it)
			res.Partitions[it.EntityType] = res.Partitions[it.EntityType].Add(stats)
			if err != nil {
				return res, err
			}
		}
	}

	total := res.Total()
	d.logger.Info("outbox drained",
		"tenant", tenantID,
		"batches", res.Batches,
		"pushed", total.Pushed,
		"failed", total.Failed,
		"dead_lettered", total.DeadLettered)
	return res, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, tenantID string, pusher Pusher, it ir.QueueItem) (remote.OperationStats, error) {
	var stats remote.OperationStats

	result, pushErr := pusher.Push(ctx, remote.PushRequestFor(it))
	if pushErr == nil {
		if _, err := d.queue.MarkSynced(ctx, tenantID, it.ID, result.Diagnostics); err != nil {
			return stats, fmt.Errorf("drain: %w", err)
		}
		stats.Pushed++
		return stats, nil
	}

	// Cancellation is not a delivery failure of the item.
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}

	outcome, err := d.queue.IncrementAttempt(ctx, tenantID, it.ID, pushErr, remote.DiagnosticsOf(pushErr))
	if err != nil {
		return stats, fmt.Errorf("drain: %w", err)
	}
	stats.Failed++
	if outcome.Decision.Action == retry.ActionDeadLetter {
		stats.DeadLettered++
	}

	// Only an item that will be retried needs the conflicting state reloaded.
	if d.refresher != nil && outcome.Decision.Action == retry.ActionRetry && outcome.Decision.Refresh {
		if err := d.refresher.Refresh(ctx, outcome.Item); err != nil {
			d.logger.Warn("conflict refresh failed",
				"tenant", tenantID,
				"id", it.ID,
				"error", retry.Sanitize(err))
		}
	}
	return stats, nil
}

// selectBatch picks up to size items from window, preserving dispatch order.
// Each partition first gets at most its share; remaining slots go to skipped
// items of partitions that are not throttled.
func selectBatch(window []ir.QueueItem, size int, share float64, throttled map[string]bool) []ir.QueueItem {
	if share <= 0 || share >= 1 {
		if len(window) > size {
			return window[:size]
		}
		return window
	}

	limit := max(1, int(share*float64(size)))
	counts := make(map[string]int)
	batch := make([]ir.QueueItem, 0, size)
	var skipped []ir.QueueItem

	for _, it := range window {
		if len(batch) == size {
			break
		}
		if counts[it.EntityType] < limit {
			counts[it.EntityType]++
			batch = append(batch, it)
			continue
		}
		skipped = append(skipped, it)
	}

	for _, it := range skipped {
		if len(batch) == size {
			break
		}
		if throttled[it.EntityType] {
			continue
		}
		batch = append(batch, it)
	}

	// Refill keeps dispatch order stable for the pusher.
	sort.SliceStable(batch, func(i, j int) bool {
		return dispatchLess(batch[i], batch[j])
	})
	return batch
}

func dispatchLess(a, b ir.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
