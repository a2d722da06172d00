package retry

import (
	"math/rand/v2"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// Action is what to do with an item after a failed attempt.
type Action int

const (
	ActionRetry Action = iota + 1
	ActionDeadLetter
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	case ActionDrop:
		return "drop"
	}
	return "unknown"
}

// Decision is the tagged outcome of Policy.Decide.
// Delay and Refresh are meaningful only for ActionRetry, Reason only for
// ActionDeadLetter and ActionDrop.
type Decision struct {
	Action  Action
	Delay   time.Duration
	Refresh bool
	Reason  string
}

// Retry returns a retry decision.
func Retry(delay time.Duration, refresh bool) Decision {
	return Decision{Action: ActionRetry, Delay: delay, Refresh: refresh}
}

// DeadLetter returns a quarantine decision.
func DeadLetter(reason string) Decision {
	return Decision{Action: ActionDeadLetter, Reason: reason}
}

// Drop returns a discard decision.
func Drop(reason string) Decision {
	return Decision{Action: ActionDrop, Reason: reason}
}

// Policy holds the tunables of the retry schedule.
type Policy struct {
	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps every computed delay, jitter included.
	MaxDelay time.Duration
	// ConflictDelay is the fixed delay before retrying a CONFLICT.
	ConflictDelay time.Duration
	// Jitter is the maximum extra fraction added to a delay, in [0, 1).
	Jitter float64
	// MaxItemAge expires items older than this. Zero disables expiry.
	MaxItemAge time.Duration
	// Rand returns a value in [0, 1). Nil disables jitter.
	Rand func() float64
}

// DefaultPolicy returns the production retry schedule.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:     2 * time.Second,
		MaxDelay:      time.Hour,
		ConflictDelay: time.Second,
		Jitter:        0.2,
		MaxItemAge:    30 * 24 * time.Hour,
		Rand:          rand.Float64,
	}
}

// NextAttemptDelay computes the wait before attempt number attempt+1.
//
// For every category except CONFLICT the base delay doubles per attempt up to
// MaxDelay. Jitter adds at most Jitter*delay; because Jitter < 1 the jittered
// delay of attempt n stays below the unjittered delay of attempt n+1, so the
// schedule is monotonically non-decreasing.
func (p Policy) NextAttemptDelay(attempt int, category ir.ErrorCategory) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if category == ir.CategoryConflict {
		d := p.ConflictDelay
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
		return d
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if (p.MaxDelay > 0 && d >= p.MaxDelay) || d > 1<<61 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Rand != nil && p.Jitter > 0 {
		jitter := p.Jitter
		if jitter >= 1 {
			jitter = 0.99
		}
		d += time.Duration(float64(d) * jitter * p.Rand())
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// ShouldDeadLetter reports whether item must leave normal dispatch.
//
// An item is eligible when its last error category is PERMANENT or
// STRUCTURAL at any attempt count, when an UNKNOWN failure has used up
// MaxAttempts, or when attempts reach twice MaxAttempts regardless of
// category.
func (p Policy) ShouldDeadLetter(item ir.QueueItem) bool {
	return deadLetterReason(item) != ""
}

func deadLetterReason(item ir.QueueItem) string {
	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = ir.DefaultMaxAttempts
	}

	switch item.ErrorCategory {
	case ir.CategoryPermanent:
		return ir.ReasonPermanentError
	case ir.CategoryStructural:
		return ir.ReasonStructuralError
	}
	if item.Attempts >= 2*maxAttempts {
		return ir.ReasonMaxAttempts
	}
	if item.ErrorCategory == ir.CategoryUnknown && item.Attempts >= maxAttempts {
		return ir.ReasonRetryExhausted
	}
	return ""
}

// Decide maps an item whose attempt count and error category already reflect
// the latest failure to its next step.
func (p Policy) Decide(item ir.QueueItem, now time.Time) Decision {
	if reason := deadLetterReason(item); reason != "" {
		return DeadLetter(reason)
	}

	if p.MaxItemAge > 0 && item.Age(now) > p.MaxItemAge {
		// Pull bookkeeping is rebuilt by the next pull, so it can be discarded.
		if item.Direction == ir.DirectionPullTracking {
			return Drop(ir.ReasonExpired)
		}
		return DeadLetter(ir.ReasonExpired)
	}

	return Retry(p.NextAttemptDelay(item.Attempts, item.ErrorCategory), item.ErrorCategory == ir.CategoryConflict)
}
