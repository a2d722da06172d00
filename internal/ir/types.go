package ir

import (
	"encoding/json"
	"strings"
	"time"
)

// Operation is the kind of change a queue item carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Direction says whether an item is an outbound change or pull bookkeeping.
type Direction string

const (
	DirectionPush         Direction = "push"
	DirectionPullTracking Direction = "pull_tracking"
)

// ErrorCategory is the deterministic classification of a failed attempt.
type ErrorCategory string

const (
	CategoryNone       ErrorCategory = ""
	CategoryTransient  ErrorCategory = "TRANSIENT"
	CategoryPermanent  ErrorCategory = "PERMANENT"
	CategoryStructural ErrorCategory = "STRUCTURAL"
	CategoryConflict   ErrorCategory = "CONFLICT"
	CategoryUnknown    ErrorCategory = "UNKNOWN"
)

// Quarantined reports whether failures of this category are dead-letter
// candidates on the first attempt.
func (c ErrorCategory) Quarantined() bool {
	return c == CategoryPermanent || c == CategoryStructural
}

// DefaultMaxAttempts is used when an item is enqueued without MaxAttempts.
const DefaultMaxAttempts = 5

// Diagnostics are the transport details recorded with an attempt.
type Diagnostics struct {
	Endpoint        string `json:"endpoint,omitempty"`
	StatusCode      int    `json:"status_code,omitempty"`
	ResponseSnippet string `json:"response_snippet,omitempty"`
}

// QueueItem is one pending or historical outbound operation.
type QueueItem struct {
	ID               int64           `json:"id"`
	TenantID         string          `json:"tenant_id"`
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	Operation        Operation       `json:"operation"`
	Payload          json.RawMessage `json:"payload"`
	Priority         int             `json:"priority"`
	Direction        Direction       `json:"direction"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	LastError        string          `json:"last_error,omitempty"`
	ErrorCategory    ErrorCategory   `json:"error_category,omitempty"`
	LastAttemptAt    *time.Time      `json:"last_attempt_at,omitempty"`
	NextAttemptAt    time.Time       `json:"next_attempt_at"`
	Synced           bool            `json:"synced"`
	SyncedAt         *time.Time      `json:"synced_at,omitempty"`
	DeadLettered     bool            `json:"dead_lettered"`
	DeadLetterReason string          `json:"dead_letter_reason,omitempty"`
	DeadLetteredAt   *time.Time      `json:"dead_lettered_at,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	Diagnostics      Diagnostics     `json:"diagnostics"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Age returns how long the item has existed at now.
func (it QueueItem) Age(now time.Time) time.Duration {
	return now.Sub(it.CreatedAt)
}

// Eligible reports whether the item may be dispatched at now.
func (it QueueItem) Eligible(now time.Time) bool {
	return !it.Synced && !it.DeadLettered && !it.NextAttemptAt.After(now)
}

// Dead-letter reasons.
const (
	ReasonPermanentError  = "permanent_error"
	ReasonStructuralError = "structural_error"
	ReasonMaxAttempts     = "max_attempts_exceeded"
	ReasonRetryExhausted  = "unknown_retry_exhausted"
	ReasonExpired         = "expired"
	ReasonManual          = "manual"
)

// DeadLetterSummary is the sanitized view of a dead-lettered item.
// Payload contains only allow-listed top-level fields.
type DeadLetterSummary struct {
	ID             int64          `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	Operation      Operation      `json:"operation"`
	Reason         string         `json:"reason"`
	ErrorCategory  ErrorCategory  `json:"error_category,omitempty"`
	Error          string         `json:"error,omitempty"`
	Attempts       int            `json:"attempts"`
	StatusCode     int            `json:"status_code,omitempty"`
	DeadLetteredAt time.Time      `json:"dead_lettered_at"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// DeadLetterStats aggregates the dead-letter partition of one tenant.
type DeadLetterStats struct {
	Total        int            `json:"total"`
	ByReason     map[string]int `json:"by_reason"`
	ByEntityType map[string]int `json:"by_entity_type"`
	ByCategory   map[string]int `json:"by_category"`
	Oldest       *time.Time     `json:"oldest,omitempty"`
	Newest       *time.Time     `json:"newest,omitempty"`
}

// Cursor is the per (tenant, entity type) resumption pointer for pulls.
type Cursor struct {
	TenantID      string     `json:"tenant_id"`
	EntityType    string     `json:"entity_type"`
	Token         string     `json:"token,omitempty"`
	Sequence      int64      `json:"sequence"`
	ServerTime    *time.Time `json:"server_time,omitempty"`
	HasMore       bool       `json:"has_more"`
	Completed     bool       `json:"completed"`
	PagesFetched  int        `json:"pages_fetched"`
	RecordsPulled int        `json:"records_pulled"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Interrupted reports whether the cursor denotes a pull eligible for resumption.
func (c Cursor) Interrupted() bool {
	return !c.Completed && c.HasMore
}

// AppliedRecord is one entry of the inbound idempotency ledger.
type AppliedRecord struct {
	TenantID    string    `json:"tenant_id"`
	EntityType  string    `json:"entity_type"`
	RecordID    string    `json:"record_id"`
	ContentHash string    `json:"content_hash"`
	Sequence    int64     `json:"sequence"`
	AppliedAt   time.Time `json:"applied_at"`
}

// SyncTimestamp holds the per (tenant, entity type) high-water marks.
type SyncTimestamp struct {
	TenantID            string `json:"tenant_id"`
	EntityType          string `json:"entity_type"`
	LastAppliedSequence int64  `json:"last_applied_sequence"`
	LastSeenSequence    int64  `json:"last_seen_sequence"`
}

// Gap is the unconverged backlog between seen and applied.
func (ts SyncTimestamp) Gap() int64 {
	if ts.LastSeenSequence <= ts.LastAppliedSequence {
		return 0
	}
	return ts.LastSeenSequence - ts.LastAppliedSequence
}

// RevocationStatus is the remote's verdict on a tenant's sync rights.
type RevocationStatus string

const (
	RevocationValid     RevocationStatus = "VALID"
	RevocationSuspended RevocationStatus = "SUSPENDED"
	RevocationRevoked   RevocationStatus = "REVOKED"
)

// ParseRevocationStatus normalizes a status received from the remote. Case
// and surrounding space are ignored; an empty status means VALID.
func ParseRevocationStatus(v string) RevocationStatus {
	v = strings.ToUpper(strings.TrimSpace(v))
	if v == "" {
		return RevocationValid
	}
	return RevocationStatus(v)
}

// Known reports whether s is one of the defined statuses.
func (s RevocationStatus) Known() bool {
	switch s {
	case RevocationValid, RevocationSuspended, RevocationRevoked:
		return true
	}
	return false
}

// Blocked reports whether the status forbids running a cycle. Every status
// but VALID blocks, unknown ones included.
func (s RevocationStatus) Blocked() bool {
	return s != RevocationValid
}
