// Package remote defines the wire contract with the authoritative sync
// service and an HTTP JSON client for it.
package remote

import (
	"encoding/json"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// StartResponse is the remote's answer to opening a sync session.
type StartResponse struct {
	SessionID        string              `json:"session_id"`
	RevocationStatus ir.RevocationStatus `json:"revocation_status"`
	LockoutMessage   string              `json:"lockout_message,omitempty"`
	PullPendingCount int                 `json:"pull_pending_count"`
}

// OperationStats are the counters one partition reports at session closure.
type OperationStats struct {
	Pushed       int `json:"pushed"`
	Pulled       int `json:"pulled"`
	Applied      int `json:"applied"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// Add returns the element-wise sum of s and o.
func (s OperationStats) Add(o OperationStats) OperationStats {
	return OperationStats{
		Pushed:       s.Pushed + o.Pushed,
		Pulled:       s.Pulled + o.Pulled,
		Applied:      s.Applied + o.Applied,
		Skipped:      s.Skipped + o.Skipped,
		Failed:       s.Failed + o.Failed,
		DeadLettered: s.DeadLettered + o.DeadLettered,
	}
}

// CompleteRequest closes a sync session.
type CompleteRequest struct {
	LastSequence int64                     `json:"last_sequence"`
	Stats        map[string]OperationStats `json:"stats"`
}

// PageRequest asks for one page of changes of an entity type.
type PageRequest struct {
	TenantID      string
	EntityType    string
	Cursor        string
	SinceSequence int64
	Limit         int
}

// Change is one remote record version.
type Change struct {
	RecordID  string          `json:"record_id"`
	Sequence  int64           `json:"sequence"`
	Operation ir.Operation    `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// Page is one response of a paginated pull.
type Page struct {
	Changes    []Change   `json:"changes"`
	NextCursor string     `json:"next_cursor,omitempty"`
	HasMore    bool       `json:"has_more"`
	Sequence   int64      `json:"sequence"`
	ServerTime *time.Time `json:"server_time,omitempty"`
}

// MaxSequence returns the page's high-water sequence: the larger of the
// reported page sequence and the highest change sequence.
func (p Page) MaxSequence() int64 {
	seq := p.Sequence
	for _, c := range p.Changes {
		if c.Sequence > seq {
			seq = c.Sequence
		}
	}
	return seq
}

// PushRequest delivers one outbox item.
type PushRequest struct {
	TenantID       string          `json:"-"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Operation      ir.Operation    `json:"operation"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"-"`
}

// PushRequestFor builds the delivery request of a queue item.
func PushRequestFor(item ir.QueueItem) PushRequest {
	return PushRequest{
		TenantID:       item.TenantID,
		EntityType:     item.EntityType,
		EntityID:       item.EntityID,
		Operation:      item.Operation,
		Payload:        item.Payload,
		IdempotencyKey: item.IdempotencyKey,
	}
}

// PushResult describes an accepted delivery.
type PushResult struct {
	Diagnostics ir.Diagnostics
}
