package session

import (
	"maps"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
)

// Snapshot is an immutable view of one session.
type Snapshot struct {
	SessionID        string                           `json:"session_id"`
	TenantID         string                           `json:"tenant_id"`
	State            State                            `json:"state"`
	StartedAt        time.Time                        `json:"started_at"`
	Revocation       ir.RevocationStatus              `json:"revocation_status,omitempty"`
	LockoutMessage   string                           `json:"lockout_message,omitempty"`
	PullPendingCount int                              `json:"pull_pending_count"`
	LastSequence     int64                            `json:"last_sequence"`
	Stats            map[string]remote.OperationStats `json:"stats"`
	Completed        bool                             `json:"completed"`
}

// Totals sums the per-partition stats.
func (s *Snapshot) Totals() remote.OperationStats {
	var total remote.OperationStats
	for _, st := range s.Stats {
		total = total.Add(st)
	}
	return total
}

func (s Snapshot) clone() *Snapshot {
	s.Stats = maps.Clone(s.Stats)
	if s.Stats == nil {
		s.Stats = map[string]remote.OperationStats{}
	}
	return &s
}

// Context is handed to a cycle's operations.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Context struct {
	o          *Orchestrator
	generation uint64

	mu   sync.Mutex
	snap Snapshot
}

// SessionID returns the remote session id.
func (c *Context) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.SessionID
}

// TenantID returns the tenant the cycle runs for.
func (c *Context) TenantID() string {
	return c.snap.TenantID
}

// PullPendingCount returns the remote's hint of changes awaiting pull.
func (c *Context) PullPendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.PullPendingCount
}

// RecordOperationStats adds stats to a partition's running totals.
func (c *Context) RecordOperationStats(partition string, stats remote.OperationStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Stats[partition] = c.snap.Stats[partition].Add(stats)
	c.publishLocked()
}

// RecordSequence raises the last sequence reported at closure.
func (c *Context) RecordSequence(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.snap.LastSequence {
		c.snap.LastSequence = seq
		c.publishLocked()
	}
}

// Snapshot returns the current state of the session.
func (c *Context) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.clone()
}

func (c *Context) opened(resp remote.StartResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.SessionID = resp.SessionID
	c.snap.Revocation = resp.RevocationStatus
	c.snap.LockoutMessage = resp.LockoutMessage
	c.snap.PullPendingCount = resp.PullPendingCount
	c.publishLocked()
}

func (c *Context) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.State = s
	c.publishLocked()
}

func (c *Context) markCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Completed = true
}

// final returns the snapshot as it will stand after closure.
func (c *Context) final() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snap.clone()
	s.State = StateIdle
	s.Completed = true
	return s
}

func (c *Context) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked()
}

func (c *Context) publishLocked() {
	c.o.publish(c.generation, c.snap.clone())
}
