package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
)

// CompleteCall records one CompleteSyncSession call.
type CompleteCall struct {
	SessionID    string
	LastSequence int64
	Stats        map[string]remote.OperationStats
}

// FakeRemote is an in-memory sync service.
//
// Pages are scripted per entity type and served in order; cursors are
// synthesized as "<entity_type>-<index>". Push failures are scripted per
// entity id and consumed one per attempt. Pushes are deduplicated by
// idempotency key so tests can count effects separately from deliveries.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeRemote struct {
	mu sync.Mutex

	// Revocation is returned by StartSyncSession. Empty means VALID.
	Revocation     ir.RevocationStatus
	LockoutMessage string
	StartErr       error
	CompleteErr    error

	// StartGate, when set, blocks StartSyncSession until it is closed.
	StartGate chan struct{}
	// Starting, when set, receives a value as StartSyncSession begins.
	Starting chan struct{}

	startCalls int
	completes  []CompleteCall

	pages      map[string][]remote.Page
	fetchFails map[string][]error
	fetches    []remote.PageRequest

	pushFails  map[string][]error
	pushes     []remote.PushRequest
	effects    map[string]remote.PushRequest
	effectKeys []string
}

// NewFakeRemote creates an empty fake.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		pages:      make(map[string][]remote.Page),
		fetchFails: make(map[string][]error),
		pushFails:  make(map[string][]error),
		effects:    make(map[string]remote.PushRequest),
	}
}

// StartSyncSession opens a numbered session.
func (f *FakeRemote) StartSyncSession(ctx context.Context, tenantID string) (remote.StartResponse, error) {
	if f.Starting != nil {
		f.Starting <- struct{}{}
	}
	if f.StartGate != nil {
		select {
		case <-f.StartGate:
		case <-ctx.Done():
			return remote.StartResponse{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.StartErr != nil {
		return remote.StartResponse{}, f.StartErr
	}

	status := f.Revocation
	if status == "" {
		status = ir.RevocationValid
	}
	pending := 0
	for _, pages := range f.pages {
		for _, p := range pages {
			pending += len(p.Changes)
		}
	}
	return remote.StartResponse{
		SessionID:        fmt.Sprintf("session-%d", f.startCalls),
		RevocationStatus: status,
		LockoutMessage:   f.LockoutMessage,
		PullPendingCount: pending,
	}, nil
}

// CompleteSyncSession records the closure.
func (f *FakeRemote) CompleteSyncSession(ctx context.Context, sessionID string, lastSequence int64, stats map[string]remote.OperationStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, CompleteCall{SessionID: sessionID, LastSequence: lastSequence, Stats: stats})
	return f.CompleteErr
}

// SetPages scripts the pages of an entity type. NextCursor is filled in for
// pages that report HasMore and leave it empty.
func (f *FakeRemote) SetPages(entityType string, pages ...remote.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range pages {
		if pages[i].HasMore && pages[i].NextCursor == "" {
			pages[i].NextCursor = fmt.Sprintf("%s-%d", entityType, i+1)
		}
	}
	f.pages[entityType] = pages
}

// FailFetch makes the next fetches of an entity type fail with errs, in order.
func (f *FakeRemote) FailFetch(entityType string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchFails[entityType] = append(f.fetchFails[entityType], errs...)
}

// FetchPage serves the scripted page the cursor points at.
func (f *FakeRemote) FetchPage(ctx context.Context, req remote.PageRequest) (remote.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, req)

	if errs := f.fetchFails[req.EntityType]; len(errs) > 0 {
		f.fetchFails[req.EntityType] = errs[1:]
		return remote.Page{}, errs[0]
	}

	pages := f.pages[req.EntityType]
	if req.Cursor == "" {
		if len(pages) == 0 {
			return remote.Page{}, nil
		}
		return pages[0], nil
	}
	for i, p := range pages {
		if p.NextCursor == req.Cursor && i+1 < len(pages) {
			return pages[i+1], nil
		}
	}
	return remote.Page{}, fmt.Errorf("fake remote: unknown cursor %q", req.Cursor)
}

// FailPush makes the next pushes of an entity id fail with errs, in order.
func (f *FakeRemote) FailPush(entityID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushFails[entityID] = append(f.pushFails[entityID], errs...)
}

// Push records a delivery and applies its effect once per idempotency key.
func (f *FakeRemote) Push(ctx context.Context, req remote.PushRequest) (remote.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, req)

	if errs := f.pushFails[req.EntityID]; len(errs) > 0 {
		f.pushFails[req.EntityID] = errs[1:]
		return remote.PushResult{}, errs[0]
	}

	key := req.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("%s/%s/%d", req.EntityType, req.EntityID, len(f.pushes))
	}
	if _, ok := f.effects[key]; !ok {
		f.effects[key] = req
		f.effectKeys = append(f.effectKeys, key)
	}
	return remote.PushResult{Diagnostics: ir.Diagnostics{
		Endpoint:   "/v1/tenants/" + req.TenantID + "/push/" + req.EntityType,
		StatusCode: 200,
	}}, nil
}

// StartCalls returns how many sessions were requested.
func (f *FakeRemote) StartCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

// Completes returns the recorded closures.
func (f *FakeRemote) Completes() []CompleteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CompleteCall(nil), f.completes...)
}

// Fetches returns the recorded page requests.
func (f *FakeRemote) Fetches() []remote.PageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.PageRequest(nil), f.fetches...)
}

// Pushes returns every delivery attempt, including failed ones.
func (f *FakeRemote) Pushes() []remote.PushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.PushRequest(nil), f.pushes...)
}

// Effects returns the distinct applied pushes in first-delivery order.
func (f *FakeRemote) Effects() []remote.PushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.PushRequest, 0, len(f.effectKeys))
	for _, k := range f.effectKeys {
		out = append(out, f.effects[k])
	}
	return out
}
