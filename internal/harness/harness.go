package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/outbox"
	"github.com/roach88/tillsync/internal/pull"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/retry"
	"github.com/roach88/tillsync/internal/session"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

// Epoch is the clock reading every scenario starts at.
var Epoch = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

// Run executes a scenario against an in-memory store and a scripted remote.
//
// Run is deterministic: the clock starts at Epoch and only moves on advance
// steps, retry delays carry no jitter, pull retries do not sleep, and every
// cycle uses the scenario's fixed cycle token. The same scenario therefore
// always produces the same trace.
//
// A returned error means the scenario could not be executed. Failed cycle
// expectations and assertions are reported on the Result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	for i, step := range scenario.Steps {
		if err := h.runStep(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, &AssertionContext{
		Ctx:    ctx,
		Store:  h.store,
		Tenant: h.tenant,
	}) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// harness holds the wiring of one scenario run.
type harness struct {
	scenario *Scenario
	tenant   string
	clock    *testutil.ManualClock
	store    *store.Store
	queue    *outbox.Queue
	engine   *engine.Engine
	fake     *testutil.FakeRemote

	mu     sync.Mutex
	result *Result
}

func newHarness(scenario *Scenario) (*harness, error) {
	h := &harness{
		scenario: scenario,
		tenant:   scenario.Tenant,
		clock:    testutil.NewManualClock(Epoch),
		fake:     testutil.NewFakeRemote(),
		result:   NewResult(),
	}
	if h.tenant == "" {
		h.tenant = DefaultTenant
	}

	st, err := store.Open(":memory:", store.WithClock(h.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	h.store = st

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := retry.DefaultPolicy()
	policy.Rand = nil
	h.queue = outbox.New(st,
		outbox.WithPolicy(policy),
		outbox.WithMaxAttempts(scenario.MaxAttempts),
		outbox.WithLogger(logger))

	if err := h.scriptRemote(scenario.Remote); err != nil {
		st.Close()
		return nil, err
	}

	order := engine.OrderPullFirst
	if scenario.Order != "" {
		order = engine.Order(scenario.Order)
	}
	h.engine = engine.New(st, h.queue, &recordingRemote{fake: h.fake, h: h}, nopApplier,
		engine.WithEntityTypes(scenario.EntityTypes...),
		engine.WithOrder(order),
		engine.WithTokenGenerator(testutil.NewFixedTokenGenerator(scenario.CycleToken)),
		engine.WithClock(h.clock),
		engine.WithLogger(logger),
		engine.WithPullOptions(pull.WithSleep(func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		})))
	return h, nil
}

var nopApplier = pull.ApplierFunc(func(context.Context, string, string, []remote.Change) error {
	return nil
})

func (h *harness) scriptRemote(setup RemoteSetup) error {
	h.fake.Revocation = ir.RevocationStatus(setup.Revocation)
	h.fake.LockoutMessage = setup.LockoutMessage

	// Sorted so scripting is independent of map order.
	types := make([]string, 0, len(setup.Pages))
	for et := range setup.Pages {
		types = append(types, et)
	}
	sort.Strings(types)
	for _, et := range types {
		pages := make([]remote.Page, 0, len(setup.Pages[et]))
		for i, ps := range setup.Pages[et] {
			page := remote.Page{HasMore: ps.HasMore, Sequence: ps.Sequence}
			for j, cs := range ps.Changes {
				payload, err := json.Marshal(cs.Payload)
				if err != nil {
					return fmt.Errorf("remote.pages.%s[%d].changes[%d]: %w", et, i, j, err)
				}
				op := ir.Operation(cs.Operation)
				if op == "" {
					op = ir.OperationUpdate
				}
				page.Changes = append(page.Changes, remote.Change{
					RecordID:  cs.RecordID,
					Sequence:  cs.Sequence,
					Operation: op,
					Payload:   payload,
				})
			}
			pages = append(pages, page)
		}
		h.fake.SetPages(et, pages...)
	}

	h.failFetch(setup.FetchFailures)
	h.failPush(setup.PushFailures)
	return nil
}

func (h *harness) failFetch(failures map[string][]int) {
	for _, et := range sortedKeys(failures) {
		h.fake.FailFetch(et, statusErrors(failures[et])...)
	}
}

func (h *harness) failPush(failures map[string][]int) {
	for _, id := range sortedKeys(failures) {
		h.fake.FailPush(id, statusErrors(failures[id])...)
	}
}

func statusErrors(codes []int) []error {
	errs := make([]error, 0, len(codes))
	for _, code := range codes {
		errs = append(errs, &remote.StatusError{StatusCode: code, Message: http.StatusText(code)})
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// record appends an event to the trace.
func (h *harness) record(kind string, detail map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.Trace = append(h.result.Trace, TraceEvent{
		Seq:    int64(len(h.result.Trace) + 1),
		Kind:   kind,
		Detail: detail,
	})
}

func (h *harness) runStep(ctx context.Context, step Step) error {
	kind, err := step.kind()
	if err != nil {
		return err
	}

	switch kind {
	case "enqueue":
		return h.enqueue(ctx, step.Enqueue)
	case "cycle":
		return h.cycle(ctx, step.Cycle)
	case "advance":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		h.record(EventAdvance, map[string]any{
			"by":  step.Advance,
			"now": h.clock.Now().Format(time.RFC3339),
		})
	case "reset_stuck":
		n, err := h.queue.ResetStuckInBackoff(ctx, h.tenant, step.ResetStuck.All)
		if err != nil {
			return err
		}
		h.record(EventResetStuck, map[string]any{"all": step.ResetStuck.All, "count": n})
	case "restore":
		return h.restore(ctx, step.Restore)
	case "fail_push":
		h.failPush(step.FailPush)
	case "fail_fetch":
		h.failFetch(step.FailFetch)
	}
	return nil
}

func (h *harness) enqueue(ctx context.Context, e *EnqueueStep) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("enqueue payload: %w", err)
	}
	op := ir.Operation(e.Operation)
	if op == "" {
		op = ir.OperationCreate
	}

	item, inserted, err := h.queue.EnqueueIdempotent(ctx, h.tenant, outbox.Request{
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Operation:  op,
		Payload:    payload,
		Priority:   e.Priority,
		Direction:  ir.DirectionPush,
	}, e.Key)
	if err != nil {
		return err
	}
	h.record(EventEnqueue, map[string]any{
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"operation":   string(op),
		"id":          int(item.ID),
		"inserted":    inserted,
	})
	return nil
}

func (h *harness) cycle(ctx context.Context, c *CycleStep) error {
	report, err := h.engine.RunCycle(ctx, h.tenant, c.ForceReset)

	outcome := "ok"
	switch {
	case session.IsRevoked(err):
		outcome = "blocked"
	case err != nil:
		if ctx.Err() != nil {
			return err
		}
		outcome = "failed"
	}

	totals := report.Totals()
	detail := map[string]any{
		"outcome":       outcome,
		"pushed":        totals.Pushed,
		"pulled":        totals.Pulled,
		"applied":       totals.Applied,
		"skipped":       totals.Skipped,
		"failed":        totals.Failed,
		"dead_lettered": totals.DeadLettered,
		"reset":         report.Reset,
	}
	h.record(EventCycle, detail)

	if len(c.Expect) > 0 && !matchDetail(detail, c.Expect) {
		h.result.AddError(fmt.Sprintf("cycle %d: expected %v, got %v",
			len(h.result.Events(EventCycle)), c.Expect, detail))
	}
	return nil
}

func (h *harness) restore(ctx context.Context, entityID string) error {
	var id int64
	for offset := 0; id == 0; offset += outbox.MaxListLimit {
		page, err := h.queue.ListDeadLetters(ctx, h.tenant, outbox.MaxListLimit, offset)
		if err != nil {
			return err
		}
		for _, dl := range page {
			if dl.EntityID == entityID {
				id = dl.ID
				break
			}
		}
		if len(page) < outbox.MaxListLimit {
			break
		}
	}

	restored := false
	if id != 0 {
		ok, err := h.queue.Restore(ctx, h.tenant, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		restored = ok
	}
	h.record(EventRestore, map[string]any{
		"entity_id": entityID,
		"id":        int(id),
		"restored":  restored,
	})
	return nil
}

// recordingRemote traces every call the engine makes to the remote.
type recordingRemote struct {
	fake *testutil.FakeRemote
	h    *harness
}

func (r *recordingRemote) StartSyncSession(ctx context.Context, tenantID string) (remote.StartResponse, error) {
	resp, err := r.fake.StartSyncSession(ctx, tenantID)
	detail := map[string]any{"tenant": tenantID}
	if err != nil {
		detail["error"] = retry.Sanitize(err)
	} else {
		detail["session_id"] = resp.SessionID
		detail["revocation"] = string(resp.RevocationStatus)
	}
	r.h.record(EventSessionStart, detail)
	return resp, err
}

func (r *recordingRemote) FetchPage(ctx context.Context, req remote.PageRequest) (remote.Page, error) {
	page, err := r.fake.FetchPage(ctx, req)
	detail := map[string]any{
		"entity_type": req.EntityType,
		"cursor":      req.Cursor,
		"since":       int(req.SinceSequence),
	}
	if err != nil {
		detail["status"] = retry.StatusOf(err)
	} else {
		detail["changes"] = len(page.Changes)
		detail["has_more"] = page.HasMore
	}
	r.h.record(EventFetch, detail)
	return page, err
}

func (r *recordingRemote) Push(ctx context.Context, req remote.PushRequest) (remote.PushResult, error) {
	res, err := r.fake.Push(ctx, req)
	detail := map[string]any{
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
		"operation":   string(req.Operation),
	}
	if err != nil {
		detail["status"] = retry.StatusOf(err)
	}
	r.h.record(EventPush, detail)
	return res, err
}

func (r *recordingRemote) CompleteSyncSession(ctx context.Context, sessionID string, lastSequence int64, stats map[string]remote.OperationStats) error {
	err := r.fake.CompleteSyncSession(ctx, sessionID, lastSequence, stats)
	var total remote.OperationStats
	for _, s := range stats {
		total = total.Add(s)
	}
	r.h.record(EventSessionClose, map[string]any{
		"session_id":    sessionID,
		"last_sequence": int(lastSequence),
		"pushed":        total.Pushed,
		"pulled":        total.Pulled,
		"applied":       total.Applied,
		"skipped":       total.Skipped,
		"failed":        total.Failed,
		"dead_lettered": total.DeadLettered,
	})
	return err
}
