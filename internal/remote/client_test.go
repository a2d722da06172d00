package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
)

func TestHTTPClient_StartSyncSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/tenants/store-001/sessions", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Correlation-Id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session_id":"sess-1","revocation_status":"VALID","pull_pending_count":3}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, WithHeader("Authorization", "secret"))
	resp, err := c.StartSyncSession(context.Background(), "store-001")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, ir.RevocationValid, resp.RevocationStatus)
	assert.Equal(t, 3, resp.PullPendingCount)
}

func TestHTTPClient_StartDefaultsToValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"session_id":"sess-1"}`))
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(srv.URL, time.Second).StartSyncSession(context.Background(), "store-001")
	require.NoError(t, err)
	assert.Equal(t, ir.RevocationValid, resp.RevocationStatus)
}

func TestHTTPClient_CompleteSyncSession(t *testing.T) {
	var got CompleteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/sess-1/complete", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	stats := map[string]OperationStats{"sale": {Pushed: 2, Failed: 1}}
	err := NewHTTPClient(srv.URL, time.Second).CompleteSyncSession(context.Background(), "sess-1", 42, stats)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.LastSequence)
	assert.Equal(t, stats, got.Stats)
}

func TestHTTPClient_FetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tenants/store-001/changes/product", r.URL.Path)
		assert.Equal(t, "c1", r.URL.Query().Get("cursor"))
		assert.Equal(t, "10", r.URL.Query().Get("since"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"changes":[{"record_id":"r1","sequence":11,"operation":"update","payload":{"id":"r1"}}],"next_cursor":"c2","has_more":true,"sequence":11}`))
	}))
	defer srv.Close()

	page, err := NewHTTPClient(srv.URL, time.Second).FetchPage(context.Background(), PageRequest{
		TenantID: "store-001", EntityType: "product", Cursor: "c1", SinceSequence: 10, Limit: 50,
	})
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)
	assert.Equal(t, "r1", page.Changes[0].RecordID)
	assert.Equal(t, "c2", page.NextCursor)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(11), page.MaxSequence())
}

func TestHTTPClient_PushSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tenants/store-001/push/sale", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "s-1", body["entity_id"])
		assert.NotContains(t, body, "IdempotencyKey")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	res, err := NewHTTPClient(srv.URL, time.Second).Push(context.Background(), PushRequest{
		TenantID:       "store-001",
		EntityType:     "sale",
		EntityID:       "s-1",
		Operation:      ir.OperationCreate,
		Payload:        json.RawMessage(`{"total":1}`),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.Diagnostics.StatusCode)
	assert.Equal(t, "/v1/tenants/store-001/push/sale", res.Diagnostics.Endpoint)
	assert.Equal(t, `{"ok":true}`, res.Diagnostics.ResponseSnippet)
}

func TestHTTPClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_payload","message":"price missing"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, time.Second).Push(context.Background(), PushRequest{TenantID: "t", EntityType: "sale"})
	require.Error(t, err)
	assert.True(t, IsStatusError(err))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnprocessableEntity, se.HTTPStatus())
	assert.Equal(t, "invalid_payload", se.Code)
	assert.Equal(t, "http 422 invalid_payload: price missing", se.Error())
}

func TestHTTPClient_SnippetTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 2000)))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, time.Second).FetchPage(context.Background(), PageRequest{TenantID: "t", EntityType: "sale"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Len(t, se.Snippet, maxSnippet)
	assert.Equal(t, "http 502", se.Error())
}

func TestHTTPClient_StartNormalizesRevocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"session_id":"sess-1","revocation_status":"revoked"}`))
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(srv.URL, time.Second).StartSyncSession(context.Background(), "store-001")
	require.NoError(t, err)
	assert.Equal(t, ir.RevocationRevoked, resp.RevocationStatus)
	assert.True(t, resp.RevocationStatus.Blocked())
}

func TestHTTPClient_OversizedPageFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"changes":[],"next_cursor":"` + strings.Repeat("c", 200) + `"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, WithMaxResponseBytes(64))
	_, err := c.FetchPage(context.Background(), PageRequest{TenantID: "t", EntityType: "sale"})
	require.Error(t, err)
	assert.False(t, IsStatusError(err))
	assert.Contains(t, err.Error(), "response body exceeds 64 bytes")
}

func TestHTTPClient_OversizedErrorBodyIsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(strings.Repeat("y", maxErrorBytes*4)))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, time.Second).FetchPage(context.Background(), PageRequest{TenantID: "t", EntityType: "sale"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.HTTPStatus())
	assert.Len(t, se.Snippet, maxSnippet)
}

func TestOperationStats_Add(t *testing.T) {
	a := OperationStats{Pushed: 1, Failed: 2}
	b := OperationStats{Pushed: 3, DeadLettered: 1}
	assert.Equal(t, OperationStats{Pushed: 4, Failed: 2, DeadLettered: 1}, a.Add(b))
}
