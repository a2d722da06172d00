package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/roach88/tillsync/internal/ir"
)

// maxSnippet bounds the response text kept for diagnostics.
const maxSnippet = 512

const (
	// DefaultMaxResponseBytes bounds a successful response body.
	DefaultMaxResponseBytes = 16 << 20
	// maxErrorBytes bounds the body read from an error response.
	maxErrorBytes = 64 << 10
)

// HTTPClient talks JSON over HTTP to the sync service.
//
// Endpoints:
//
//	POST /v1/tenants/{tenant}/sessions
//	POST /v1/sessions/{session}/complete
//	GET  /v1/tenants/{tenant}/changes/{entity_type}?cursor=&since=&limit=
//	POST /v1/tenants/{tenant}/push/{entity_type}
type HTTPClient struct {
	baseURL          string
	headers          map[string]string
	httpClient       *http.Client
	maxResponseBytes int64
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHeader adds a header to every request.
func WithHeader(key, value string) ClientOption {
	return func(c *HTTPClient) {
		c.headers[key] = value
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMaxResponseBytes bounds the body of a successful response. Larger
// bodies fail the request.
func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *HTTPClient) {
		if n > 0 {
			c.maxResponseBytes = n
		}
	}
}

// NewHTTPClient creates a client for baseURL with the given request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...ClientOption) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &HTTPClient{
		baseURL:          strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		headers:          make(map[string]string),
		httpClient:       &http.Client{Timeout: timeout},
		maxResponseBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartSyncSession opens a session for tenantID.
func (c *HTTPClient) StartSyncSession(ctx context.Context, tenantID string) (StartResponse, error) {
	var out StartResponse
	path := fmt.Sprintf("/v1/tenants/%s/sessions", url.PathEscape(tenantID))
	if _, err := c.doJSON(ctx, http.MethodPost, path, nil, struct{}{}, &out); err != nil {
		return StartResponse{}, fmt.Errorf("start sync session: %w", err)
	}
	out.RevocationStatus = ir.ParseRevocationStatus(string(out.RevocationStatus))
	return out, nil
}

// CompleteSyncSession closes a session with its final sequence and stats.
func (c *HTTPClient) CompleteSyncSession(ctx context.Context, sessionID string, lastSequence int64, stats map[string]OperationStats) error {
	path := fmt.Sprintf("/v1/sessions/%s/complete", url.PathEscape(sessionID))
	body := CompleteRequest{LastSequence: lastSequence, Stats: stats}
	if _, err := c.doJSON(ctx, http.MethodPost, path, nil, body, nil); err != nil {
		return fmt.Errorf("complete sync session: %w", err)
	}
	return nil
}

// FetchPage returns one page of changes.
func (c *HTTPClient) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	q := url.Values{}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	if req.SinceSequence > 0 {
		q.Set("since", strconv.FormatInt(req.SinceSequence, 10))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	path := fmt.Sprintf("/v1/tenants/%s/changes/%s", url.PathEscape(req.TenantID), url.PathEscape(req.EntityType))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out Page
	if _, err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return Page{}, fmt.Errorf("fetch page: %w", err)
	}
	return out, nil
}

// Push delivers one item. The idempotency key travels in the
// Idempotency-Key header so the service can deduplicate redeliveries.
func (c *HTTPClient) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	path := fmt.Sprintf("/v1/tenants/%s/push/%s", url.PathEscape(req.TenantID), url.PathEscape(req.EntityType))
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}

	resp, err := c.doJSON(ctx, http.MethodPost, path, headers, req, nil)
	if err != nil {
		return PushResult{}, err
	}
	return PushResult{Diagnostics: ir.Diagnostics{
		Endpoint:        path,
		StatusCode:      resp.status,
		ResponseSnippet: resp.snippet,
	}}, nil
}

type response struct {
	status  int
	snippet string
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) (response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return response{}, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, err
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299
	limit := c.maxResponseBytes
	if !ok {
		limit = maxErrorBytes
	}
	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	_ = resp.Body.Close()
	if readErr != nil {
		return response{}, readErr
	}
	oversized := int64(len(payload)) > limit
	if oversized {
		payload = payload[:limit]
	}

	r := response{status: resp.StatusCode, snippet: snippet(payload)}
	if ok {
		if oversized {
			return r, fmt.Errorf("%s: response body exceeds %d bytes", requestPath, limit)
		}
		if out == nil || len(payload) == 0 {
			return r, nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return r, fmt.Errorf("decode %s: %w", requestPath, err)
		}
		return r, nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return r, &StatusError{
		Endpoint:   requestPath,
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
		Snippet:    r.snippet,
	}
}

func snippet(payload []byte) string {
	s := strings.TrimSpace(string(payload))
	if len(s) <= maxSnippet {
		return s
	}
	cut := maxSnippet
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

