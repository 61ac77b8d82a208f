package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/outbound"
	"github.com/void0-space/newton-backend-sub000/internal/session"
	"github.com/void0-space/newton-backend-sub000/internal/webhook"
)

type mockQueue struct {
	mu sync.Mutex

	statusFn  func(ctx context.Context, id uuid.UUID) (outbound.JobStatus, error)
	statsFn   func(ctx context.Context) (outbound.Stats, error)
	deadFn    func(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	requeueFn func(ctx context.Context, id uuid.UUID) (domain.DeliveryJob, error)

	lastLimit int
}

func (q *mockQueue) Status(ctx context.Context, id uuid.UUID) (outbound.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.statusFn != nil {
		return q.statusFn(ctx, id)
	}
	return outbound.JobStatus{}, outbound.ErrNotFound
}

func (q *mockQueue) Stats(ctx context.Context) (outbound.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.statsFn != nil {
		return q.statsFn(ctx)
	}
	return outbound.Stats{}, nil
}

func (q *mockQueue) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastLimit = limit
	if q.deadFn != nil {
		return q.deadFn(ctx, limit)
	}
	return nil, nil
}

func (q *mockQueue) RequeueDeadLetter(ctx context.Context, id uuid.UUID) (domain.DeliveryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.requeueFn != nil {
		return q.requeueFn(ctx, id)
	}
	return domain.DeliveryJob{}, outbound.ErrNotFound
}

type mockWebhooks struct {
	mu sync.Mutex

	getFn   func(ctx context.Context, id uuid.UUID) (domain.WebhookDelivery, error)
	retryFn func(ctx context.Context, id uuid.UUID) (domain.WebhookDelivery, error)
}

func (w *mockWebhooks) Get(ctx context.Context, id uuid.UUID) (domain.WebhookDelivery, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.getFn != nil {
		return w.getFn(ctx, id)
	}
	return domain.WebhookDelivery{}, webhook.ErrNotFound
}

func (w *mockWebhooks) Retry(ctx context.Context, id uuid.UUID) (domain.WebhookDelivery, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.retryFn != nil {
		return w.retryFn(ctx, id)
	}
	return domain.WebhookDelivery{}, webhook.ErrNotFound
}

// mockSessions records calls and returns err for every action when set.
type mockSessions struct {
	mu sync.Mutex

	sessions map[string]domain.Session
	err      error
	sendOut  session.SendOutcome
	calls    []string
	lastReq  session.CreateRequest
	lastSend struct {
		recipient string
		payload   json.RawMessage
		urgent    bool
	}
}

func newMockSessions() *mockSessions {
	return &mockSessions{sessions: make(map[string]domain.Session)}
}

func (m *mockSessions) record(call string) error {
	m.calls = append(m.calls, call)
	return m.err
}

func (m *mockSessions) Create(_ context.Context, req session.CreateRequest) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create"); err != nil {
		return domain.Session{}, err
	}
	m.lastReq = req
	if _, ok := m.sessions[req.ID]; ok {
		return domain.Session{}, session.ErrExists
	}
	s := domain.Session{ID: req.ID, TenantID: req.TenantID, State: domain.StateConnecting, AutoReconnect: req.AutoReconnect}
	m.sessions[req.ID] = s
	return s, nil
}

func (m *mockSessions) Get(_ context.Context, id string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("get"); err != nil {
		return domain.Session{}, err
	}
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, session.ErrNotFound
	}
	return s, nil
}

func (m *mockSessions) Send(_ context.Context, id, recipient string, payload json.RawMessage, urgent bool) (session.SendOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("send:" + id); err != nil {
		return session.SendOutcome{}, err
	}
	m.lastSend.recipient = recipient
	m.lastSend.payload = payload
	m.lastSend.urgent = urgent
	return m.sendOut, nil
}

func (m *mockSessions) Disconnect(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("disconnect:" + id)
}

func (m *mockSessions) Reconnect(_ context.Context, id string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("reconnect:" + id); err != nil {
		return domain.Session{}, err
	}
	return domain.Session{ID: id, State: domain.StateConnecting}, nil
}

func (m *mockSessions) Logout(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("logout:" + id)
}

func (m *mockSessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("delete:" + id)
}

func (m *mockSessions) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type testDeps struct {
	queue    *mockQueue
	webhooks *mockWebhooks
	sessions *mockSessions
}

func newTestHandler() (*Handler, testDeps) {
	deps := testDeps{queue: &mockQueue{}, webhooks: &mockWebhooks{}, sessions: newMockSessions()}
	return New(deps.queue, deps.webhooks, deps.sessions), deps
}

func do(t *testing.T, h *Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestHealth_Simple(t *testing.T) {
	h, _ := newTestHandler()
	h.WithComponent("database", func(context.Context) error { return errors.New("down") })

	rec := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Components != nil {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHealth_VerboseDegraded(t *testing.T) {
	h, _ := newTestHandler()
	h.WithComponent("database", func(context.Context) error { return nil }).
		WithComponent("redis", func(context.Context) error { return errors.New("connection refused") })

	rec := do(t, h, http.MethodGet, "/health?verbose=true", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected degraded, got %q", resp.Status)
	}
	if resp.Components["database"] != "ok" || resp.Components["redis"] != "error" {
		t.Errorf("unexpected components: %v", resp.Components)
	}
}

func TestHealth_VerboseHealthy(t *testing.T) {
	h, _ := newTestHandler()
	h.WithComponent("database", func(context.Context) error { return nil })

	rec := do(t, h, http.MethodGet, "/health?verbose=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequestID_EchoedAndGenerated(t *testing.T) {
	h, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("expected echoed request id, got %q", got)
	}

	rec = do(t, h, http.MethodGet, "/health", "")
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("expected generated request id")
	}
}

func TestNoRoute(t *testing.T) {
	h, _ := newTestHandler()
	rec := do(t, h, http.MethodGet, "/v1/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != CodeNotFound {
		t.Errorf("expected code %q, got %q", CodeNotFound, resp.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	h, _ := newTestHandler()
	h.WithMetrics("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	}))
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "# metrics" {
		t.Fatalf("unexpected metrics response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestGetJob(t *testing.T) {
	h, deps := newTestHandler()
	id := uuid.New()
	next := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	deps.queue.statusFn = func(_ context.Context, got uuid.UUID) (outbound.JobStatus, error) {
		if got != id {
			return outbound.JobStatus{}, outbound.ErrNotFound
		}
		return outbound.JobStatus{ID: id, State: domain.JobStateQueued, Attempts: 1, MaxAttempts: 5, NextRunAt: &next}, nil
	}

	rec := do(t, h, http.MethodGet, "/v1/jobs/"+id.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var st outbound.JobStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.ID != id || st.State != domain.JobStateQueued || st.Attempts != 1 {
		t.Errorf("unexpected status: %+v", st)
	}

	rec = do(t, h, http.MethodGet, "/v1/jobs/"+uuid.NewString(), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestGetJob_InvalidID(t *testing.T) {
	h, _ := newTestHandler()
	rec := do(t, h, http.MethodGet, "/v1/jobs/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestQueueStats(t *testing.T) {
	h, deps := newTestHandler()
	deps.queue.statsFn = func(context.Context) (outbound.Stats, error) {
		return outbound.Stats{Queued: 3, Active: 1, Dead: 2}, nil
	}
	rec := do(t, h, http.MethodGet, "/v1/queue/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st outbound.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st != (outbound.Stats{Queued: 3, Active: 1, Dead: 2}) {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestQueueStats_StoreErrorIsInternal(t *testing.T) {
	h, deps := newTestHandler()
	deps.queue.statsFn = func(context.Context) (outbound.Stats, error) {
		return outbound.Stats{}, errors.New("pq: connection reset")
	}
	rec := do(t, h, http.MethodGet, "/v1/queue/stats", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	resp := decodeError(t, rec)
	if strings.Contains(resp.Message, "pq") {
		t.Errorf("internal error detail leaked: %q", resp.Message)
	}
	if resp.RequestID == "" {
		t.Error("expected request id in error body")
	}
}

func TestListDeadLetters(t *testing.T) {
	h, deps := newTestHandler()
	jobID := uuid.New()
	deps.queue.deadFn = func(_ context.Context, limit int) ([]domain.DeadLetter, error) {
		return []domain.DeadLetter{{
			ID:       uuid.New(),
			Job:      domain.DeliveryJob{ID: jobID, SessionID: "s1", Recipient: "r1", Payload: json.RawMessage(`{"a":1}`), Attempts: 5},
			Error:    "boom",
			FailedAt: time.Now(),
		}}, nil
	}

	rec := do(t, h, http.MethodGet, "/v1/dead-letters?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp ListDeadLettersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.DeadLetters) != 1 || resp.DeadLetters[0].JobID != jobID.String() || resp.DeadLetters[0].Error != "boom" {
		t.Errorf("unexpected dead letters: %+v", resp.DeadLetters)
	}
	if deps.queue.lastLimit != 10 {
		t.Errorf("expected limit 10, got %d", deps.queue.lastLimit)
	}
}

func TestListDeadLetters_EmptyIsArray(t *testing.T) {
	h, _ := newTestHandler()
	rec := do(t, h, http.MethodGet, "/v1/dead-letters", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"dead_letters":[]`) {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}

func TestListDeadLetters_LimitTooLarge(t *testing.T) {
	h, _ := newTestHandler()
	rec := do(t, h, http.MethodGet, "/v1/dead-letters?limit=5000", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	h, deps := newTestHandler()
	dlID, jobID := uuid.New(), uuid.New()
	deps.queue.requeueFn = func(_ context.Context, id uuid.UUID) (domain.DeliveryJob, error) {
		if id != dlID {
			return domain.DeliveryJob{}, outbound.ErrNotFound
		}
		return domain.DeliveryJob{ID: jobID, State: domain.JobStateQueued}, nil
	}

	rec := do(t, h, http.MethodPost, "/v1/dead-letters/"+dlID.String()+"/requeue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), jobID.String()) {
		t.Errorf("expected job id in body, got %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/v1/dead-letters/"+uuid.NewString()+"/requeue", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestGetWebhookDelivery(t *testing.T) {
	h, deps := newTestHandler()
	id := uuid.New()
	next := time.Now().Add(time.Minute)
	deps.webhooks.getFn = func(_ context.Context, got uuid.UUID) (domain.WebhookDelivery, error) {
		return domain.WebhookDelivery{ID: got, Event: domain.EventType("message.received"), Status: domain.WebhookDeliveryFailed, Attempts: 2, NextAttemptAt: &next}, nil
	}

	rec := do(t, h, http.MethodGet, "/v1/webhook-deliveries/"+id.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp WebhookDeliveryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != id.String() || resp.Status != "failed" || resp.NextAttemptAt == nil {
		t.Errorf("unexpected delivery: %+v", resp)
	}
}

func TestRetryWebhookDelivery(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "accepted", status: http.StatusAccepted},
		{name: "not exhausted", err: webhook.ErrNotRetryable, status: http.StatusConflict},
		{name: "already succeeded", err: webhook.ErrStatusTransitionDenied, status: http.StatusConflict},
		{name: "unknown", err: webhook.ErrNotFound, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, deps := newTestHandler()
			deps.webhooks.retryFn = func(_ context.Context, id uuid.UUID) (domain.WebhookDelivery, error) {
				if tt.err != nil {
					return domain.WebhookDelivery{}, tt.err
				}
				return domain.WebhookDelivery{ID: id, Status: domain.WebhookDeliveryPending}, nil
			}
			rec := do(t, h, http.MethodPost, "/v1/webhook-deliveries/"+uuid.NewString()+"/retry", "")
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateSession(t *testing.T) {
	h, deps := newTestHandler()

	rec := do(t, h, http.MethodPost, "/v1/sessions", `{"id":"s1","tenant_id":"t1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "s1" || resp.TenantID != "t1" || resp.State != "connecting" {
		t.Errorf("unexpected session: %+v", resp)
	}
	if !deps.sessions.lastReq.AutoReconnect {
		t.Error("expected auto_reconnect to default to true")
	}

	rec = do(t, h, http.MethodPost, "/v1/sessions", `{"id":"s1","tenant_id":"t1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}
}

func TestCreateSession_AutoReconnectFalse(t *testing.T) {
	h, deps := newTestHandler()
	rec := do(t, h, http.MethodPost, "/v1/sessions", `{"id":"s1","tenant_id":"t1","auto_reconnect":false}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if deps.sessions.lastReq.AutoReconnect {
		t.Error("expected auto_reconnect false")
	}
}

func TestCreateSession_BadRequest(t *testing.T) {
	h, deps := newTestHandler()
	for _, body := range []string{`{`, `{"id":"s1"}`, `{"id":"a:b","tenant_id":"t1"}`} {
		rec := do(t, h, http.MethodPost, "/v1/sessions", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
	if calls := deps.sessions.Calls(); len(calls) != 0 {
		t.Errorf("manager should not be called, got %v", calls)
	}
}

func TestGetSession(t *testing.T) {
	h, deps := newTestHandler()
	deps.sessions.sessions["s1"] = domain.Session{ID: "s1", TenantID: "t1", State: domain.StateConnected}

	rec := do(t, h, http.MethodGet, "/v1/sessions/s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/v1/sessions/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSendMessage_Queued(t *testing.T) {
	h, deps := newTestHandler()
	jobID := uuid.New()
	deps.sessions.sendOut = session.SendOutcome{JobID: &jobID}

	rec := do(t, h, http.MethodPost, "/v1/sessions/s1/messages", `{"recipient":"r1","payload":{"text":"hi"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), jobID.String()) {
		t.Errorf("expected job id in body, got %s", rec.Body.String())
	}
	if deps.sessions.lastSend.recipient != "r1" || deps.sessions.lastSend.urgent {
		t.Errorf("unexpected send: %+v", deps.sessions.lastSend)
	}
}

func TestSendMessage_Urgent(t *testing.T) {
	h, deps := newTestHandler()
	deps.sessions.sendOut = session.SendOutcome{Result: &domain.SendResult{MessageID: "m1"}}

	rec := do(t, h, http.MethodPost, "/v1/sessions/s1/messages", `{"recipient":"r1","payload":{"text":"hi"},"urgent":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !deps.sessions.lastSend.urgent {
		t.Error("expected urgent send")
	}
	if !strings.Contains(rec.Body.String(), `"message_id":"m1"`) {
		t.Errorf("expected send result in body, got %s", rec.Body.String())
	}
}

func TestSessionActions(t *testing.T) {
	tests := []struct {
		method string
		path   string
		call   string
		status int
	}{
		{http.MethodPost, "/v1/sessions/s1/disconnect", "disconnect:s1", http.StatusNoContent},
		{http.MethodPost, "/v1/sessions/s1/reconnect", "reconnect:s1", http.StatusOK},
		{http.MethodPost, "/v1/sessions/s1/logout", "logout:s1", http.StatusNoContent},
		{http.MethodDelete, "/v1/sessions/s1", "delete:s1", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			h, deps := newTestHandler()
			rec := do(t, h, tt.method, tt.path, "")
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			calls := deps.sessions.Calls()
			if len(calls) != 1 || calls[0] != tt.call {
				t.Errorf("expected call %q, got %v", tt.call, calls)
			}
		})
	}
}

func TestSessionErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{session.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{outbound.Permanent(session.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{session.ErrNotConnected, http.StatusConflict, CodeNotConnected},
		{fmt.Errorf("send: %w", session.ErrNotConnected), http.StatusConflict, CodeNotConnected},
		{session.ErrClosed, http.StatusServiceUnavailable, CodeUnavailable},
		{errors.New("lock service down"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h, deps := newTestHandler()
			deps.sessions.err = tt.err
			rec := do(t, h, http.MethodPost, "/v1/sessions/s1/disconnect", "")
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if resp := decodeError(t, rec); resp.Code != tt.code {
				t.Errorf("expected code %q, got %q", tt.code, resp.Code)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	h, deps := newTestHandler()
	deps.queue.statsFn = func(context.Context) (outbound.Stats, error) {
		panic("boom")
	}
	rec := do(t, h, http.MethodGet, "/v1/queue/stats", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != CodeInternal {
		t.Errorf("expected code %q, got %q", CodeInternal, resp.Code)
	}
}
