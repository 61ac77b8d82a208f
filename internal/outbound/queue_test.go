package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/testutil"
)

type mockSender struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockSender) SendNow(_ context.Context, sessionID, recipient string, payload json.RawMessage) (domain.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, recipient)
	if m.err != nil {
		return domain.SendResult{}, m.err
	}
	return domain.SendResult{MessageID: "wamid-" + recipient, Timestamp: time.Unix(0, 0)}, nil
}

func (m *mockSender) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockSender) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type mockMetrics struct {
	mu       sync.Mutex
	enqueued int
	outcomes map[string]int
	depth    [3]int
}

func (m *mockMetrics) JobEnqueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued++
}

func (m *mockMetrics) JobAttemptCompleted(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[outcome]++
}

func (m *mockMetrics) QueueDepthSet(queued, active, dead int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth = [3]int{queued, active, dead}
}

func newTestQueue(t *testing.T) (*Queue, *MemoryStore, *mockSender, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore()
	sender := &mockSender{}
	q := New(DefaultConfig(), store, sender).WithClock(clock.Now)
	return q, store, sender, clock
}

func job(recipient string) NewJob {
	return NewJob{
		TenantID:  "t1",
		SessionID: "s1",
		Recipient: recipient,
		Payload:   json.RawMessage(`{"text":"hello ` + recipient + `"}`),
	}
}

func TestProcess_PriorityFirst(t *testing.T) {
	q, _, sender, _ := newTestQueue(t)
	ctx := testutil.TestContext(t)

	for i, p := range []int{0, 5, 0} {
		if _, err := q.Enqueue(ctx, job(fmt.Sprintf("r%d", i)), p); err != nil {
			t.Fatal(err)
		}
	}
	for q.processOne(ctx) {
	}

	got := sender.recipients()
	want := []string{"r1", "r0", "r2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("dispatch order = %v, want %v", got, want)
	}
}

func TestProcess_Success_StatusHasResult(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := testutil.TestContext(t)

	id, _ := q.Enqueue(ctx, job("r"), 0)
	q.processOne(ctx)

	st, err := q.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.JobStateCompleted || st.Attempts != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Result == nil || st.Result.MessageID != "wamid-r" {
		t.Fatalf("expected result, got %+v", st.Result)
	}
}

func TestProcess_RetriesWithIncreasingDelayThenDeadLetters(t *testing.T) {
	q, store, sender, clock := newTestQueue(t)
	ctx := testutil.TestContext(t)
	sender.setErr(errors.New("session not connected"))

	id, _ := q.Enqueue(ctx, job("r"), 0)

	var delays []time.Duration
	for attempt := 1; attempt < 5; attempt++ {
		if !q.processOne(ctx) {
			t.Fatalf("attempt %d: expected a due job", attempt)
		}
		j, _ := store.Get(ctx, id)
		if j.State != domain.JobStateQueued || j.Attempts != attempt {
			t.Fatalf("attempt %d: unexpected job %+v", attempt, j)
		}
		delay := j.NextRunAt.Sub(clock.Now())
		delays = append(delays, delay)

		if q.processOne(ctx) {
			t.Fatalf("attempt %d: job must not run before its backoff", attempt)
		}
		clock.Advance(delay)
	}

	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("delays not strictly increasing: %v", delays)
		}
	}
	if delays[0] != 3*time.Second {
		t.Fatalf("first delay = %v, want 3s", delays[0])
	}

	q.processOne(ctx)
	j, _ := store.Get(ctx, id)
	if j.State != domain.JobStateDead {
		t.Fatalf("expected dead after 5 attempts, got %s", j.State)
	}

	dls, _ := q.DeadLetters(ctx, 10)
	if len(dls) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dls))
	}
	dl := dls[0]
	if string(dl.Job.Payload) != `{"text":"hello r"}` || dl.Job.Recipient != "r" {
		t.Fatalf("payload not preserved: %+v", dl.Job)
	}
	if dl.Error != "session not connected" || dl.Stack == "" || dl.FailedAt.IsZero() {
		t.Fatalf("failure metadata missing: %+v", dl)
	}
	if dl.Job.Attempts != 5 {
		t.Fatalf("expected 5 attempts recorded, got %d", dl.Job.Attempts)
	}
}

func TestProcess_PermanentErrorSkipsRetries(t *testing.T) {
	q, store, sender, _ := newTestQueue(t)
	ctx := testutil.TestContext(t)
	sender.setErr(Permanent(errors.New("unsupported recipient")))

	id, _ := q.Enqueue(ctx, job("r"), 0)
	q.processOne(ctx)

	j, _ := store.Get(ctx, id)
	if j.State != domain.JobStateDead || j.Attempts != 1 {
		t.Fatalf("expected dead after one attempt, got %+v", j)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	q, store, sender, _ := newTestQueue(t)
	ctx := testutil.TestContext(t)
	sender.setErr(Permanent(errors.New("auth revoked")))

	id, _ := q.Enqueue(ctx, job("r"), 0)
	q.processOne(ctx)
	dls, _ := q.DeadLetters(ctx, 10)

	sender.setErr(nil)
	j, err := q.RequeueDeadLetter(ctx, dls[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if j.ID != id || j.State != domain.JobStateQueued || j.Attempts != 0 {
		t.Fatalf("unexpected requeued job %+v", j)
	}
	q.processOne(ctx)
	if got, _ := store.Get(ctx, id); got.State != domain.JobStateCompleted {
		t.Fatalf("expected completed after requeue, got %s", got.State)
	}
	if _, err := q.RequeueDeadLetter(ctx, dls[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second requeue, got %v", err)
	}
}

func TestStats_ReportsDepth(t *testing.T) {
	q, _, sender, _ := newTestQueue(t)
	sink := &mockMetrics{}
	q.WithMetrics(sink)
	ctx := testutil.TestContext(t)

	sender.setErr(Permanent(errors.New("bad")))
	_, _ = q.Enqueue(ctx, job("a"), 0)
	q.processOne(ctx)
	_, _ = q.Enqueue(ctx, job("b"), 0)
	_, _ = q.Enqueue(ctx, job("c"), 0)

	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st != (Stats{Queued: 2, Active: 0, Dead: 1}) {
		t.Fatalf("unexpected stats %+v", st)
	}
	if sink.depth != [3]int{2, 0, 1} {
		t.Fatalf("gauges not updated: %v", sink.depth)
	}
	if sink.enqueued != 3 || sink.outcomes["dead"] != 1 {
		t.Fatalf("unexpected counters: enqueued=%d outcomes=%v", sink.enqueued, sink.outcomes)
	}
}

func TestRequeueStale(t *testing.T) {
	q, store, _, clock := newTestQueue(t)
	ctx := testutil.TestContext(t)

	id, _ := q.Enqueue(ctx, job("r"), 0)
	if _, ok, _ := store.Claim(ctx, clock.Now()); !ok {
		t.Fatal("claim failed")
	}
	clock.Advance(10 * time.Minute)

	n, err := q.RequeueStale(ctx, clock.Now().Add(-5*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RequeueStale = %d, %v", n, err)
	}
	if j, _ := store.Get(ctx, id); j.State != domain.JobStateQueued {
		t.Fatalf("expected queued, got %s", j.State)
	}
}

func TestProcess_RetryStampsQueueClock(t *testing.T) {
	q, store, sender, clock := newTestQueue(t)
	ctx := testutil.TestContext(t)
	sender.setErr(errors.New("timeout"))

	id, _ := q.Enqueue(ctx, job("r"), 0)
	clock.Advance(time.Hour)
	if !q.processOne(ctx) {
		t.Fatal("expected a due job")
	}

	j, _ := store.Get(ctx, id)
	if !j.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("UpdatedAt = %v, want queue clock %v", j.UpdatedAt, clock.Now())
	}
}

func TestStatus_NotFound(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	if _, err := q.Status(testutil.TestContext(t), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBackoff_Capped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = 5 * time.Second
	q := New(cfg, NewMemoryStore(), &mockSender{})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := q.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRun_WorkersDrainQueue(t *testing.T) {
	store := NewMemoryStore()
	sender := &mockSender{}
	cfg := DefaultConfig()
	cfg.Workers = 3
	cfg.PollInterval = 10 * time.Millisecond
	q := New(cfg, store, sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	for i := 0; i < 20; i++ {
		_, _ = q.Enqueue(ctx, job(fmt.Sprintf("r%d", i)), 0)
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		st, _ := store.Stats(context.Background())
		return st.Queued == 0 && st.Active == 0
	}, "all jobs processed")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if got := len(sender.recipients()); got != 20 {
		t.Fatalf("expected 20 sends, got %d", got)
	}
}

func TestLimiter_PerSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RatePerSession = 1
	q := New(cfg, NewMemoryStore(), &mockSender{})

	if q.limiter("a") != q.limiter("a") {
		t.Fatal("same session should share a limiter")
	}
	if q.limiter("a") == q.limiter("b") {
		t.Fatal("sessions must not share a limiter")
	}
	q.Forget("a")
	if len(q.limiters) != 1 {
		t.Fatalf("expected 1 limiter left, got %d", len(q.limiters))
	}
}

func TestPruneLimiters_DropsRefilled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RatePerSession = 2
	cfg.Burst = 4
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := New(cfg, NewMemoryStore(), &mockSender{}).WithClock(clock.Now)

	q.limiter("idle")
	clock.Advance(time.Second)
	q.limiter("busy")

	// Burst 4 at 2/s refills in 2s.
	clock.Advance(500 * time.Millisecond)
	q.pruneLimiters(clock.Now())
	if len(q.limiters) != 2 {
		t.Fatalf("nothing has refilled yet, got %d limiters", len(q.limiters))
	}

	clock.Advance(time.Second)
	q.pruneLimiters(clock.Now())
	if _, ok := q.limiters["idle"]; ok {
		t.Fatal("idle limiter should be pruned")
	}
	if _, ok := q.limiters["busy"]; !ok {
		t.Fatal("recently used limiter must be kept")
	}
}

func TestHandleEvent_ForgetsRemovedSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RatePerSession = 1
	q := New(cfg, NewMemoryStore(), &mockSender{})
	for _, id := range []string{"deleted", "loggedout", "dropped"} {
		q.limiter(id)
	}

	q.HandleEvent(context.Background(), domain.Event{Type: domain.EventDisconnected, SessionID: "deleted", Data: map[string]any{"reason": "deleted"}})
	q.HandleEvent(context.Background(), domain.Event{Type: domain.EventDisconnected, SessionID: "loggedout", Data: map[string]any{"reason": "logout"}})
	q.HandleEvent(context.Background(), domain.Event{Type: domain.EventDisconnected, SessionID: "dropped", Data: map[string]any{"reason": "manual"}})
	q.HandleEvent(context.Background(), domain.Event{Type: domain.EventConnected, SessionID: "dropped"})

	if len(q.limiters) != 1 {
		t.Fatalf("expected 1 limiter left, got %d", len(q.limiters))
	}
	if _, ok := q.limiters["dropped"]; !ok {
		t.Fatal("a manual disconnect keeps its pacing state")
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("x")
	err := fmt.Errorf("wrap: %w", Permanent(base))
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Fatal("Permanent must survive wrapping and unwrap to its cause")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	if IsPermanent(base) {
		t.Fatal("plain errors are transient")
	}
}
