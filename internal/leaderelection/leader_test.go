package leaderelection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/void0-space/newton-backend-sub000/internal/testutil"
)

type fakeLease struct {
	pingErr  atomic.Value
	released atomic.Bool
}

func (l *fakeLease) Ping(context.Context) error {
	if v := l.pingErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (l *fakeLease) Release(context.Context) error {
	l.released.Store(true)
	return nil
}

type mockMetrics struct {
	mu       sync.Mutex
	acquired int
	lost     []string
}

func (m *mockMetrics) LeaderStatusChanged(bool) {}

func (m *mockMetrics) LeaderAcquired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
}

func (m *mockMetrics) LeaderLost(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, reason)
}

func (m *mockMetrics) lostReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lost...)
}

func TestKeyFromName_Stable(t *testing.T) {
	if KeyFromName("newton-leader") != KeyFromName("newton-leader") {
		t.Error("key should be deterministic")
	}
	if KeyFromName("a") == KeyFromName("b") {
		t.Error("different names should map to different keys")
	}
}

func TestElector_FollowerNeverElected(t *testing.T) {
	var attempts atomic.Int32
	tryLock := func(context.Context, int64) (lease, error) {
		attempts.Add(1)
		return nil, nil
	}
	var elected atomic.Bool
	e := newElector(tryLock, 1, 5*time.Millisecond, 5*time.Millisecond,
		func(context.Context) { elected.Store(true) }, func() {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	testutil.Eventually(t, time.Second, func() bool { return attempts.Load() >= 3 }, "follower keeps retrying")
	cancel()
	<-done

	if elected.Load() {
		t.Error("follower should not be elected")
	}
}

func TestElector_LeaderDemotedOnShutdown(t *testing.T) {
	l := &fakeLease{}
	m := &mockMetrics{}
	var leaderCtxDone atomic.Bool
	var demoted atomic.Int32

	e := newElector(func(context.Context, int64) (lease, error) { return l, nil }, 1, time.Hour, 5*time.Millisecond,
		func(ctx context.Context) {
			<-ctx.Done()
			leaderCtxDone.Store(true)
		},
		func() { demoted.Add(1) },
	).WithMetrics(m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	testutil.Eventually(t, time.Second, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.acquired == 1
	}, "leadership acquired")
	cancel()
	<-done

	if demoted.Load() != 1 {
		t.Errorf("onDemoted called %d times, want 1", demoted.Load())
	}
	if !l.released.Load() {
		t.Error("lease not released")
	}
	testutil.Eventually(t, time.Second, leaderCtxDone.Load, "leader context cancelled")
	if got := m.lostReasons(); len(got) != 1 || got[0] != "shutdown" {
		t.Errorf("lost reasons = %v", got)
	}
}

func TestElector_ConnLostTriggersReelection(t *testing.T) {
	first := &fakeLease{}
	first.pingErr.Store(errors.New("connection reset"))
	second := &fakeLease{}

	var calls atomic.Int32
	tryLock := func(context.Context, int64) (lease, error) {
		if calls.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}
	m := &mockMetrics{}
	e := newElector(tryLock, 1, 5*time.Millisecond, 5*time.Millisecond,
		func(ctx context.Context) {}, func() {}).WithMetrics(m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	testutil.Eventually(t, time.Second, func() bool { return calls.Load() >= 2 }, "re-election after conn loss")
	cancel()
	<-done

	reasons := m.lostReasons()
	if len(reasons) == 0 || reasons[0] != "conn_lost" {
		t.Errorf("lost reasons = %v, want conn_lost first", reasons)
	}
	if !first.released.Load() {
		t.Error("lost lease should still be released")
	}
}
