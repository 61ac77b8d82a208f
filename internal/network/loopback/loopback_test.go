package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/void0-space/newton-backend-sub000/internal/conversation"
	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/session"
)

func next(t *testing.T, c session.Conn) session.ConnEvent {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection event")
		return session.ConnEvent{}
	}
}

func connect(t *testing.T, n *Network, id string) session.Conn {
	t.Helper()
	c, err := n.Connect(context.Background(), domain.Session{ID: id, TenantID: "t1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ev := next(t, c); ev.Kind != session.ConnOpen {
		t.Fatalf("expected ConnOpen first, got %v", ev.Kind)
	}
	return c
}

func TestConnect_OpensImmediately(t *testing.T) {
	n := New()
	connect(t, n, "s1")
	if !n.Connected("s1") {
		t.Error("expected s1 connected")
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Connect(ctx, domain.Session{ID: "s1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConnect_ReplacesPrevious(t *testing.T) {
	n := New()
	first := connect(t, n, "s1")
	connect(t, n, "s1")

	ev := next(t, first)
	if ev.Kind != session.ConnClose || ev.Reason != session.ReasonAuthConflict {
		t.Fatalf("expected auth conflict close on replaced conn, got %+v", ev)
	}
	_ = first.Close()
	if !n.Connected("s1") {
		t.Error("closing the replaced conn must not unregister the new one")
	}
}

func TestInject(t *testing.T) {
	n := New()
	c := connect(t, n, "s1")

	id, err := n.Inject(context.Background(), "s1", "peer-a", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	ev := next(t, c)
	if ev.Kind != session.ConnMessage || ev.Raw.ID != id || ev.Raw.Peer != "peer-a" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	msg, err := c.Decrypt(context.Background(), ev.Raw)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if msg.ID != id || string(msg.Payload) != `{"text":"hi"}` {
		t.Errorf("unexpected message: %+v", msg)
	}

	if _, err := n.Inject(context.Background(), "missing", "p", json.RawMessage(`1`)); !errors.Is(err, ErrNoConnection) {
		t.Errorf("expected ErrNoConnection, got %v", err)
	}
}

func TestDecrypt_InvalidPayload(t *testing.T) {
	n := New()
	c := connect(t, n, "s1")
	if _, err := c.Decrypt(context.Background(), session.RawMessage{ID: "m1", Data: []byte("{")}); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestSend_DeliversToLoopbackPeer(t *testing.T) {
	n := New()
	a := connect(t, n, "a")
	b := connect(t, n, "b")

	res, err := a.Send(context.Background(), "b", json.RawMessage(`"ping"`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID == "" || res.Timestamp.IsZero() {
		t.Errorf("expected populated result, got %+v", res)
	}
	ev := next(t, b)
	if ev.Kind != session.ConnMessage || ev.Raw.Peer != "a" || ev.Raw.ID != res.MessageID {
		t.Fatalf("unexpected event at peer: %+v", ev)
	}
}

func TestSend_ExternalRecipient(t *testing.T) {
	n := New()
	a := connect(t, n, "a")
	if _, err := a.Send(context.Background(), "+15550100", json.RawMessage(`1`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSend_AfterClose(t *testing.T) {
	n := New()
	a := connect(t, n, "a")
	_ = a.Close()
	_ = a.Close()
	if _, err := a.Send(context.Background(), "x", json.RawMessage(`1`)); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
	if n.Connected("a") {
		t.Error("expected closed conn unregistered")
	}
}

func TestDrop(t *testing.T) {
	n := New()
	c := connect(t, n, "s1")
	if err := n.Drop("s1", session.ReasonIdleTimeout); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	ev := next(t, c)
	if ev.Kind != session.ConnClose || ev.Reason != session.ReasonIdleTimeout {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if err := n.Drop("missing", session.ReasonGeneric); !errors.Is(err, ErrNoConnection) {
		t.Errorf("expected ErrNoConnection, got %v", err)
	}
}

func TestManagerEndToEnd(t *testing.T) {
	n := New()
	store := session.NewMemoryStore()
	m := session.New(session.DefaultConfig(), store, n, directConversations{}, store)
	defer m.Close(context.Background())

	ctx := context.Background()
	if _, err := m.Create(ctx, session.CreateRequest{ID: "s1", TenantID: "t1", AutoReconnect: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := m.Get(ctx, "s1")
		if err == nil && s.State == domain.StateConnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never connected: %+v %v", s, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := n.Inject(ctx, "s1", "peer", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	for len(store.Messages("s1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("inbound message never stored")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// directConversations runs tasks inline.
type directConversations struct{}

func (directConversations) Submit(_ domain.ConversationKey, task conversation.Task) error {
	return task(context.Background())
}
