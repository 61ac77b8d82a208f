package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

type cmdKind int

const (
	cmdSend cmdKind = iota
	cmdDisconnect
	cmdLogout
	// cmdShutdown closes the connection without touching persisted state.
	cmdShutdown
)

type command struct {
	kind      cmdKind
	ctx       context.Context
	recipient string
	payload   json.RawMessage
	reply     chan reply
}

type reply struct {
	result domain.SendResult
	err    error
}

// Actor owns one live connection. Only its goroutine touches the Conn's
// write side; everything else talks to it through the mailbox.
type Actor struct {
	m    *Manager
	conn Conn
	cmds chan command
	done chan struct{}

	mu      sync.Mutex
	session domain.Session
}

func newActor(m *Manager, s domain.Session, conn Conn) *Actor {
	return &Actor{
		m:       m,
		conn:    conn,
		cmds:    make(chan command),
		done:    make(chan struct{}),
		session: s,
	}
}

// Session returns the actor's current snapshot.
func (a *Actor) Session() domain.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Done is closed when the actor has exited.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

func (a *Actor) do(ctx context.Context, cmd command) reply {
	cmd.ctx = ctx
	cmd.reply = make(chan reply, 1)
	select {
	case a.cmds <- cmd:
	case <-a.done:
		return reply{err: ErrNotConnected}
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
}

// update applies fn to the snapshot and returns the state before and after.
func (a *Actor) update(fn func(s *domain.Session)) (domain.ConnectionState, domain.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	from := a.session.State
	fn(&a.session)
	a.session.UpdatedAt = a.m.clock()
	return from, a.session
}

func (a *Actor) run() {
	defer close(a.done)
	events := a.conn.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				a.exit()
				a.m.handleClose(a.Session(), ReasonGeneric)
				return
			}
			if ev.Kind == ConnClose {
				_ = a.conn.Close()
				a.exit()
				a.m.handleClose(a.Session(), ev.Reason)
				return
			}
			a.handleEvent(ev)
		case cmd := <-a.cmds:
			if a.handleCommand(cmd) {
				return
			}
		}
	}
}

func (a *Actor) exit() {
	a.m.registry.Remove(a.Session().ID, a)
	a.m.updateLive()
}

func (a *Actor) handleEvent(ev ConnEvent) {
	switch ev.Kind {
	case ConnQR:
		from, s := a.update(func(s *domain.Session) { s.State = domain.StateQRRequired })
		a.m.persist(from, s, map[string]any{"qr": ev.QR})
	case ConnOpen:
		from, s := a.update(func(s *domain.Session) {
			s.State = domain.StateConnected
			s.LastActive = a.m.clock()
		})
		a.m.persist(from, s, nil)
	case ConnMessage:
		a.m.dispatchInbound(a.Session(), a.conn, ev.Raw)
	}
}

// handleCommand reports whether the actor should exit.
func (a *Actor) handleCommand(cmd command) bool {
	switch cmd.kind {
	case cmdSend:
		if a.Session().State != domain.StateConnected {
			cmd.reply <- reply{err: ErrNotConnected}
			return false
		}
		res, err := a.conn.Send(cmd.ctx, cmd.recipient, cmd.payload)
		if err == nil {
			a.update(func(s *domain.Session) { s.LastActive = a.m.clock() })
		}
		cmd.reply <- reply{result: res, err: err}
		return false

	case cmdDisconnect:
		_ = a.conn.Close()
		a.exit()
		from, s := a.update(func(s *domain.Session) {
			s.State = domain.StateDisconnected
			s.ManuallyDisconnected = true
		})
		a.m.persist(from, s, map[string]any{"reason": "manual"})
		cmd.reply <- reply{}
		return true

	case cmdLogout:
		err := a.conn.Logout(cmd.ctx)
		_ = a.conn.Close()
		a.exit()
		a.m.clearCredentials(a.Session().ID)
		from, s := a.update(func(s *domain.Session) {
			s.State = domain.StateDisconnected
			s.ManuallyDisconnected = true
		})
		a.m.persist(from, s, map[string]any{"reason": "logout"})
		cmd.reply <- reply{err: err}
		return true

	case cmdShutdown:
		_ = a.conn.Close()
		a.exit()
		cmd.reply <- reply{}
		return true
	}
	return false
}
