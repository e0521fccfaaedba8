package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/torosent/crankswarm/internal/protocol"
	"github.com/torosent/crankswarm/internal/runner"
	"github.com/torosent/crankswarm/internal/transport"
	"github.com/torosent/crankswarm/internal/user"
)

type inboundMsg struct {
	from string
	env  protocol.Envelope
	err  error
}

type sentMsg struct {
	to  string
	env protocol.Envelope
}

// fakeListener is an in-memory Listener.
type fakeListener struct {
	in   chan inboundMsg
	done chan struct{}

	mu     sync.Mutex
	sent   []sentMsg
	closed bool
}

func newFakeListener() *fakeListener {
	return &fakeListener{in: make(chan inboundMsg, 64), done: make(chan struct{})}
}

func (f *fakeListener) Recv(ctx context.Context) (string, protocol.Envelope, error) {
	select {
	case m := <-f.in:
		return m.from, m.env, m.err
	case <-f.done:
		return "", protocol.Envelope{}, transport.ErrClosed
	case <-ctx.Done():
		return "", protocol.Envelope{}, ctx.Err()
	}
}

func (f *fakeListener) SendTo(_ context.Context, id string, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, sentMsg{to: id, env: env})
	return nil
}

func (f *fakeListener) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeListener) deliver(from string, env protocol.Envelope) {
	f.in <- inboundMsg{from: from, env: env}
}

func (f *fakeListener) sentOf(typ protocol.MessageType) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if m.env.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeListener) resetSent() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

// fakeConn is an in-memory worker Conn.
type fakeConn struct {
	in chan protocol.Envelope

	mu     sync.Mutex
	sent   []protocol.Envelope
	resets int
	closed bool
	onSend func(protocol.Envelope)
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan protocol.Envelope, 16)}
}

func (f *fakeConn) Send(_ context.Context, env protocol.Envelope) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	f.sent = append(f.sent, env)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return nil
}

func (f *fakeConn) setOnSend(fn func(protocol.Envelope)) {
	f.mu.Lock()
	f.onSend = fn
	f.mu.Unlock()
}

func (f *fakeConn) Recv(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-f.in:
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (f *fakeConn) Reset(context.Context) error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) types() []protocol.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(f.sent))
	for _, env := range f.sent {
		if env.Type != protocol.TypeHeartbeat {
			out = append(out, env.Type)
		}
	}
	return out
}

func (f *fakeConn) last(typ protocol.MessageType) (protocol.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == typ {
			return f.sent[i], true
		}
	}
	return protocol.Envelope{}, false
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func idleClass(name string, weight int) *user.Class {
	return &user.Class{
		Name:   name,
		Weight: weight,
		Wait:   user.Constant(5 * time.Millisecond),
		Jobs: []user.Job{{Name: "idle", Run: func(context.Context, *user.Session) error {
			return nil
		}}},
	}
}

func fastRunnerOptions() runner.Options {
	return runner.Options{StopTimeout: time.Second, QuitGrace: 100 * time.Millisecond}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
