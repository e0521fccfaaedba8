package cluster

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/torosent/crankswarm/internal/protocol"
	"github.com/torosent/crankswarm/internal/runner"
	"github.com/torosent/crankswarm/internal/transport"
	"github.com/torosent/crankswarm/internal/user"
)

func newTestWorker(t *testing.T, classes ...*user.Class) (*Worker, *fakeConn) {
	t.Helper()
	if len(classes) == 0 {
		classes = []*user.Class{idleClass("A", 1)}
	}
	conn := newFakeConn()
	w, err := NewWorker(context.Background(), classes, "node-1", conn, WorkerOptions{
		Runner:            fastRunnerOptions(),
		HeartbeatInterval: 10 * time.Millisecond,
		CPUUsage:          func() float64 { return 12.5 },
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	t.Cleanup(func() { _ = w.Quit(context.Background()) })
	return w, conn
}

func sendStart(t *testing.T, conn *fakeConn, count int, rate float64) {
	t.Helper()
	env, err := protocol.StartMessage("node-1", protocol.Start{UserCount: count, Rate: rate, Host: "http://target"})
	if err != nil {
		t.Fatalf("StartMessage: %v", err)
	}
	conn.in <- env
}

func TestWorkerAnnouncesReadyAndHeartbeats(t *testing.T) {
	_, conn := newTestWorker(t)

	types := conn.types()
	if len(types) == 0 || types[0] != protocol.TypeReady {
		t.Fatalf("first message should be ready, got %v", types)
	}
	eventually(t, "heartbeat", func() bool {
		_, ok := conn.last(protocol.TypeHeartbeat)
		return ok
	})
	env, _ := conn.last(protocol.TypeHeartbeat)
	hb, err := protocol.ParseHeartbeat(env)
	if err != nil {
		t.Fatalf("ParseHeartbeat: %v", err)
	}
	if hb.State != string(runner.StateInit) || hb.CPUUsage != 12.5 {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}
}

func TestWorkerStartSpawnsShareAndReportsComplete(t *testing.T) {
	w, conn := newTestWorker(t)
	sendStart(t, conn, 3, 3)

	eventually(t, "start complete", func() bool {
		_, ok := conn.last(protocol.TypeStartComplete)
		return ok
	})
	env, _ := conn.last(protocol.TypeStartComplete)
	if got := protocol.UserCount(env); got != 3 {
		t.Fatalf("expected start complete with 3 users, got %d", got)
	}
	if w.UserCount() != 3 {
		t.Fatalf("expected 3 running users, got %d", w.UserCount())
	}
	if w.Host() != "http://target" {
		t.Fatalf("start should apply host, got %q", w.Host())
	}
	eventually(t, "reported running", func() bool { return w.ReportedState() == runner.StateRunning })

	types := conn.types()
	var sawStarting bool
	for _, typ := range types {
		if typ == protocol.TypeStarting {
			sawStarting = true
		}
		if typ == protocol.TypeStartComplete && !sawStarting {
			t.Fatalf("starting must precede start complete: %v", types)
		}
	}
}

func TestWorkerReportsRunningBeforeStartComplete(t *testing.T) {
	w, conn := newTestWorker(t)
	stateAtSend := make(chan runner.State, 1)
	conn.setOnSend(func(env protocol.Envelope) {
		if env.Type != protocol.TypeStartComplete {
			return
		}
		select {
		case stateAtSend <- w.ReportedState():
		default:
		}
	})
	sendStart(t, conn, 2, 2)

	select {
	case s := <-stateAtSend:
		if s != runner.StateRunning {
			t.Fatalf("heartbeats would report %q while start complete is sent", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for start complete")
	}
}

func TestWorkerZeroShareReportsEmptyComplete(t *testing.T) {
	w, conn := newTestWorker(t)
	sendStart(t, conn, 0, 0)

	eventually(t, "start complete", func() bool {
		_, ok := conn.last(protocol.TypeStartComplete)
		return ok
	})
	env, _ := conn.last(protocol.TypeStartComplete)
	if got := protocol.UserCount(env); got != 0 {
		t.Fatalf("expected empty start complete, got %d", got)
	}
	if w.UserCount() != 0 {
		t.Fatalf("expected no users, got %d", w.UserCount())
	}
}

func TestWorkerStopReturnsToReady(t *testing.T) {
	w, conn := newTestWorker(t)
	sendStart(t, conn, 2, 2)
	eventually(t, "users running", func() bool { return w.UserCount() == 2 })

	conn.in <- protocol.Signal(protocol.TypeStop, "node-1")
	eventually(t, "ready after stop", func() bool {
		types := conn.types()
		n := len(types)
		return n >= 2 && types[n-2] == protocol.TypeStopped && types[n-1] == protocol.TypeReady
	})
	if w.UserCount() != 0 {
		t.Fatalf("stop must end every user, got %d", w.UserCount())
	}
	if w.State() != runner.StateInit || w.ReportedState() != runner.StateInit {
		t.Fatalf("expected init after stop, got %s/%s", w.State(), w.ReportedState())
	}
}

func TestWorkerForwardsRequestsAsStats(t *testing.T) {
	class := &user.Class{
		Name:   "reporter",
		Weight: 1,
		Wait:   user.Constant(5 * time.Millisecond),
		Jobs: []user.Job{{Name: "get", Run: func(ctx context.Context, s *user.Session) error {
			s.Record(ctx, "/items", "GET", 7*time.Millisecond, 42, nil)
			return nil
		}}},
	}
	_, conn := newTestWorker(t, class)
	sendStart(t, conn, 1, 1)

	eventually(t, "stats report", func() bool {
		_, ok := conn.last(protocol.TypeStats)
		return ok
	})
	env, _ := conn.last(protocol.TypeStats)
	st, err := protocol.ParseStats(env)
	if err != nil {
		t.Fatalf("ParseStats: %v", err)
	}
	if st.RequestName != "/items" || st.RequestMethod != "GET" || st.ResponseTimeMs != 7 || st.ResponseLength != 42 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestWorkerForwardsUserErrors(t *testing.T) {
	class := &user.Class{
		Name:   "broken",
		Weight: 1,
		Wait:   user.Constant(time.Millisecond),
		Jobs: []user.Job{{Name: "fail", Run: func(context.Context, *user.Session) error {
			return errors.New("kaput")
		}}},
	}
	_, conn := newTestWorker(t, class)
	sendStart(t, conn, 1, 1)

	eventually(t, "error report", func() bool {
		_, ok := conn.last(protocol.TypeError)
		return ok
	})
	env, _ := conn.last(protocol.TypeError)
	ue, err := protocol.ParseUserError(env)
	if err != nil {
		t.Fatalf("ParseUserError: %v", err)
	}
	if !strings.Contains(ue.Error, "kaput") {
		t.Fatalf("unexpected error text %q", ue.Error)
	}
}

func TestWorkerQuitOnRequest(t *testing.T) {
	w, conn := newTestWorker(t)
	sendStart(t, conn, 2, 2)
	eventually(t, "users running", func() bool { return w.UserCount() == 2 })

	conn.in <- protocol.Signal(protocol.TypeQuit, "node-1")
	select {
	case <-w.Quitted():
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not quit")
	}
	if _, ok := conn.last(protocol.TypeQuitted); !ok {
		t.Fatalf("expected quitted announcement")
	}
	eventually(t, "connection closed", conn.isClosed)
	if w.UserCount() != 0 {
		t.Fatalf("quit must stop every user, got %d", w.UserCount())
	}
}

func TestNewNodeIDIsUnique(t *testing.T) {
	a, b := NewNodeID(), NewNodeID()
	if a == b {
		t.Fatalf("node ids must differ: %s", a)
	}
	if !strings.Contains(a, "_") {
		t.Fatalf("node id should join address and ulid: %s", a)
	}
}

func TestClusterOverRealTransport(t *testing.T) {
	fast := transport.RetryPolicy{Delays: []time.Duration{0, 5 * time.Millisecond, 10 * time.Millisecond}}
	var srv *transport.Server
	coord, err := NewCoordinator([]*user.Class{idleClass("A", 1)}, CoordinatorOptions{
		Runner:     fastRunnerOptions(),
		BindAddr:   "127.0.0.1:0",
		ReportWait: 20 * time.Millisecond,
		Listen: func(addr string) (Listener, error) {
			s, err := transport.Listen(addr, transport.ServerOptions{Retry: fast})
			if err != nil {
				return nil, err
			}
			srv = s
			return s, nil
		},
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer coord.Quit(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var workers []*Worker
	for _, id := range []string{"alpha", "beta"} {
		client, err := transport.Dial(ctx, srv.Addr().String(), id, transport.ClientOptions{Retry: fast})
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		w, err := NewWorker(ctx, []*user.Class{idleClass("A", 1)}, id, client, WorkerOptions{
			Runner:            fastRunnerOptions(),
			HeartbeatInterval: 50 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("NewWorker: %v", err)
		}
		workers = append(workers, w)
	}

	if err := coord.WaitForWorkers(ctx, 2); err != nil {
		t.Fatalf("WaitForWorkers: %v", err)
	}
	if err := coord.Start(ctx, 5, 5); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "cluster running", func() bool {
		return coord.State() == runner.StateRunning && coord.UserCount() == 5
	})
	if got := workers[0].UserCount() + workers[1].UserCount(); got != 5 {
		t.Fatalf("workers run %d users, want 5", got)
	}

	if err := coord.Quit(ctx); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	for _, w := range workers {
		select {
		case <-w.Quitted():
		case <-time.After(3 * time.Second):
			t.Fatalf("worker %s did not quit", w.ID())
		}
	}
}
