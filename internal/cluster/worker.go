package cluster

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/torosent/crankswarm/internal/events"
	"github.com/torosent/crankswarm/internal/protocol"
	"github.com/torosent/crankswarm/internal/runner"
	"github.com/torosent/crankswarm/internal/transport"
	"github.com/torosent/crankswarm/internal/user"
)

// Conn is the worker side of the transport.
type Conn interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Recv(ctx context.Context) (protocol.Envelope, error)
	Reset(ctx context.Context) error
	Close() error
}

// WorkerOptions configure a Worker.
type WorkerOptions struct {
	Runner            runner.Options
	HeartbeatInterval time.Duration
	// CPUUsage reports the process CPU percentage carried in heartbeats.
	CPUUsage     func() float64
	ReportBuffer int
}

func (o *WorkerOptions) normalize() {
	if o.Runner.Logger == nil {
		o.Runner.Logger = zap.NewNop()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.CPUUsage == nil {
		o.CPUUsage = func() float64 { return 0 }
	}
	if o.ReportBuffer <= 0 {
		o.ReportBuffer = 4096
	}
}

// NewNodeID returns "<local address>_<ulid>".
func NewNodeID() string {
	return localAddress() + "_" + ulid.Make().String()
}

func localAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "127.0.0.1"
}

// Worker runs its share of the population and reports back to the coordinator.
type Worker struct {
	*runner.Runner
	id     string
	conn   Conn
	opts   WorkerOptions
	logger *zap.Logger

	state   atomic.Value // runner.State reported in heartbeats
	reports chan protocol.Envelope
	subs    []*events.Subscription

	closeOnce sync.Once
}

// NewWorker starts the heartbeat, receive and report loops and announces ready.
func NewWorker(ctx context.Context, classes []*user.Class, nodeID string, conn Conn, opts WorkerOptions) (*Worker, error) {
	opts.normalize()
	r, err := runner.New(classes, opts.Runner)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		Runner:  r,
		id:      nodeID,
		conn:    conn,
		opts:    opts,
		logger:  r.Logger().With(zap.String("worker", nodeID)),
		reports: make(chan protocol.Envelope, opts.ReportBuffer),
	}
	w.state.Store(runner.StateInit)

	w.subs = append(w.subs,
		r.Bus().Request.Subscribe(w.onRequest),
		r.Bus().UserError.Subscribe(w.onUserError),
	)

	w.Go("heartbeat", w.heartbeat)
	w.Go("receive", w.receive)
	w.Go("report", w.report)

	if err := w.conn.Send(ctx, protocol.Signal(protocol.TypeReady, w.id)); err != nil {
		w.logger.Error("announce ready", zap.Error(err))
	}
	return w, nil
}

// ID returns the worker's node id.
func (w *Worker) ID() string { return w.id }

// ReportedState is the state carried in heartbeats.
func (w *Worker) ReportedState() runner.State {
	return w.state.Load().(runner.State)
}

func (w *Worker) setReported(s runner.State) { w.state.Store(s) }

func (w *Worker) send(ctx context.Context, env protocol.Envelope) {
	if err := w.conn.Send(ctx, env); err != nil {
		w.logger.Error("send to coordinator failed", zap.String("type", string(env.Type)), zap.Error(err))
	}
}

func (w *Worker) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		env, err := protocol.HeartbeatMessage(w.id, protocol.Heartbeat{
			State:    string(w.ReportedState()),
			CPUUsage: w.opts.CPUUsage(),
		})
		if err == nil {
			err = w.conn.Send(ctx, env)
		}
		if err != nil && ctx.Err() == nil {
			w.logger.Error("send heartbeat failed", zap.Error(err))
			if rerr := w.conn.Reset(ctx); rerr != nil {
				w.logger.Error("reconnect to coordinator failed", zap.Error(rerr))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) receive(ctx context.Context) error {
	for {
		env, err := w.conn.Recv(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Error("receive from coordinator failed", zap.Error(err))
			var tErr *transport.TransportError
			if errors.As(err, &tErr) && !sleepCtx(ctx, w.opts.HeartbeatInterval) {
				return nil
			}
			continue
		}

		switch env.Type {
		case protocol.TypeStart:
			w.onStart(ctx, env)
		case protocol.TypeStop:
			w.onStop(ctx)
		case protocol.TypeQuit:
			w.logger.Info("quit requested by coordinator")
			go func() {
				if err := w.Quit(context.Background()); err != nil {
					w.logger.Error("quit", zap.Error(err))
				}
			}()
			return nil
		default:
			w.logger.Warn("unknown message type", zap.String("type", string(env.Type)))
		}
	}
}

func (w *Worker) onStart(ctx context.Context, env protocol.Envelope) {
	job, err := protocol.ParseStart(env)
	if err != nil {
		w.logger.Error("bad start message", zap.Error(err))
		return
	}
	w.setReported(runner.StateStarting)
	w.send(ctx, protocol.Signal(protocol.TypeStarting, w.id))
	if job.Host != "" {
		w.SetHost(job.Host)
	}

	if job.UserCount <= 0 {
		if err := w.Runner.Stop(ctx); err != nil {
			w.logger.Warn("stop users for empty share", zap.Error(err))
		}
		w.populationReady(ctx, 0)
		return
	}

	rate := job.Rate
	if rate <= 0 || rate > float64(job.UserCount) {
		rate = float64(job.UserCount)
	}
	if err := w.Launch(job.UserCount, rate, w.populationReady); err != nil {
		w.logger.Error("launch ramp", zap.Int("users", job.UserCount), zap.Float64("rate", rate), zap.Error(err))
	}
}

func (w *Worker) populationReady(ctx context.Context, count int) {
	env, err := protocol.StartCompleteMessage(w.id, count)
	if err != nil {
		w.logger.Error("build start complete", zap.Error(err))
		return
	}
	w.setReported(runner.StateRunning)
	w.send(ctx, env)
}

func (w *Worker) onStop(ctx context.Context) {
	if err := w.Runner.Stop(ctx); err != nil {
		w.logger.Warn("stop users", zap.Error(err))
	}
	w.setReported(runner.StateStopped)
	w.send(ctx, protocol.Signal(protocol.TypeStopped, w.id))
	w.Reset()
	w.setReported(runner.StateInit)
	w.send(ctx, protocol.Signal(protocol.TypeReady, w.id))
}

func (w *Worker) onRequest(_ context.Context, e events.Request) error {
	var errText string
	if e.Err != nil {
		errText = e.Err.Error()
	}
	env, err := protocol.StatsMessage(w.id, protocol.Stats{
		RequestName:    e.Name,
		RequestMethod:  e.Method,
		ResponseTimeMs: float64(e.Duration) / float64(time.Millisecond),
		ResponseLength: e.Size,
		Error:          errText,
		UserCount:      w.UserCount(),
	})
	if err != nil {
		return err
	}
	w.enqueue(env)
	return nil
}

func (w *Worker) onUserError(_ context.Context, e events.UserError) error {
	env, err := protocol.ErrorMessage(w.id, protocol.UserError{Error: e.Err.Error(), UserCount: w.UserCount()})
	if err != nil {
		return err
	}
	w.enqueue(env)
	return nil
}

func (w *Worker) enqueue(env protocol.Envelope) {
	select {
	case w.reports <- env:
	default:
		w.logger.Warn("report queue full, dropping report", zap.String("type", string(env.Type)))
	}
}

func (w *Worker) report(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-w.reports:
			w.send(ctx, env)
		}
	}
}

func (w *Worker) flushReports(ctx context.Context) {
	for {
		select {
		case env := <-w.reports:
			w.send(ctx, env)
		default:
			return
		}
	}
}

// Quit stops every user, announces quitted and closes the connection.
func (w *Worker) Quit(ctx context.Context) error {
	err := w.QuitWith(ctx, w.Runner.Stop, func(ctx context.Context) {
		w.setReported(runner.StateStopped)
		w.flushReports(ctx)
		w.send(ctx, protocol.Signal(protocol.TypeQuitted, w.id))
	})
	w.closeOnce.Do(func() {
		for _, s := range w.subs {
			s.Unsubscribe()
		}
		if cerr := w.conn.Close(); cerr != nil {
			w.logger.Debug("close connection", zap.Error(cerr))
		}
	})
	return err
}
