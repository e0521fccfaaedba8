package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/crankswarm/internal/events"
	"github.com/torosent/crankswarm/internal/protocol"
	"github.com/torosent/crankswarm/internal/runner"
	"github.com/torosent/crankswarm/internal/transport"
	"github.com/torosent/crankswarm/internal/user"
)

// CPUWarnThreshold is the CPU usage percentage that triggers a warning.
const CPUWarnThreshold = 90

// Listener is the coordinator side of the transport.
type Listener interface {
	Recv(ctx context.Context) (string, protocol.Envelope, error)
	SendTo(ctx context.Context, nodeID string, env protocol.Envelope) error
	Close() error
}

// CoordinatorOptions configure a Coordinator.
type CoordinatorOptions struct {
	Runner   runner.Options
	BindAddr string
	// Listen binds the transport; it is called again to rebind after a fault.
	Listen            func(addr string) (Listener, error)
	HeartbeatLiveness int
	HeartbeatInterval time.Duration
	FallbackInterval  time.Duration
	// ReportWait is how long quit waits for final worker reports.
	ReportWait time.Duration
}

func (o *CoordinatorOptions) normalize() {
	if o.Runner.Logger == nil {
		o.Runner.Logger = zap.NewNop()
	}
	if o.HeartbeatLiveness <= 0 {
		o.HeartbeatLiveness = 3
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.FallbackInterval <= 0 {
		o.FallbackInterval = 5 * time.Second
	}
	if o.ReportWait <= 0 {
		o.ReportWait = 500 * time.Millisecond
	}
	if o.Listen == nil {
		logger := o.Runner.Logger
		o.Listen = func(addr string) (Listener, error) {
			return transport.Listen(addr, transport.ServerOptions{Logger: logger})
		}
	}
}

type target struct {
	count  int
	rate   float64
	active bool
}

// Coordinator divides the population across workers and aggregates their reports.
type Coordinator struct {
	*runner.Runner
	opts     CoordinatorOptions
	logger   *zap.Logger
	registry *Registry

	tmu       sync.Mutex
	transport Listener
	broken    atomic.Bool

	startMu sync.Mutex // serializes starts and rebalances
	target  target

	rebalance     chan struct{}
	testStarted   atomic.Bool
	completeFired atomic.Bool
	closeOnce     sync.Once
}

// NewCoordinator binds the listening endpoint and starts the listener,
// heartbeat monitor and rebalance loop.
func NewCoordinator(classes []*user.Class, opts CoordinatorOptions) (*Coordinator, error) {
	opts.normalize()
	r, err := runner.New(classes, opts.Runner)
	if err != nil {
		return nil, err
	}
	t, err := opts.Listen(opts.BindAddr)
	if err != nil {
		_ = r.Quit(context.Background())
		return nil, err
	}

	c := &Coordinator{
		Runner:    r,
		opts:      opts,
		logger:    r.Logger(),
		registry:  NewRegistry(opts.HeartbeatLiveness),
		transport: t,
		rebalance: make(chan struct{}, 1),
	}
	c.Go("worker-listener", c.listen)
	c.Go("heartbeat-monitor", c.monitor)
	c.Go("rebalance", c.rebalanceLoop)
	return c, nil
}

// Registry exposes the worker registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Workers returns a snapshot of every registered worker.
func (c *Coordinator) Workers() []WorkerNode { return c.registry.All() }

// UserCount is the sum of the counts reported by workers.
func (c *Coordinator) UserCount() int { return c.registry.UserCount() }

// Broken reports whether the last receive hit a transport fault.
func (c *Coordinator) Broken() bool { return c.broken.Load() }

func (c *Coordinator) currentTransport() Listener {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	return c.transport
}

// Start divides count users and rate across the eligible workers.
func (c *Coordinator) Start(ctx context.Context, count int, rate float64) error {
	if err := runner.ValidateTarget(count, rate); err != nil {
		return err
	}
	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.target = target{count: count, rate: rate, active: true}
	c.distribute(ctx, count, rate)
	return nil
}

func (c *Coordinator) distribute(ctx context.Context, count int, rate float64) {
	workers := c.registry.Eligible()
	k := len(workers)
	if k == 0 {
		c.logger.Warn("no workers connected; connect workers before starting the test")
		return
	}

	per := count / k
	remaining := count % k
	perRate := rate / float64(k)
	c.logger.Info("sending jobs to workers",
		zap.Int("users_per_worker", per),
		zap.Float64("rate_per_worker", perRate),
		zap.Int("workers", k))
	if perRate > runner.SoftRateLimit {
		c.logger.Warn("ramp rate above 100 users/s per worker may destabilize the system under test", zap.Float64("rate", perRate))
	}

	switch c.State() {
	case runner.StateInit, runner.StateStopped:
		if c.testStarted.CompareAndSwap(false, true) {
			c.Bus().TestStart.Fire(ctx, events.TestStart{Role: "coordinator"})
		}
		c.SetState(runner.StateStarting)
	}

	host := c.Host()
	msgs := make(map[string]protocol.Envelope, k)
	for _, w := range workers {
		n := per
		if remaining > 0 {
			n++
			remaining--
		}
		workerRate := perRate
		if n > 0 && workerRate > float64(n) {
			workerRate = float64(n)
		}
		env, err := protocol.StartMessage(w.ID, protocol.Start{UserCount: n, Rate: workerRate, Host: host})
		if err != nil {
			c.logger.Error("build start message", zap.String("worker", w.ID), zap.Error(err))
			continue
		}
		msgs[w.ID] = env
	}
	c.broadcast(ctx, msgs)
}

// broadcast sends one message per worker concurrently. Failures are logged.
func (c *Coordinator) broadcast(ctx context.Context, msgs map[string]protocol.Envelope) {
	t := c.currentTransport()
	var g errgroup.Group
	for id, env := range msgs {
		g.Go(func() error {
			if err := t.SendTo(ctx, id, env); err != nil {
				c.logger.Warn("send to worker failed", zap.String("worker", id), zap.String("type", string(env.Type)), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) signalAll(ctx context.Context, typ protocol.MessageType) {
	workers := c.registry.All()
	msgs := make(map[string]protocol.Envelope, len(workers))
	for _, w := range workers {
		c.logger.Debug("sending signal to worker", zap.String("type", string(typ)), zap.String("worker", w.ID))
		msgs[w.ID] = protocol.Signal(typ, w.ID)
	}
	c.broadcast(ctx, msgs)
}

// Stop tells every worker to stop and enters stopped.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.startMu.Lock()
	c.target.active = false
	c.startMu.Unlock()

	c.logger.Debug("stopping workers")
	c.signalAll(ctx, protocol.TypeStop)
	c.Bus().TestStop.Fire(ctx, events.TestStop{})
	c.SetState(runner.StateStopped)
	return nil
}

// Quit stops the test, tells every worker to quit and closes the listener.
func (c *Coordinator) Quit(ctx context.Context) error {
	err := c.QuitWith(ctx, c.Stop, func(ctx context.Context) {
		c.signalAll(ctx, protocol.TypeQuit)
		// Final reports arrive while we wait.
		sleepCtx(ctx, c.opts.ReportWait)
	})
	c.closeOnce.Do(func() {
		if cerr := c.currentTransport().Close(); cerr != nil {
			c.logger.Debug("close transport", zap.Error(cerr))
		}
	})
	return err
}

// WaitForWorkers blocks until n workers have announced ready.
func (c *Coordinator) WaitForWorkers(ctx context.Context, n int) error {
	const logEvery = 2 * time.Second
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	lastLog := time.Time{}
	for {
		ready := len(c.registry.ByState(runner.StateInit))
		if ready >= n {
			return nil
		}
		if time.Since(lastLog) >= logEvery {
			c.logger.Info("waiting for workers to be ready", zap.Int("ready", ready), zap.Int("expected", n))
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) listen(ctx context.Context) error {
	for {
		id, env, err := c.currentTransport().Recv(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			var decodeErr *transport.DecodeError
			if errors.As(err, &decodeErr) {
				c.logger.Warn("discarding undecodable message", zap.String("worker", decodeErr.NodeID), zap.Error(err))
				continue
			}
			c.logger.Error("receive from worker failed", zap.Error(err))
			c.broken.Store(true)
			if !sleepCtx(ctx, c.opts.FallbackInterval) {
				return nil
			}
			continue
		}
		c.broken.Store(false)
		c.handle(ctx, id, env)
	}
}

func (c *Coordinator) requestRebalance() {
	select {
	case c.rebalance <- struct{}{}:
	default:
	}
}

func (c *Coordinator) rebalanceLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.rebalance:
		}
		c.startMu.Lock()
		t := c.target
		state := c.State()
		if t.active && (state == runner.StateStarting || state == runner.StateRunning) {
			c.logger.Info("rebalancing users across workers", zap.Int("users", t.count))
			c.distribute(ctx, t.count, t.rate)
		}
		c.startMu.Unlock()
	}
}

func (c *Coordinator) handle(ctx context.Context, id string, env protocol.Envelope) {
	if env.Type != protocol.TypeReady {
		c.registry.Touch(id)
	}

	switch env.Type {
	case protocol.TypeReady:
		c.registry.Register(id)
		c.logger.Info("worker reported as ready",
			zap.String("worker", id),
			zap.Int("workers", len(c.registry.Eligible())))
		if s := c.State(); s == runner.StateStarting || s == runner.StateRunning {
			c.requestRebalance()
		}

	case protocol.TypeHeartbeat:
		hb, err := protocol.ParseHeartbeat(env)
		if err != nil {
			c.logger.Warn("bad heartbeat", zap.String("worker", id), zap.Error(err))
			return
		}
		known := c.registry.Update(id, func(n *WorkerNode) {
			if s := runner.State(hb.State); s.Valid() && s != runner.StateMissing {
				n.State = s
			}
			n.CPUUsage = hb.CPUUsage
		})
		if !known {
			c.logger.Debug("heartbeat from unregistered worker", zap.String("worker", id))
			return
		}
		c.completeIfAllRunning(ctx)
		if hb.CPUUsage >= CPUWarnThreshold {
			c.logger.Warn("worker exceeded cpu threshold", zap.String("worker", id), zap.Float64("cpu", hb.CPUUsage))
		}

	case protocol.TypeStats:
		st, err := protocol.ParseStats(env)
		if err != nil {
			c.logger.Warn("bad stats report", zap.String("worker", id), zap.Error(err))
			return
		}
		if !c.setCount(id, st.UserCount) {
			return
		}
		c.Bus().WorkerReport.Fire(ctx, events.WorkerReport{
			WorkerID:  id,
			Kind:      events.ReportStats,
			UserCount: st.UserCount,
			Name:      st.RequestName,
			Method:    st.RequestMethod,
			Duration:  time.Duration(st.ResponseTimeMs * float64(time.Millisecond)),
			Size:      st.ResponseLength,
			Error:     st.Error,
		})

	case protocol.TypeError:
		ue, err := protocol.ParseUserError(env)
		if err != nil {
			c.logger.Warn("bad error report", zap.String("worker", id), zap.Error(err))
			return
		}
		if !c.setCount(id, ue.UserCount) {
			return
		}
		c.Bus().WorkerReport.Fire(ctx, events.WorkerReport{
			WorkerID:  id,
			Kind:      events.ReportError,
			UserCount: ue.UserCount,
			Error:     ue.Error,
		})

	case protocol.TypeStarting:
		if !c.registry.Update(id, func(n *WorkerNode) { n.State = runner.StateStarting }) {
			c.logger.Warn("starting from unregistered worker", zap.String("worker", id))
		}

	case protocol.TypeStartComplete:
		count := protocol.UserCount(env)
		known := c.registry.Update(id, func(n *WorkerNode) {
			n.State = runner.StateRunning
			n.UserCount = count
		})
		if !known {
			c.logger.Warn("start complete from unregistered worker", zap.String("worker", id))
			return
		}
		c.completeIfAllRunning(ctx)

	case protocol.TypeStopped:
		if c.registry.Remove(id) {
			c.logger.Info("removing stopped worker", zap.String("worker", id))
		}

	case protocol.TypeQuitted:
		if c.registry.Remove(id) {
			c.logger.Info("worker quitted", zap.String("worker", id), zap.Int("workers", len(c.registry.Eligible())))
		}

	default:
		c.logger.Warn("unknown message type", zap.String("worker", id), zap.String("type", string(env.Type)))
	}
}

// completeIfAllRunning moves a starting coordinator to running once every
// registered worker is running. A heartbeat can carry the state a worker had
// before its start_complete, so heartbeats re-check as well.
func (c *Coordinator) completeIfAllRunning(ctx context.Context) {
	if !c.registry.AllRunning() || c.State() != runner.StateStarting {
		return
	}
	c.SetState(runner.StateRunning)
	if c.completeFired.CompareAndSwap(false, true) {
		c.Bus().StartComplete.Fire(ctx, events.StartComplete{UserCount: c.UserCount()})
	}
}

func (c *Coordinator) setCount(id string, count int) bool {
	if c.registry.Update(id, func(n *WorkerNode) { n.UserCount = count }) {
		return true
	}
	c.logger.Warn("discarded report from unrecognized worker", zap.String("worker", id))
	return false
}
