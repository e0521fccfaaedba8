package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/crankswarm/internal/events"
	"github.com/torosent/crankswarm/internal/user"
)

// Runner owns the local population and its state machine.
type Runner struct {
	opts    Options
	classes []*user.Class
	logger  *zap.Logger
	bus     *events.Bus

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	state     State
	instances []*user.Instance
	host      string

	completeFired atomic.Bool

	passMu   sync.Mutex // one ramp pass at a time
	launchMu sync.Mutex
	active   *rampTask

	quitOnce sync.Once
	quitErr  error
	quitting atomic.Bool
	quitted  chan struct{}
}

type rampTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a runner for classes. Every class must be valid.
func New(classes []*user.Class, opts Options) (*Runner, error) {
	opts.normalize()
	if len(classes) == 0 {
		return nil, &ConfigurationError{Field: "user_classes", Err: ErrNoUserClasses}
	}
	for _, c := range classes {
		if c.Weight < 1 {
			return nil, &ConfigurationError{Field: "weight", Err: fmt.Errorf("%w: class %q has weight %d", ErrInvalidWeight, c.Name, c.Weight)}
		}
		if err := c.Validate(); err != nil {
			return nil, &ConfigurationError{Field: "user_classes", Err: err}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		opts:    opts,
		classes: classes,
		logger:  opts.Logger,
		bus:     opts.Bus,
		ctx:     ctx,
		cancel:  cancel,
		group:   &errgroup.Group{},
		state:   StateInit,
		host:    opts.Host,
		quitted: make(chan struct{}),
	}, nil
}

// Bus returns the event hooks the runner publishes to.
func (r *Runner) Bus() *events.Bus { return r.bus }

// Logger returns the runner's logger.
func (r *Runner) Logger() *zap.Logger { return r.logger }

// Classes returns the user classes.
func (r *Runner) Classes() []*user.Class { return r.classes }

// Context is cancelled when the runner quits.
func (r *Runner) Context() context.Context { return r.ctx }

// Quitted is closed once Quit has completed.
func (r *Runner) Quitted() <-chan struct{} { return r.quitted }

// Quitting reports whether Quit has been called.
func (r *Runner) Quitting() bool { return r.quitting.Load() }

// State returns the current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetState moves the state machine to s. Transitions outside the table are
// logged and ignored.
func (r *Runner) SetState(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == s {
		return true
	}
	if !CanTransition(r.state, s) {
		r.logger.Warn("ignoring invalid state transition", zap.String("from", string(r.state)), zap.String("to", string(s)))
		return false
	}
	r.logger.Debug("state changed", zap.String("from", string(r.state)), zap.String("to", string(s)))
	r.state = s
	return true
}

// Reset returns a stopped runner to init.
func (r *Runner) Reset() bool {
	return r.SetState(StateInit)
}

// Host returns the host override applied to newly spawned users.
func (r *Runner) Host() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host
}

// SetHost changes the host override for users spawned from now on.
func (r *Runner) SetHost(host string) {
	r.mu.Lock()
	r.host = host
	r.mu.Unlock()
}

// UserCount is the number of users whose goroutine has not finished.
func (r *Runner) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.instances {
		if !u.Finished() {
			n++
		}
	}
	return n
}

// ClassCounts returns the number of live users per class name.
func (r *Runner) ClassCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.classes))
	for _, c := range r.classes {
		out[c.Name] = 0
	}
	for _, u := range r.instances {
		if !u.Finished() {
			out[u.Class().Name]++
		}
	}
	return out
}

// Go runs fn as a background activity cancelled on quit.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.group.Go(func() error {
		err := fn(r.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("background activity failed", zap.String("activity", name), zap.Error(err))
		}
		return nil
	})
}

// ReportRequest publishes a user's request outcome.
func (r *Runner) ReportRequest(ctx context.Context, e events.Request) {
	r.bus.Request.Fire(ctx, e)
}

// ReportError publishes a user error.
func (r *Runner) ReportError(ctx context.Context, e events.UserError) {
	r.logger.Debug("user error", zap.String("user", e.User), zap.Error(e.Err))
	r.bus.UserError.Fire(ctx, e)
}

// Stop cancels any in-flight ramp, stops every user immediately and enters stopped.
func (r *Runner) Stop(ctx context.Context) error {
	r.CancelRamp()

	r.passMu.Lock()
	defer r.passMu.Unlock()

	n := r.UserCount()
	r.logger.Debug("stopping all users", zap.Int("users", n))
	err := r.stopUsers(ctx, n, float64(n))
	r.SetState(StateStopped)
	return err
}

// Quit stops the population and cancels every background activity. It is
// safe to call concurrently; every caller gets the result of the one shutdown.
func (r *Runner) Quit(ctx context.Context) error {
	return r.QuitWith(ctx, r.Stop, nil)
}

// QuitWith runs the quit sequence with a specialized stop and an optional
// step executed before the quitting event fires.
func (r *Runner) QuitWith(ctx context.Context, stop func(context.Context) error, beforeQuitting func(context.Context)) error {
	r.quitOnce.Do(func() {
		r.quitting.Store(true)
		r.quitErr = stop(ctx)
		if beforeQuitting != nil {
			beforeQuitting(ctx)
		}
		r.bus.Quitting.Fire(ctx, events.Quitting{})
		r.cancel()

		done := make(chan struct{})
		go func() {
			_ = r.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(r.opts.QuitGrace):
			r.logger.Warn("background activities still running after quit grace period", zap.Duration("grace", r.opts.QuitGrace))
		}
		close(r.quitted)
	})
	<-r.quitted
	return r.quitErr
}
