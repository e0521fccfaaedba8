package user

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/torosent/crankswarm/internal/events"
)

var seq atomic.Uint64

// TeardownTimeout bounds the OnStop hook.
const TeardownTimeout = 5 * time.Second

// Instance is one running user.
type Instance struct {
	class   *Class
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// Spawn starts a user of class c in its own goroutine. The user runs until
// parent is cancelled, Stop is called or one of its jobs fails.
func (c *Class) Spawn(parent context.Context, host string, reporter Reporter) *Instance {
	if host == "" {
		host = c.Host
	}
	ctx, cancel := context.WithCancel(parent)
	u := &Instance{
		class:   c,
		session: NewSession(fmt.Sprintf("%s-%d", c.Name, seq.Add(1)), c, host, reporter),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go u.run(ctx)
	return u
}

// Class returns the descriptor the user was spawned from.
func (u *Instance) Class() *Class { return u.class }

// Session returns the user's session.
func (u *Instance) Session() *Session { return u.session }

// Done is closed once the user has finished, teardown included.
func (u *Instance) Done() <-chan struct{} { return u.done }

// Finished reports whether the user's goroutine has exited.
func (u *Instance) Finished() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// Stop cancels the user and waits for its teardown to finish or ctx to expire.
func (u *Instance) Stop(ctx context.Context) error {
	u.cancel()
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Instance) run(ctx context.Context) {
	defer close(u.done)
	defer u.teardown(ctx)

	if u.class.OnStart != nil {
		if err := u.call(ctx, u.class.OnStart); err != nil {
			u.fail(ctx, "on_start", err)
			return
		}
	}
	if !sleep(ctx, u.class.wait()) {
		return
	}
	if len(u.class.Jobs) == 0 {
		<-ctx.Done()
		return
	}
	for {
		for _, job := range u.class.Jobs {
			if err := u.call(ctx, job.Run); err != nil {
				u.fail(ctx, job.Name, err)
				return
			}
			if !sleep(ctx, u.class.wait()) {
				return
			}
		}
	}
}

func (u *Instance) call(ctx context.Context, fn func(context.Context, *Session) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, u.session)
}

// fail reports err unless it is the user's own cancellation.
func (u *Instance) fail(ctx context.Context, step string, err error) {
	if ctx.Err() != nil {
		return
	}
	u.report(ctx, step, err)
}

func (u *Instance) report(ctx context.Context, step string, err error) {
	if u.session.reporter != nil {
		u.session.reporter.ReportError(ctx, events.UserError{
			User: u.session.ID,
			Err:  fmt.Errorf("%s: %w", step, err),
		})
	}
}

func (u *Instance) teardown(ctx context.Context) {
	if u.class.OnStop == nil {
		return
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), TeardownTimeout)
	defer cancel()
	if err := u.call(tctx, u.class.OnStop); err != nil && !errors.Is(err, context.Canceled) {
		u.report(tctx, "on_stop", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
