package runner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/torosent/crankswarm/internal/events"
	"github.com/torosent/crankswarm/internal/user"
)

// Launch validates the target and ramps toward it in the background. Any
// previous ramp is cancelled and joined first. onDone, when set, receives
// the population reached by a pass that was not cancelled.
func (r *Runner) Launch(count int, rate float64, onDone func(ctx context.Context, count int)) error {
	if err := ValidateTarget(count, rate); err != nil {
		return err
	}
	if r.Quitting() {
		return fmt.Errorf("launch ramp: runner is quitting")
	}

	r.launchMu.Lock()
	defer r.launchMu.Unlock()
	r.cancelRampLocked()

	ctx, cancel := context.WithCancel(r.ctx)
	task := &rampTask{cancel: cancel, done: make(chan struct{})}
	r.active = task
	go func() {
		defer close(task.done)
		defer cancel()
		if err := r.ramp(ctx, count, rate); err != nil {
			if ctx.Err() == nil {
				r.logger.Error("ramp failed", zap.Error(err))
			}
			return
		}
		if onDone != nil && ctx.Err() == nil {
			onDone(ctx, r.UserCount())
		}
	}()
	return nil
}

// CancelRamp cancels the in-flight ramp pass, if any, and waits for it to return.
func (r *Runner) CancelRamp() {
	r.launchMu.Lock()
	defer r.launchMu.Unlock()
	r.cancelRampLocked()
}

func (r *Runner) cancelRampLocked() {
	if r.active == nil {
		return
	}
	r.active.cancel()
	<-r.active.done
	r.active = nil
}

// WaitRamp blocks until the in-flight ramp pass returns or ctx ends.
func (r *Runner) WaitRamp(ctx context.Context) error {
	r.launchMu.Lock()
	task := r.active
	r.launchMu.Unlock()
	if task == nil {
		return nil
	}
	select {
	case <-task.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ramp drives the population to count at rate users per second.
func (r *Runner) ramp(ctx context.Context, count int, rate float64) error {
	if err := ValidateTarget(count, rate); err != nil {
		return err
	}
	if rate != math.Trunc(rate) {
		r.logger.Warn("ramp rate has a fractional part", zap.Float64("rate", rate))
	}

	r.passMu.Lock()
	defer r.passMu.Unlock()

	if r.State() == StateInit {
		r.SetState(StateStarting)
		if err := r.startUsers(ctx, count, rate); err != nil {
			return err
		}
	} else {
		r.logger.Debug("updating running test", zap.Int("users", count), zap.Float64("rate", rate))
		r.SetState(StateStarting)
		current := r.UserCount()
		switch {
		case current > count:
			if err := r.stopUsers(ctx, current-count, rate); err != nil {
				return err
			}
		case current < count:
			if err := r.startUsers(ctx, count-current, rate); err != nil {
				return err
			}
		}
	}
	r.SetState(StateRunning)
	// The first pass to reach its target completes the start, including a
	// pass that superseded a cancelled one from init.
	if r.completeFired.CompareAndSwap(false, true) {
		r.bus.StartComplete.Fire(ctx, events.StartComplete{UserCount: r.UserCount()})
	}
	return nil
}

func (r *Runner) startUsers(ctx context.Context, k int, rate float64) error {
	bucket, err := Distribute(k, r.classes)
	if err != nil {
		return err
	}
	existing := r.UserCount()
	r.logger.Info("starting users",
		zap.Int("users", len(bucket)),
		zap.Float64("rate", rate),
		zap.Int("already_running", existing))

	pace := r.opts.LimiterFactory(rate)
	started := make(map[string]int, len(r.classes))
	host := r.Host()
	for _, class := range bucket {
		if err := pace.Wait(ctx); err != nil {
			return err
		}
		inst := class.Spawn(r.ctx, host, r)
		r.mu.Lock()
		r.instances = append(r.instances, inst)
		r.mu.Unlock()
		started[class.Name]++
	}
	r.logger.Info("all users started", zap.String("classes", formatCounts(started)))
	return nil
}

func (r *Runner) stopUsers(ctx context.Context, k int, rate float64) error {
	if k <= 0 {
		r.prune()
		return nil
	}
	bucket, err := Distribute(k, r.classes)
	if err != nil {
		return err
	}

	r.mu.Lock()
	live := make([]*user.Instance, 0, len(r.instances))
	for _, u := range r.instances {
		if !u.Finished() {
			live = append(live, u)
		}
	}
	r.mu.Unlock()
	selected := selectForStop(bucket, live)

	immediate := rate >= float64(k)
	if immediate {
		r.logger.Info("stopping users immediately", zap.Int("users", len(selected)))
	} else {
		r.logger.Info("stopping users", zap.Int("users", len(selected)), zap.Float64("rate", rate))
	}

	// Each stop is followed by the pacing gap, so the limiter's initial
	// token is spent up front.
	pace := r.opts.LimiterFactory(rate)
	pace.Allow()
	for _, u := range selected {
		stopCtx, cancel := context.WithTimeout(ctx, r.opts.StopTimeout)
		err := u.Stop(stopCtx)
		cancel()
		if err != nil && ctx.Err() != nil {
			r.prune()
			return ctx.Err()
		}
		if !immediate {
			if err := pace.Wait(ctx); err != nil {
				r.prune()
				return err
			}
		}
	}

	r.prune()
	pending := 0
	for _, u := range selected {
		if !u.Finished() {
			pending++
		}
	}
	if pending > 0 {
		r.logger.Warn("user tasks still not cancelled", zap.Int("users", pending))
	}
	return nil
}

// prune drops finished users from the instance collection.
func (r *Runner) prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.instances[:0]
	for _, u := range r.instances {
		if !u.Finished() {
			kept = append(kept, u)
		}
	}
	for i := len(kept); i < len(r.instances); i++ {
		r.instances[i] = nil
	}
	r.instances = kept
}

// selectForStop matches live users to the classes in bucket, then tops up
// with any remaining live users when a class runs out.
func selectForStop(bucket []*user.Class, live []*user.Instance) []*user.Instance {
	want := make(map[*user.Class]int, len(bucket))
	for _, c := range bucket {
		want[c]++
	}
	chosen := make(map[*user.Instance]bool, len(bucket))
	out := make([]*user.Instance, 0, len(bucket))
	for _, u := range live {
		if want[u.Class()] > 0 {
			want[u.Class()]--
			chosen[u] = true
			out = append(out, u)
		}
	}
	for _, u := range live {
		if len(out) >= len(bucket) {
			break
		}
		if !chosen[u] {
			out = append(out, u)
		}
	}
	return out
}

func formatCounts(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s:%d", name, counts[name]))
	}
	return strings.Join(parts, ", ")
}
