package runner

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/torosent/crankswarm/internal/events"
	"github.com/torosent/crankswarm/internal/user"
)

// Local runs the whole population in this process.
type Local struct {
	*Runner
	testStarted atomic.Bool
}

// NewLocal builds a single-process runner.
func NewLocal(classes []*user.Class, opts Options) (*Local, error) {
	r, err := New(classes, opts)
	if err != nil {
		return nil, err
	}
	return &Local{Runner: r}, nil
}

// Start ramps toward count users at rate users per second in the background.
func (l *Local) Start(ctx context.Context, count int, rate float64) error {
	if err := ValidateTarget(count, rate); err != nil {
		return err
	}
	if rate > SoftRateLimit {
		l.logger.Warn("ramp rate above 100 users/s may destabilize the system under test", zap.Float64("rate", rate))
	}
	if l.State() == StateInit && l.testStarted.CompareAndSwap(false, true) {
		l.bus.TestStart.Fire(ctx, events.TestStart{Role: "local"})
	}
	return l.Launch(count, rate, nil)
}

// Stop stops every user and publishes the test stop event.
func (l *Local) Stop(ctx context.Context) error {
	err := l.Runner.Stop(ctx)
	l.bus.TestStop.Fire(ctx, events.TestStop{})
	return err
}

// Quit stops the test and releases every background activity.
func (l *Local) Quit(ctx context.Context) error {
	return l.QuitWith(ctx, l.Stop, nil)
}
