// Package user defines simulated user classes and the running instances
// spawned from them.
//
// A [Class] is a static descriptor: a weight that decides its share of the
// population, an optional host, lifecycle hooks and an explicit list of
// [Job]s. Each running user is an [Instance] executing the class's jobs in
// declaration order, pausing between them, until it is stopped.
package user

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// DefaultWait is the pause between jobs when a class declares none.
const DefaultWait = time.Second

// JobFunc executes one unit of user behaviour. Returning an error ends the
// user and reports a user error.
type JobFunc func(ctx context.Context, s *Session) error

// Job is a named JobFunc.
type Job struct {
	Name string
	Run  JobFunc
}

// WaitFunc returns the pause before the next job.
type WaitFunc func() time.Duration

// Constant waits d between jobs.
func Constant(d time.Duration) WaitFunc {
	return func() time.Duration { return d }
}

// Between waits a uniformly random duration in [min, max].
func Between(min, max time.Duration) WaitFunc {
	if max <= min {
		return Constant(min)
	}
	return func() time.Duration {
		return min + rand.N(max-min+1)
	}
}

// Hook runs at user start or stop.
type Hook func(ctx context.Context, s *Session) error

// Class describes one kind of simulated user.
type Class struct {
	Name    string
	Weight  int
	Host    string
	Wait    WaitFunc
	OnStart Hook
	OnStop  Hook
	Jobs    []Job
}

// Validate checks the descriptor is runnable.
func (c *Class) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("user class name is required"))
	}
	if c.Weight < 1 {
		errs = append(errs, fmt.Errorf("user class %q: weight must be a positive integer, got %d", c.Name, c.Weight))
	}
	if len(c.Jobs) == 0 {
		errs = append(errs, fmt.Errorf("user class %q: at least one job is required", c.Name))
	}
	for i, j := range c.Jobs {
		if j.Run == nil {
			errs = append(errs, fmt.Errorf("user class %q: job %d (%s) has no function", c.Name, i, j.Name))
		}
	}
	return errors.Join(errs...)
}

func (c *Class) wait() time.Duration {
	if c.Wait == nil {
		return DefaultWait
	}
	return c.Wait()
}
