// Package shape drives the population through a load profile that changes
// over time.
package shape

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Target is the population a shape asks for at one tick.
type Target struct {
	UserCount int
	Rate      float64
}

// Shape decides the target from the time elapsed since the driver started.
// Returning false ends the test.
type Shape interface {
	Tick(elapsed time.Duration) (Target, bool)
}

// Func adapts a function to Shape.
type Func func(elapsed time.Duration) (Target, bool)

func (f Func) Tick(elapsed time.Duration) (Target, bool) { return f(elapsed) }

// Stage holds a target until the run reaches Until.
type Stage struct {
	Until     time.Duration `yaml:"duration"`
	UserCount int           `yaml:"user_count"`
	Rate      float64       `yaml:"rate"`
}

// Stages is a step profile. Each stage's Until is measured from the start of
// the run, so stages must be in increasing order.
type Stages []Stage

// Tick returns the first stage whose end is still ahead.
func (s Stages) Tick(elapsed time.Duration) (Target, bool) {
	for _, st := range s {
		if elapsed < st.Until {
			return Target{UserCount: st.UserCount, Rate: st.Rate}, true
		}
	}
	return Target{}, false
}

// Validate checks that stages are ordered and every target is startable.
func (s Stages) Validate() error {
	if len(s) == 0 {
		return errors.New("shape has no stages")
	}
	var errs []error
	var prev time.Duration
	for i, st := range s {
		if st.Until <= prev {
			errs = append(errs, fmt.Errorf("stage %d: duration %s must be after %s", i, st.Until, prev))
		}
		if st.UserCount < 1 {
			errs = append(errs, fmt.Errorf("stage %d: user_count must be >= 1", i))
		}
		if st.Rate <= 0 || st.Rate > float64(st.UserCount) {
			errs = append(errs, fmt.Errorf("stage %d: rate must be > 0 and <= user_count", i))
		}
		prev = st.Until
	}
	return errors.Join(errs...)
}

type stageFile struct {
	Stages []struct {
		Duration  string  `yaml:"duration"`
		UserCount int     `yaml:"user_count"`
		Rate      float64 `yaml:"rate"`
	} `yaml:"stages"`
}

// Parse reads a YAML profile. Durations accept Go syntax ("90s", "10m") or a
// bare number of seconds.
func Parse(data []byte) (Stages, error) {
	var f stageFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse shape: %w", err)
	}
	out := make(Stages, 0, len(f.Stages))
	for i, st := range f.Stages {
		d, err := ParseSeconds(st.Duration)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		out = append(out, Stage{Until: d, UserCount: st.UserCount, Rate: st.Rate})
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Load reads a YAML profile from path.
func Load(path string) (Stages, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shape file: %w", err)
	}
	return Parse(data)
}

// ParseSeconds parses a Go duration, treating a bare number as seconds.
func ParseSeconds(v string) (time.Duration, error) {
	if v == "" {
		return 0, errors.New("duration is required")
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

// Starter is what a shape drives: a local runner or a coordinator.
type Starter interface {
	Start(ctx context.Context, count int, rate float64) error
}

// Drive polls shape every interval and forwards changed targets to starter.
// It returns nil when the shape ends and ctx.Err() when cancelled.
func Drive(ctx context.Context, s Shape, starter Starter, interval time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	logger.Info("shape starting")

	begin := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last Target
	var applied bool
	for {
		target, ok := s.Tick(time.Since(begin))
		if !ok {
			logger.Info("shape finished, stopping test")
			return nil
		}
		if !applied || target != last {
			logger.Info("shape updating target",
				zap.Int("users", target.UserCount),
				zap.Float64("rate", target.Rate))
			if err := starter.Start(ctx, target.UserCount, target.Rate); err != nil {
				return fmt.Errorf("apply shape target: %w", err)
			}
			last, applied = target, true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
