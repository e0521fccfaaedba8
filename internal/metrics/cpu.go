package metrics

import (
	"context"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// CPUWarnThreshold is the CPU percentage above which a sample is logged as a warning.
const CPUWarnThreshold = 90

// CPUSampler periodically measures this process's CPU usage.
type CPUSampler struct {
	interval time.Duration
	logger   *zap.Logger
	node     string
	sample   func() (float64, error)
	onSample func(pct float64)

	last atomic.Uint64
}

// NewCPUSampler samples the current process every interval. node labels
// warnings; onSample, when set, receives every sample.
func NewCPUSampler(node string, interval time.Duration, logger *zap.Logger, onSample func(pct float64)) (*CPUSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return newCPUSampler(node, interval, logger, func() (float64, error) {
		return proc.Percent(0)
	}, onSample), nil
}

func newCPUSampler(node string, interval time.Duration, logger *zap.Logger, sample func() (float64, error), onSample func(float64)) *CPUSampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &CPUSampler{interval: interval, logger: logger, node: node, sample: sample, onSample: onSample}
}

// Usage returns the latest sample.
func (s *CPUSampler) Usage() float64 {
	return math.Float64frombits(s.last.Load())
}

// Run samples until ctx is cancelled.
func (s *CPUSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.tick()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *CPUSampler) tick() {
	pct, err := s.sample()
	if err != nil {
		s.logger.Debug("sample cpu usage", zap.Error(err))
		return
	}
	s.last.Store(math.Float64bits(pct))
	if pct >= CPUWarnThreshold {
		s.logger.Warn("cpu usage above threshold", zap.String("node", s.node), zap.Float64("cpu", pct))
	}
	if s.onSample != nil {
		s.onSample(pct)
	}
}

// ExportUserCount sets the node's user gauge every interval until ctx ends.
func ExportUserCount(ctx context.Context, e *Exporter, node string, interval time.Duration, count func() int) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		e.SetUserCount(node, count())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
