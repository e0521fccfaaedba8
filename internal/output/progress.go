package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/crankswarm/internal/metrics"
)

// ProgressReporter displays real-time progress updates.
type ProgressReporter struct {
	collector *metrics.Collector
	users     func() int
	ticker    *time.Ticker
	done      chan struct{}
	finished  chan struct{}
	writer    io.Writer
	active    int32
}

// NewProgressReporter creates a progress reporter that updates at the given
// interval. users reports the current population; it may be nil.
func NewProgressReporter(collector *metrics.Collector, users func() int, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	if users == nil {
		users = func() int { return 0 }
	}
	return &ProgressReporter{
		collector: collector,
		users:     users,
		ticker:    time.NewTicker(interval),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		writer:    writer,
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
		fmt.Fprintln(p.writer)
		return
	}
	p.ticker.Stop()
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, "\r"+p.line())
		case <-p.done:
			return
		}
	}
}

func (p *ProgressReporter) line() string {
	stats := p.collector.Stats(p.collector.Elapsed())
	line := fmt.Sprintf("Users: %d | Requests: %d | Failures: %d | RPS: %.1f | P99: %.1fms",
		p.users(), stats.Total, stats.Failures, stats.RequestsPerSec, stats.P99LatencyMs)
	if top, ok := busiestRequest(stats); ok && stats.Total > 0 {
		share := float64(top.Total) / float64(stats.Total) * 100
		line += fmt.Sprintf(" | Top: %s %s (%.0f%%)", top.Method, top.Name, share)
	}
	return line
}

func busiestRequest(stats metrics.Stats) (metrics.RequestStats, bool) {
	if len(stats.Requests) == 0 {
		return metrics.RequestStats{}, false
	}
	top := stats.Requests[0]
	for _, r := range stats.Requests[1:] {
		if r.Total > top.Total {
			top = r
		}
	}
	return top, true
}
