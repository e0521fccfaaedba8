package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Collector records per-request metrics in a thread-safe manner.
type Collector struct {
	mu         sync.Mutex
	total      *latencyStats
	byRequest  map[requestKey]*latencyStats
	errors     map[errorKey]*ErrorEntry
	userErrors int64
	start      time.Time
}

type requestKey struct {
	method string
	name   string
}

type latencyStats struct {
	hist       *hdrhistogram.Histogram
	successes  int64
	failures   int64
	minLatency time.Duration
	maxLatency time.Duration
	sumLatency time.Duration
	sumSize    int64
}

func newLatencyStats() *latencyStats {
	// Track latencies from 1µs up to 60s with 3 significant figures.
	return &latencyStats{hist: hdrhistogram.New(1, 60_000_000, 3)}
}

func (l *latencyStats) record(latency time.Duration, size int64, failed bool) {
	if latency > 0 {
		us := latency.Microseconds()
		if us < l.hist.LowestTrackableValue() {
			us = l.hist.LowestTrackableValue()
		}
		if us > l.hist.HighestTrackableValue() {
			us = l.hist.HighestTrackableValue()
		}
		_ = l.hist.RecordValue(us)
	}
	l.sumLatency += latency
	l.sumSize += size
	if l.minLatency == 0 || latency < l.minLatency {
		l.minLatency = latency
	}
	if latency > l.maxLatency {
		l.maxLatency = latency
	}
	if failed {
		l.failures++
	} else {
		l.successes++
	}
}

// Stats represents aggregated metrics.
type Stats struct {
	Total          int64         `json:"total"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	UserErrors     int64         `json:"user_errors"`
	MinLatency     time.Duration `json:"-"`
	MaxLatency     time.Duration `json:"-"`
	MeanLatency    time.Duration `json:"-"`
	P50Latency     time.Duration `json:"-"`
	P90Latency     time.Duration `json:"-"`
	P99Latency     time.Duration `json:"-"`
	Duration       time.Duration `json:"-"`
	RequestsPerSec float64       `json:"requests_per_sec"`

	// JSON-friendly millisecond fields.
	MinLatencyMs  float64 `json:"min_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	P50LatencyMs  float64 `json:"p50_latency_ms"`
	P90LatencyMs  float64 `json:"p90_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	DurationMs    float64 `json:"duration_ms"`

	Requests []RequestStats `json:"requests,omitempty"`
	Errors   []ErrorEntry   `json:"errors,omitempty"`
}

// RequestStats is the breakdown for one method and name.
type RequestStats struct {
	Method         string        `json:"method"`
	Name           string        `json:"name"`
	Total          int64         `json:"total"`
	Failures       int64         `json:"failures"`
	MeanLatency    time.Duration `json:"-"`
	P50Latency     time.Duration `json:"-"`
	P99Latency     time.Duration `json:"-"`
	MeanLatencyMs  float64       `json:"mean_latency_ms"`
	P50LatencyMs   float64       `json:"p50_latency_ms"`
	P99LatencyMs   float64       `json:"p99_latency_ms"`
	AvgSize        float64       `json:"avg_content_length"`
	RequestsPerSec float64       `json:"requests_per_sec"`
}

func NewCollector() *Collector {
	return &Collector{
		total:     newLatencyStats(),
		byRequest: make(map[requestKey]*latencyStats),
		errors:    make(map[errorKey]*ErrorEntry),
		start:     time.Now(),
	}
}

// RecordRequest records one request outcome. A non-empty errText marks the
// request failed. It reports whether this is the first time the error was seen.
func (c *Collector) RecordRequest(method, name string, latency time.Duration, size int64, errText string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := errText != ""
	c.total.record(latency, size, failed)
	key := requestKey{method: method, name: name}
	ls, ok := c.byRequest[key]
	if !ok {
		ls = newLatencyStats()
		c.byRequest[key] = ls
	}
	ls.record(latency, size, failed)

	if !failed {
		return false
	}
	return c.recordErrorLocked(method, name, errText)
}

// RecordUserError records an error raised inside a user's job.
func (c *Collector) RecordUserError(errText string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userErrors++
	return c.recordErrorLocked("", "", errText)
}

func (c *Collector) recordErrorLocked(method, name, errText string) bool {
	msg := NormalizeError(errText)
	key := errorKey{method: method, name: name, message: msg}
	if e, ok := c.errors[key]; ok {
		e.Occurrences++
		return false
	}
	c.errors[key] = &ErrorEntry{Method: method, Name: name, Message: msg, Occurrences: 1}
	return true
}

// HasFailures reports whether any request failed or any user errored.
func (c *Collector) HasFailures() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total.failures > 0 || c.userErrors > 0
}

// Elapsed is the time since the collector was created or last reset.
func (c *Collector) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.start)
}

// Reset clears every statistic and restarts the clock.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = newLatencyStats()
	c.byRequest = make(map[requestKey]*latencyStats)
	c.errors = make(map[errorKey]*ErrorEntry)
	c.userErrors = 0
	c.start = time.Now()
}

// Stats computes and returns current aggregated statistics.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.total
	total := l.successes + l.failures
	stats := Stats{
		Total:      total,
		Successes:  l.successes,
		Failures:   l.failures,
		UserErrors: c.userErrors,
		MinLatency: l.minLatency,
		MaxLatency: l.maxLatency,
	}
	if total > 0 {
		stats.MeanLatency = time.Duration(int64(l.sumLatency) / total)
	}
	if l.hist.TotalCount() > 0 {
		stats.P50Latency = quantile(l.hist, 50)
		stats.P90Latency = quantile(l.hist, 90)
		stats.P99Latency = quantile(l.hist, 99)
	}

	stats.MinLatencyMs = ms(stats.MinLatency)
	stats.MaxLatencyMs = ms(stats.MaxLatency)
	stats.MeanLatencyMs = ms(stats.MeanLatency)
	stats.P50LatencyMs = ms(stats.P50Latency)
	stats.P90LatencyMs = ms(stats.P90Latency)
	stats.P99LatencyMs = ms(stats.P99Latency)

	stats.Duration = elapsed
	stats.DurationMs = ms(elapsed)
	if elapsed > 0 && total > 0 {
		stats.RequestsPerSec = float64(total) / elapsed.Seconds()
	}

	for key, ls := range c.byRequest {
		n := ls.successes + ls.failures
		rs := RequestStats{Method: key.method, Name: key.name, Total: n, Failures: ls.failures}
		if n > 0 {
			rs.MeanLatency = time.Duration(int64(ls.sumLatency) / n)
			rs.AvgSize = float64(ls.sumSize) / float64(n)
		}
		if ls.hist.TotalCount() > 0 {
			rs.P50Latency = quantile(ls.hist, 50)
			rs.P99Latency = quantile(ls.hist, 99)
		}
		rs.MeanLatencyMs = ms(rs.MeanLatency)
		rs.P50LatencyMs = ms(rs.P50Latency)
		rs.P99LatencyMs = ms(rs.P99Latency)
		if elapsed > 0 {
			rs.RequestsPerSec = float64(n) / elapsed.Seconds()
		}
		stats.Requests = append(stats.Requests, rs)
	}
	sort.Slice(stats.Requests, func(i, j int) bool {
		if stats.Requests[i].Name == stats.Requests[j].Name {
			return stats.Requests[i].Method < stats.Requests[j].Method
		}
		return stats.Requests[i].Name < stats.Requests[j].Name
	})

	stats.Errors = sortedErrors(c.errors)
	return stats
}

func quantile(h *hdrhistogram.Histogram, q float64) time.Duration {
	return time.Duration(h.ValueAtQuantile(q)) * time.Microsecond
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
