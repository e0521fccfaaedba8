package output

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/torosent/crankswarm/internal/metrics"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressReporterLine(t *testing.T) {
	collector := metrics.NewCollector()
	for i := 0; i < 3; i++ {
		collector.RecordRequest("GET", "/a", 10*time.Millisecond, 1, "")
	}
	collector.RecordRequest("GET", "/b", 10*time.Millisecond, 1, "boom")

	reporter := NewProgressReporter(collector, func() int { return 7 }, time.Hour, nil)
	defer reporter.Stop()

	line := reporter.line()
	for _, want := range []string{"Users: 7", "Requests: 4", "Failures: 1", "Top: GET /a (75%)"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in %q", want, line)
		}
	}
}

func TestProgressReporterWritesUpdates(t *testing.T) {
	collector := metrics.NewCollector()
	collector.RecordRequest("GET", "/", 5*time.Millisecond, 1, "")

	var buf syncBuffer
	reporter := NewProgressReporter(collector, nil, 20*time.Millisecond, &buf)
	reporter.Start()
	reporter.Start()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(buf.String(), "Requests: 1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	reporter.Stop()
	reporter.Stop()

	if !strings.Contains(buf.String(), "Users: 0 | Requests: 1") {
		t.Errorf("expected progress line, got %q", buf.String())
	}
}
