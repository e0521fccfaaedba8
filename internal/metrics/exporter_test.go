package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/torosent/crankswarm/internal/events"
)

func TestExporterObservesRequests(t *testing.T) {
	e := NewExporter(nil)
	e.ObserveRequest("/", "GET", 120*time.Millisecond, 512, "")
	e.ObserveRequest("/", "GET", 20*time.Millisecond, 0, "boom at 0xc0001")

	if got := testutil.ToFloat64(e.contentLength.WithLabelValues("/", "GET", "200")); got != 512 {
		t.Fatalf("content length = %g, want 512", got)
	}
	if got := testutil.ToFloat64(e.responseFailure.WithLabelValues("/", "GET", "boom at 0x....")); got != 1 {
		t.Fatalf("failure counter = %g, want 1", got)
	}
	if n := testutil.CollectAndCount(e.responseTimes); n != 2 {
		t.Fatalf("expected two response time series, got %d", n)
	}
}

func TestExporterNodeGauges(t *testing.T) {
	e := NewExporter(nil)
	e.SetUserCount("w1", 7)
	e.SetCPUUsage("w1", 42)
	if got := testutil.ToFloat64(e.userCount.WithLabelValues("w1")); got != 7 {
		t.Fatalf("user count = %g", got)
	}
	e.Forget("w1")
	if n := testutil.CollectAndCount(e.cpuUsage); n != 0 {
		t.Fatalf("expected cpu series to be removed, got %d", n)
	}
}

func TestExporterServesMetrics(t *testing.T) {
	e := NewExporter([]float64{10, 100})
	e.ObserveUserError("kaput")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `crankswarm_user_error{error="kaput"} 1`) {
		t.Fatalf("metrics output missing user error:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func TestCPUSamplerReportsSamples(t *testing.T) {
	samples := make(chan float64, 4)
	s := newCPUSampler("local", time.Millisecond, zap.NewNop(), func() (float64, error) {
		return 95, nil
	}, func(pct float64) {
		select {
		case samples <- pct:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	select {
	case pct := <-samples:
		if pct != 95 {
			t.Fatalf("sample = %g", pct)
		}
	case <-time.After(time.Second):
		t.Fatalf("no sample")
	}
	if s.Usage() != 95 {
		t.Fatalf("Usage() = %g", s.Usage())
	}
}

func TestCPUSamplerKeepsLastSampleOnError(t *testing.T) {
	calls := 0
	s := newCPUSampler("local", time.Hour, nil, func() (float64, error) {
		calls++
		if calls == 1 {
			return 12, nil
		}
		return 0, errors.New("unavailable")
	}, nil)
	s.tick()
	s.tick()
	if s.Usage() != 12 {
		t.Fatalf("expected last good sample, got %g", s.Usage())
	}
}

func TestSinkRoutesEvents(t *testing.T) {
	bus := events.NewBus(nil)
	c := NewCollector()
	e := NewExporter(nil)
	sink := Attach(bus, c, e, nil)
	ctx := context.Background()

	bus.Request.Fire(ctx, events.Request{Name: "/", Method: "GET", Duration: time.Millisecond, Size: 3})
	bus.Request.Fire(ctx, events.Request{Name: "/", Method: "GET", Duration: time.Millisecond, Err: errors.New("500")})
	bus.UserError.Fire(ctx, events.UserError{User: "u1", Err: errors.New("job: boom")})
	bus.WorkerReport.Fire(ctx, events.WorkerReport{WorkerID: "w1", Kind: events.ReportStats, UserCount: 4, Name: "/x", Method: "POST", Duration: 2 * time.Millisecond})
	bus.WorkerReport.Fire(ctx, events.WorkerReport{WorkerID: "w1", Kind: events.ReportError, UserCount: 3, Error: "job: kaput"})

	stats := c.Stats(time.Second)
	if stats.Total != 3 || stats.Failures != 1 || stats.UserErrors != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if got := testutil.ToFloat64(e.userCount.WithLabelValues("w1")); got != 3 {
		t.Fatalf("worker user count = %g, want 3", got)
	}

	bus.TestStart.Fire(ctx, events.TestStart{})
	if c.Stats(0).Total != 0 {
		t.Fatalf("test start should reset the collector")
	}

	sink.Close()
	bus.Request.Fire(ctx, events.Request{Name: "/", Method: "GET"})
	if c.Stats(0).Total != 0 {
		t.Fatalf("closed sink must not record")
	}
}

func TestExportUserCount(t *testing.T) {
	e := NewExporter(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ExportUserCount(ctx, e, "local", time.Millisecond, func() int { return 9 })
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(e.userCount.WithLabelValues("local")) != 9 {
		if time.Now().After(deadline) {
			t.Fatalf("user count never exported")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}
