package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crankswarm"

// DefaultBuckets are the response time histogram bounds in milliseconds.
var DefaultBuckets = []float64{50, 100, 300, 1000, 3000, 8000}

// Exporter publishes run metrics in the Prometheus exposition format.
type Exporter struct {
	registry *prometheus.Registry

	responseTimes   *prometheus.HistogramVec
	contentLength   *prometheus.GaugeVec
	responseFailure *prometheus.CounterVec
	userError       *prometheus.CounterVec
	userCount       *prometheus.GaugeVec
	cpuUsage        *prometheus.GaugeVec
}

// NewExporter builds an exporter on a private registry. buckets are in
// milliseconds; nil selects DefaultBuckets.
func NewExporter(buckets []float64) *Exporter {
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		responseTimes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "response_times",
				Help:      "Bucketed histogram of response times (ms).",
				Buckets:   buckets,
			}, []string{"name", "method", "code"}),
		contentLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "response_content_length",
				Help:      "Content length of the last response.",
			}, []string{"name", "method", "code"}),
		responseFailure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "response_failure",
				Help:      "Total count of failed requests.",
			}, []string{"name", "method", "error"}),
		userError: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_error",
				Help:      "Total count of errors raised inside user jobs.",
			}, []string{"error"}),
		userCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_user_count",
				Help:      "Running users per node.",
			}, []string{"node"}),
		cpuUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_cpu_usage",
				Help:      "Process CPU usage percentage per node.",
			}, []string{"node"}),
	}
	e.registry.MustRegister(
		e.responseTimes,
		e.contentLength,
		e.responseFailure,
		e.userError,
		e.userCount,
		e.cpuUsage,
	)
	return e
}

// Registry exposes the exporter's registry.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// ObserveRequest records one request. Failed requests are labelled code 400
// and counted under their normalized error.
func (e *Exporter) ObserveRequest(name, method string, latency time.Duration, size int64, errText string) {
	code := 200
	if errText != "" {
		code = 400
		e.responseFailure.WithLabelValues(name, method, NormalizeError(errText)).Inc()
	}
	c := strconv.Itoa(code)
	e.responseTimes.WithLabelValues(name, method, c).Observe(ms(latency))
	e.contentLength.WithLabelValues(name, method, c).Set(float64(size))
}

// ObserveUserError counts an error raised inside a user's job.
func (e *Exporter) ObserveUserError(errText string) {
	e.userError.WithLabelValues(NormalizeError(errText)).Inc()
}

// SetUserCount sets the running user gauge for node.
func (e *Exporter) SetUserCount(node string, n int) {
	e.userCount.WithLabelValues(node).Set(float64(n))
}

// SetCPUUsage sets the CPU gauge for node.
func (e *Exporter) SetCPUUsage(node string, pct float64) {
	e.cpuUsage.WithLabelValues(node).Set(pct)
}

// Forget drops the per-node series of a worker that left.
func (e *Exporter) Forget(node string) {
	e.userCount.DeleteLabelValues(node)
	e.cpuUsage.DeleteLabelValues(node)
}

// Handler serves the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return e.serve(ctx, ln)
}

func (e *Exporter) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}
