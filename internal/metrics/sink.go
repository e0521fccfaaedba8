package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/crankswarm/internal/events"
)

// Sink feeds bus events into a Collector and, when set, an Exporter.
type Sink struct {
	collector *Collector
	exporter  *Exporter
	logger    *zap.Logger
	subs      []*events.Subscription
}

// Attach subscribes a sink to bus. exporter may be nil.
func Attach(bus *events.Bus, collector *Collector, exporter *Exporter, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{collector: collector, exporter: exporter, logger: logger}
	s.subs = append(s.subs,
		bus.TestStart.Subscribe(func(context.Context, events.TestStart) error {
			collector.Reset()
			return nil
		}),
		bus.Request.Subscribe(func(_ context.Context, e events.Request) error {
			var errText string
			if e.Err != nil {
				errText = e.Err.Error()
			}
			s.observe(e.Name, e.Method, e.Duration, e.Size, errText)
			return nil
		}),
		bus.UserError.Subscribe(func(_ context.Context, e events.UserError) error {
			s.userError(e.Err.Error())
			return nil
		}),
		bus.WorkerReport.Subscribe(func(_ context.Context, e events.WorkerReport) error {
			if s.exporter != nil {
				s.exporter.SetUserCount(e.WorkerID, e.UserCount)
			}
			switch e.Kind {
			case events.ReportStats:
				s.observe(e.Name, e.Method, e.Duration, e.Size, e.Error)
			case events.ReportError:
				s.userError(e.Error)
			}
			return nil
		}),
	)
	return s
}

func (s *Sink) observe(name, method string, latency time.Duration, size int64, errText string) {
	first := s.collector.RecordRequest(method, name, latency, size, errText)
	if first {
		s.logger.Error("request failed", zap.String("name", name), zap.String("method", method), zap.String("error", NormalizeError(errText)))
	}
	if s.exporter != nil {
		s.exporter.ObserveRequest(name, method, latency, size, errText)
	}
}

func (s *Sink) userError(errText string) {
	if s.collector.RecordUserError(errText) {
		s.logger.Error("user error", zap.String("error", NormalizeError(errText)))
	}
	if s.exporter != nil {
		s.exporter.ObserveUserError(errText)
	}
}

// Close detaches the sink from the bus.
func (s *Sink) Close() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
}
