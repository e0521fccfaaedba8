package events

import (
	"time"

	"go.uber.org/zap"
)

// TestStart is fired when a runner first starts spawning users.
type TestStart struct {
	Role string
}

// StartComplete is fired once the population first reaches its target.
type StartComplete struct {
	UserCount int
}

// Request is one request outcome reported by a user.
type Request struct {
	Name     string
	Method   string
	Duration time.Duration
	Size     int64
	Err      error
}

// UserError is an unhandled failure inside a user's job.
type UserError struct {
	User string
	Err  error
}

// ReportKind tells which worker message a WorkerReport relays.
type ReportKind string

const (
	ReportStats ReportKind = "stats"
	ReportError ReportKind = "error"
)

// WorkerReport relays a worker's stats or error message on the coordinator.
type WorkerReport struct {
	WorkerID  string
	Kind      ReportKind
	UserCount int

	// Stats reports.
	Name     string
	Method   string
	Duration time.Duration
	Size     int64

	// Error text for failed requests and user errors.
	Error string
}

// TestStop is fired when the population is fully stopped.
type TestStop struct{}

// Quitting is fired while a runner shuts down.
type Quitting struct{}

// Bus groups the hooks a runner publishes to.
type Bus struct {
	TestStart     Hook[TestStart]
	StartComplete Hook[StartComplete]
	Request       Hook[Request]
	UserError     Hook[UserError]
	WorkerReport  Hook[WorkerReport]
	TestStop      Hook[TestStop]
	Quitting      Hook[Quitting]
}

// NewBus creates a bus whose hooks log handler failures to logger.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{}
	b.TestStart.bind("test_start", logger)
	b.StartComplete.bind("start_complete", logger)
	b.Request.bind("request", logger)
	b.UserError.bind("user_error", logger)
	b.WorkerReport.bind("worker_report", logger)
	b.TestStop.bind("test_stop", logger)
	b.Quitting.bind("quitting", logger)
	return b
}
