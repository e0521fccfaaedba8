package user

import (
	"context"
	"sync"
	"time"

	"github.com/torosent/crankswarm/internal/events"
)

// Reporter receives what users observe.
type Reporter interface {
	ReportRequest(ctx context.Context, r events.Request)
	ReportError(ctx context.Context, e events.UserError)
}

// Session is the per-user state shared by a user's hooks and jobs.
type Session struct {
	ID    string
	Class *Class
	Host  string

	reporter Reporter

	mu   sync.RWMutex
	vars map[string]string
}

// NewSession returns a session bound to reporter. Spawn creates one per user;
// it is exported for driving jobs outside a running user.
func NewSession(id string, class *Class, host string, reporter Reporter) *Session {
	return &Session{ID: id, Class: class, Host: host, reporter: reporter, vars: make(map[string]string)}
}

// Record reports one request outcome.
func (s *Session) Record(ctx context.Context, name, method string, d time.Duration, size int64, err error) {
	if s.reporter == nil {
		return
	}
	s.reporter.ReportRequest(ctx, events.Request{
		Name:     name,
		Method:   method,
		Duration: d,
		Size:     size,
		Err:      err,
	})
}

// Set stores a session variable.
func (s *Session) Set(key, value string) {
	s.mu.Lock()
	s.vars[key] = value
	s.mu.Unlock()
}

// Get returns a session variable.
func (s *Session) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key]
	return v, ok
}

// Merge stores every entry of values.
func (s *Session) Merge(values map[string]string) {
	if len(values) == 0 {
		return
	}
	s.mu.Lock()
	for k, v := range values {
		s.vars[k] = v
	}
	s.mu.Unlock()
}

// Vars returns a copy of the session variables.
func (s *Session) Vars() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}
