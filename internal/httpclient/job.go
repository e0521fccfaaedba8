package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/torosent/crankswarm/internal/auth"
	"github.com/torosent/crankswarm/internal/config"
	"github.com/torosent/crankswarm/internal/tracing"
	"github.com/torosent/crankswarm/internal/user"
)

// StatusError reports a response whose status was not expected.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// JobOptions are shared by every job of a run.
type JobOptions struct {
	Client *http.Client
	// Tracer wraps each request in a client span when set.
	Tracer trace.Tracer
	// Propagate sends W3C trace context headers to the target.
	Propagate bool
	// Auth sets the Authorization header of every request when set.
	Auth   auth.Provider
	Logger *zap.Logger
}

type httpJob struct {
	builder      *RequestBuilder
	extract      []config.Extractor
	expectStatus []int
	opts         JobOptions
}

// NewJob builds the user job for one declared request.
//
// A failed request is reported as a request failure and the user carries on
// with its next job; only building the request can end the user.
func NewJob(job config.Job, classHeaders map[string]string, opts JobOptions) (user.Job, error) {
	builder, err := NewRequestBuilder(job, classHeaders)
	if err != nil {
		return user.Job{}, fmt.Errorf("job %q: %w", job.Name, err)
	}
	if opts.Client == nil {
		opts.Client = NewClient(30 * time.Second)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	j := &httpJob{
		builder:      builder,
		extract:      job.Extract,
		expectStatus: job.ExpectStatus,
		opts:         opts,
	}
	return user.Job{Name: builder.Name(), Run: j.run}, nil
}

func (j *httpJob) run(ctx context.Context, s *user.Session) error {
	req, err := j.builder.Build(ctx, s.Host, s.Vars())
	if err != nil {
		return err
	}
	if j.opts.Auth != nil {
		if err := j.opts.Auth.InjectHeader(ctx, req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Record(ctx, j.builder.Name(), j.builder.Method(), 0, 0, fmt.Errorf("authenticate: %w", err))
			return nil
		}
	}

	var span trace.Span
	if j.opts.Tracer != nil {
		var spanCtx context.Context
		spanCtx, span = tracing.StartRequestSpan(ctx, j.opts.Tracer, j.builder.Method(), j.builder.Name())
		req = req.WithContext(spanCtx)
		if j.opts.Propagate {
			tracing.InjectHTTPHeaders(spanCtx, req.Header)
		}
	}

	start := time.Now()
	status, body, reqErr := j.do(req)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		if span != nil {
			tracing.EndSpan(span, ctx.Err())
		}
		return ctx.Err()
	}

	if reqErr == nil && !j.statusOK(status) {
		reqErr = &StatusError{Code: status}
	}
	if span != nil {
		tracing.EndSpan(span, reqErr, attribute.Int("http.response.status_code", status))
	}

	if len(j.extract) > 0 && status != 0 {
		var active []config.Extractor
		for _, ex := range j.extract {
			if reqErr == nil || ex.OnError {
				active = append(active, ex)
			}
		}
		s.Merge(ExtractAll(body, active, j.opts.Logger))
	}

	s.Record(ctx, j.builder.Name(), j.builder.Method(), elapsed, int64(len(body)), reqErr)
	return nil
}

func (j *httpJob) do(req *http.Request) (int, []byte, error) {
	resp, err := j.opts.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, body, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// statusOK accepts the declared codes, or any status below 400 when none
// are declared.
func (j *httpJob) statusOK(code int) bool {
	if len(j.expectStatus) > 0 {
		return slices.Contains(j.expectStatus, code)
	}
	return code > 0 && code < http.StatusBadRequest
}
