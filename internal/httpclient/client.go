package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/torosent/crankswarm/internal/config"
)

// RequestBuilder builds the request of one declared job.
type RequestBuilder struct {
	name    string
	method  string
	path    string
	headers http.Header
	body    payload
}

// NewRequestBuilder merges classHeaders with the job's own headers, the job
// winning on conflicts.
func NewRequestBuilder(job config.Job, classHeaders map[string]string) (*RequestBuilder, error) {
	path := strings.TrimSpace(job.Path)
	if path == "" {
		return nil, errors.New("request path is required")
	}

	method := strings.ToUpper(strings.TrimSpace(job.Method))
	if method == "" {
		method = http.MethodGet
	}

	body, err := loadPayload(job)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	for _, source := range []map[string]string{classHeaders, job.Headers} {
		for key, value := range source {
			if err := setHeader(headers, key, value); err != nil {
				return nil, err
			}
		}
	}

	name := job.Name
	if name == "" {
		name = path
	}

	return &RequestBuilder{
		name:    name,
		method:  method,
		path:    path,
		headers: headers,
		body:    body,
	}, nil
}

func setHeader(headers http.Header, key, value string) error {
	trimmedKey := strings.TrimSpace(key)
	if trimmedKey == "" || strings.ContainsAny(trimmedKey, "\r\n") {
		return fmt.Errorf("invalid header key %q", key)
	}
	canonicalKey := http.CanonicalHeaderKey(trimmedKey)
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("invalid header value for %s", canonicalKey)
	}
	headers.Set(canonicalKey, value)
	return nil
}

// Name is the request name statistics are reported under.
func (b *RequestBuilder) Name() string { return b.name }

// Method is the HTTP method of the request.
func (b *RequestBuilder) Method() string { return b.method }

// Build returns a request against host with vars substituted into the path,
// headers and body. A path that is already an absolute URL ignores host.
func (b *RequestBuilder) Build(ctx context.Context, host string, vars map[string]string) (*http.Request, error) {
	if b == nil {
		return nil, errors.New("builder cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target := Apply(b.path, vars)
	if !strings.Contains(target, "://") {
		if host == "" {
			return nil, fmt.Errorf("no host set for request %q", b.name)
		}
		target = strings.TrimRight(host, "/") + "/" + strings.TrimLeft(target, "/")
	}

	req, err := http.NewRequestWithContext(ctx, b.method, target, b.body.render(vars))
	if err != nil {
		return nil, err
	}

	req.Header = make(http.Header, len(b.headers))
	for key, values := range b.headers {
		for _, val := range values {
			req.Header.Add(key, Apply(val, vars))
		}
	}
	return req, nil
}

func NewClient(timeout time.Duration) *http.Client {
	if timeout < 0 {
		timeout = 0
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
