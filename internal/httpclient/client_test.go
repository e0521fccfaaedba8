package httpclient

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/crankswarm/internal/config"
)

func TestBuildRequestWithHeadersAndVariables(t *testing.T) {
	builder, err := NewRequestBuilder(config.Job{
		Name:    "order",
		Method:  "post",
		Path:    "/orders/{{order_id}}",
		Headers: map[string]string{"authorization": "Bearer {{token}}", "x-source": "job"},
		Body:    `{"qty":{{qty|1}}}`,
	}, map[string]string{"X-Source": "class", "Accept": "application/json"})
	if err != nil {
		t.Fatalf("NewRequestBuilder() error = %v", err)
	}

	req, err := builder.Build(context.Background(), "http://shop.test/", map[string]string{
		"order_id": "42",
		"token":    "abc",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if req.Method != http.MethodPost {
		t.Errorf("Method = %q, want POST", req.Method)
	}
	if got := req.URL.String(); got != "http://shop.test/orders/42" {
		t.Errorf("URL = %q", got)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer abc" {
		t.Errorf("Authorization = %q", got)
	}
	if got := req.Header.Get("X-Source"); got != "job" {
		t.Errorf("job headers should override class headers, got %q", got)
	}
	if got := req.Header.Get("Accept"); got != "application/json" {
		t.Errorf("Accept = %q", got)
	}
	body, _ := io.ReadAll(req.Body)
	if string(body) != `{"qty":1}` {
		t.Errorf("body = %q", body)
	}
	if builder.Name() != "order" || builder.Method() != "POST" {
		t.Errorf("Name/Method = %q/%q", builder.Name(), builder.Method())
	}
}

func TestBuildAbsoluteURLIgnoresHost(t *testing.T) {
	builder, err := NewRequestBuilder(config.Job{Path: "https://other.test/ping"}, nil)
	if err != nil {
		t.Fatalf("NewRequestBuilder() error = %v", err)
	}
	req, err := builder.Build(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if req.URL.Host != "other.test" || req.Method != http.MethodGet {
		t.Errorf("unexpected request %s %s", req.Method, req.URL)
	}
	if builder.Name() != "https://other.test/ping" {
		t.Errorf("name should default to the path, got %q", builder.Name())
	}
}

func TestBuildWithoutHostFails(t *testing.T) {
	builder, err := NewRequestBuilder(config.Job{Path: "/ping"}, nil)
	if err != nil {
		t.Fatalf("NewRequestBuilder() error = %v", err)
	}
	if _, err := builder.Build(context.Background(), "", nil); err == nil {
		t.Fatalf("expected error without a host")
	}
}

func TestRequestBuilderRejectsInvalidHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"empty key", map[string]string{" ": "v"}},
		{"newline in key", map[string]string{"X-Bad\nKey": "v"}},
		{"newline in value", map[string]string{"X-Ok": "a\r\nb"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRequestBuilder(config.Job{Path: "/", Headers: tt.headers}, nil); err == nil {
				t.Fatalf("expected error for %v", tt.headers)
			}
		})
	}
}

func TestRequestBuilderRequiresPath(t *testing.T) {
	if _, err := NewRequestBuilder(config.Job{Path: "  "}, nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestApply(t *testing.T) {
	vars := map[string]string{"id": "7", "name": "ada"}
	tests := []struct {
		in, want string
	}{
		{"/users/{{id}}", "/users/7"},
		{"/users/{{ id }}/{{name}}", "/users/7/ada"},
		{"{{missing|fallback}}", "fallback"},
		{"{{missing|}}", ""},
		{"{{id|fallback}}", "7"},
		{"{{missing}}", "{{missing}}"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		if got := Apply(tt.in, vars); got != tt.want {
			t.Errorf("Apply(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractAll(t *testing.T) {
	body := []byte(`{"token":"t-1","user":{"id":9},"build":"build-311"}`)
	got := ExtractAll(body, []config.Extractor{
		{Variable: "token", JSONPath: "$.token"},
		{Variable: "uid", JSONPath: "user.id"},
		{Variable: "build", Regex: `build-([0-9]+)`},
		{Variable: "whole", Regex: `"token"`},
		{Variable: "missing", JSONPath: "$.nope"},
	}, zap.NewNop())

	want := map[string]string{
		"token":   "t-1",
		"uid":     "9",
		"build":   "311",
		"whole":   `"token"`,
		"missing": "",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	all := ExtractAll(body, []config.Extractor{{Variable: "doc", JSONPath: "$"}}, zap.NewNop())
	if !strings.Contains(all["doc"], `"token":"t-1"`) {
		t.Errorf("$ should return the whole document, got %q", all["doc"])
	}
}

func TestClientTimeoutApplied(t *testing.T) {
	client := NewClient(2 * time.Second)
	if client.Timeout != 2*time.Second {
		t.Errorf("Timeout = %s, want 2s", client.Timeout)
	}
	if NewClient(-time.Second).Timeout != 0 {
		t.Errorf("negative timeout should disable the client timeout")
	}
	if _, ok := client.Transport.(*http.Transport); !ok {
		t.Errorf("expected *http.Transport, got %T", client.Transport)
	}
}

func TestBuildClasses(t *testing.T) {
	classes, err := BuildClasses([]config.UserClass{
		{
			Name:   "browser",
			Weight: 3,
			Host:   "http://a.test",
			Wait:   config.WaitConfig{Min: time.Second, Max: 2 * time.Second},
			Jobs:   []config.Job{{Name: "home", Path: "/"}, {Path: "/about"}},
		},
		{Name: "api", Weight: 1, Jobs: []config.Job{{Path: "/health"}}},
	}, JobOptions{})
	if err != nil {
		t.Fatalf("BuildClasses() error = %v", err)
	}
	if len(classes) != 2 {
		t.Fatalf("expected 2 classes, got %d", len(classes))
	}
	browser := classes[0]
	if browser.Name != "browser" || browser.Weight != 3 || browser.Host != "http://a.test" {
		t.Errorf("browser = %+v", browser)
	}
	if len(browser.Jobs) != 2 || browser.Jobs[0].Name != "home" || browser.Jobs[1].Name != "/about" {
		t.Errorf("browser jobs = %+v", browser.Jobs)
	}
	for i := 0; i < 20; i++ {
		if w := browser.Wait(); w < time.Second || w > 2*time.Second {
			t.Fatalf("wait %s outside [1s, 2s]", w)
		}
	}
	if classes[1].Wait() != 0 {
		t.Errorf("undeclared wait should be zero")
	}
}

func TestBuildClassesRejectsInvalidClass(t *testing.T) {
	if _, err := BuildClasses([]config.UserClass{{Name: "empty", Weight: 1}}, JobOptions{}); err == nil {
		t.Fatalf("expected error for class without jobs")
	}
	if _, err := BuildClasses([]config.UserClass{{Name: "zero", Weight: 0, Jobs: []config.Job{{Path: "/"}}}}, JobOptions{}); err == nil {
		t.Fatalf("expected error for zero weight")
	}
}
