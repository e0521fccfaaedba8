package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/torosent/crankswarm/internal/config"
	"github.com/torosent/crankswarm/internal/user"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crankswarm.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func targetConfig(host string) string {
	return `host: ` + host + `
user_count: 2
rate: 2
prometheus_port: 0
users:
  - name: api
    weight: 1
    wait: 0.01
    jobs:
      - name: health
        path: /health
`
}

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"--help"}, &out); err != nil {
		t.Fatalf("run(--help) error = %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `user_count: 0
users:
  - name: api
    jobs:
      - path: /
`)
	var out bytes.Buffer
	err := run([]string{"--config", path}, &out)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPrintUsersWeight(t *testing.T) {
	noop := func(context.Context, *user.Session) error { return nil }
	classes := []*user.Class{
		{Name: "browser", Weight: 1, Jobs: []user.Job{{Name: "home", Run: noop}}},
		{Name: "api", Weight: 3, Jobs: []user.Job{{Name: "list", Run: noop}, {Name: "get", Run: noop}}},
	}

	var out bytes.Buffer
	if err := printUsersWeight(&out, classes); err != nil {
		t.Fatalf("printUsersWeight: %v", err)
	}

	var doc map[string]weightEntry
	if err := yaml.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("output is not yaml: %v\n%s", err, out.String())
	}
	if doc["browser"].Weight != 1 || doc["browser"].Share != 0.25 {
		t.Fatalf("unexpected browser entry %+v", doc["browser"])
	}
	if doc["api"].Share != 0.75 || len(doc["api"].Jobs) != 2 || doc["api"].Jobs[1] != "get" {
		t.Fatalf("unexpected api entry %+v", doc["api"])
	}
}

func TestRunShowUsersWeight(t *testing.T) {
	path := writeConfig(t, targetConfig("http://127.0.0.1:1"))
	var out bytes.Buffer
	if err := run([]string{"--config", path, "--show-users-weight", "-L", "ERROR"}, &out); err != nil {
		t.Fatalf("run error = %v", err)
	}
	if !strings.Contains(out.String(), "api:") || !strings.Contains(out.String(), "health") {
		t.Fatalf("unexpected weights output:\n%s", out.String())
	}
}

func TestRunLocalWritesJSONReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	path := writeConfig(t, targetConfig(srv.URL))
	var out bytes.Buffer
	start := time.Now()
	if err := run([]string{"--config", path, "-t", "1", "--json-output", "-L", "ERROR"}, &out); err != nil {
		t.Fatalf("run error = %v\n%s", err, out.String())
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("run returned before the run time: %v", elapsed)
	}

	var report struct {
		Total    int64 `json:"total"`
		Failures int64 `json:"failures"`
		Requests []struct {
			Method string `json:"method"`
			Name   string `json:"name"`
		} `json:"requests"`
	}
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("report is not json: %v\n%s", err, out.String())
	}
	if report.Total == 0 || report.Failures != 0 {
		t.Fatalf("unexpected totals %+v", report)
	}
	if len(report.Requests) != 1 || report.Requests[0].Method != "GET" || report.Requests[0].Name != "health" {
		t.Fatalf("unexpected request breakdown %+v", report.Requests)
	}
}

func TestRunLocalFailsOnRequestErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	path := writeConfig(t, targetConfig(srv.URL))
	var out bytes.Buffer
	err := run([]string{"--config", path, "-t", "1", "-L", "ERROR"}, &out)
	if err == nil || !strings.Contains(err.Error(), "requests failed") {
		t.Fatalf("expected failure exit, got %v", err)
	}
	if !strings.Contains(out.String(), "\nErrors:\n") {
		t.Fatalf("text report should list errors:\n%s", out.String())
	}
}

type fakeController struct {
	starts  chan [2]float64
	quits   int
	quitted chan struct{}
}

func newFakeController() *fakeController {
	return &fakeController{starts: make(chan [2]float64, 16), quitted: make(chan struct{})}
}

func (f *fakeController) Start(_ context.Context, count int, rate float64) error {
	f.starts <- [2]float64{float64(count), rate}
	return nil
}

func (f *fakeController) Quit(context.Context) error {
	f.quits++
	return nil
}

func (f *fakeController) UserCount() int           { return 0 }
func (f *fakeController) Quitted() <-chan struct{} { return f.quitted }

func TestDriveQuitsAfterRunTime(t *testing.T) {
	c := newFakeController()
	cfg := &config.Config{Users: 3, Rate: 1, RunTime: 20 * time.Millisecond}

	if err := drive(context.Background(), cfg, c, zap.NewNop()); err != nil {
		t.Fatalf("drive error = %v", err)
	}
	if got := <-c.starts; got != [2]float64{3, 1} {
		t.Fatalf("unexpected start %v", got)
	}
	if c.quits != 1 {
		t.Fatalf("expected one quit, got %d", c.quits)
	}
}

func TestDriveQuitsOnCancel(t *testing.T) {
	c := newFakeController()
	cfg := &config.Config{Users: 1, Rate: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := drive(ctx, cfg, c, zap.NewNop()); err != nil {
		t.Fatalf("drive error = %v", err)
	}
	if c.quits != 1 {
		t.Fatalf("expected one quit, got %d", c.quits)
	}
}

func TestDriveFollowsShape(t *testing.T) {
	c := newFakeController()
	path := writeConfig(t, `user_count: 1
shape:
  - duration: 0.05
    user_count: 4
    rate: 2
users:
  - name: api
    jobs:
      - path: /
`)
	cfg, err := config.NewLoader().Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.RunTime = time.Hour

	if err := drive(context.Background(), cfg, c, zap.NewNop()); err != nil {
		t.Fatalf("drive error = %v", err)
	}
	if got := <-c.starts; got != [2]float64{4, 2} {
		t.Fatalf("unexpected shape target %v", got)
	}
	if c.quits != 1 {
		t.Fatalf("shape end should quit, got %d quits", c.quits)
	}
}
