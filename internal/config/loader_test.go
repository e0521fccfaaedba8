package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestAsString(t *testing.T) {
	tests := []struct {
		input interface{}
		want  string
	}{
		{"hello", "hello"},
		{123, "123"},
		{true, "true"},
		{nil, ""},
		{[]byte("bytes"), "bytes"},
	}

	for _, tt := range tests {
		got, err := asString(tt.input)
		if err != nil {
			t.Errorf("asString(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asString(%v) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestAsInt(t *testing.T) {
	tests := []struct {
		input interface{}
		want  int
	}{
		{123, 123},
		{"456", 456},
		{int64(789), 789},
		{float64(10.0), 10},
		{nil, 0},
	}

	for _, tt := range tests {
		got, err := asInt(tt.input)
		if err != nil {
			t.Errorf("asInt(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asInt(%v) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestAsDuration(t *testing.T) {
	tests := []struct {
		input interface{}
		want  time.Duration
	}{
		{"20", 20 * time.Second},
		{"20s", 20 * time.Second},
		{"3m", 3 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"0.5", 500 * time.Millisecond},
		{5, 5 * time.Second},
		{1.5, 1500 * time.Millisecond},
		{"", 0},
		{nil, 0},
	}

	for _, tt := range tests {
		got, err := asDuration(tt.input)
		if err != nil {
			t.Errorf("asDuration(%v) error = %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("asDuration(%v) = %s, want %s", tt.input, got, tt.want)
		}
	}

	if _, err := asDuration("soon"); err == nil {
		t.Errorf("asDuration(soon) should fail")
	}
}

func TestAsIntSlice(t *testing.T) {
	got, err := asIntSlice([]interface{}{200, "201"})
	if err != nil {
		t.Fatalf("asIntSlice error = %v", err)
	}
	if len(got) != 2 || got[0] != 200 || got[1] != 201 {
		t.Fatalf("asIntSlice = %v", got)
	}

	single, err := asIntSlice(204)
	if err != nil || len(single) != 1 || single[0] != 204 {
		t.Fatalf("asIntSlice(204) = %v, %v", single, err)
	}
}

func TestAsFloat64Slice(t *testing.T) {
	got, err := asFloat64Slice("10, 20,40.5")
	if err != nil {
		t.Fatalf("asFloat64Slice error = %v", err)
	}
	want := []float64{10, 20, 40.5}
	if len(got) != len(want) {
		t.Fatalf("asFloat64Slice = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("asFloat64Slice = %v, want %v", got, want)
		}
	}
}

func TestParseWait(t *testing.T) {
	constant, err := parseWait("2s")
	if err != nil {
		t.Fatalf("parseWait error = %v", err)
	}
	if constant.Min != 2*time.Second || constant.Max != 2*time.Second {
		t.Fatalf("constant wait = %+v", constant)
	}

	bounded, err := parseWait(map[string]interface{}{"min": "1s", "max": 3})
	if err != nil {
		t.Fatalf("parseWait error = %v", err)
	}
	if bounded.Min != time.Second || bounded.Max != 3*time.Second {
		t.Fatalf("bounded wait = %+v", bounded)
	}
}

func TestParseShapeAcceptsListOrStagesMap(t *testing.T) {
	list := []interface{}{
		map[string]interface{}{"duration": "10s", "user_count": 5, "rate": 1},
		map[string]interface{}{"duration": 20, "users": 10, "spawn_rate": "2.5"},
	}
	stages, err := parseShape(list)
	if err != nil {
		t.Fatalf("parseShape(list) error = %v", err)
	}
	if len(stages) != 2 || stages[1].Until != 20*time.Second || stages[1].UserCount != 10 || stages[1].Rate != 2.5 {
		t.Fatalf("unexpected stages %+v", stages)
	}

	wrapped, err := parseShape(map[string]interface{}{"stages": list})
	if err != nil {
		t.Fatalf("parseShape(map) error = %v", err)
	}
	if len(wrapped) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(wrapped))
	}

	if _, err := parseShape(map[string]interface{}{"steps": list}); err == nil {
		t.Fatalf("expected error without stages key")
	}
}

func TestApplyFlagOverridesOnlyChangedFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	configureFlags(fs)
	if err := fs.Parse([]string{"-u", "20", "--run-time", "90", "WebUser"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg := defaultConfig()
	cfg.Rate = 4
	cfg.MasterHost = "from-file"
	if err := applyFlagOverrides(cfg, fs); err != nil {
		t.Fatalf("applyFlagOverrides error = %v", err)
	}
	if cfg.Users != 20 {
		t.Errorf("Users = %d, want 20", cfg.Users)
	}
	if cfg.RunTime != 90*time.Second {
		t.Errorf("RunTime = %s, want 1m30s", cfg.RunTime)
	}
	if cfg.Rate != 4 || cfg.MasterHost != "from-file" {
		t.Errorf("unchanged flags must keep file values, got rate=%v master-host=%q", cfg.Rate, cfg.MasterHost)
	}
	if len(cfg.Classes) != 1 || cfg.Classes[0] != "WebUser" {
		t.Errorf("Classes = %v, want [WebUser]", cfg.Classes)
	}
}
