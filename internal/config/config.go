package config

import (
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/torosent/crankswarm/internal/shape"
)

// Role is the part this process plays in a test.
type Role string

const (
	RoleLocal  Role = "local"
	RoleMaster Role = "master"
	RoleWorker Role = "worker"
)

// DefaultBuckets are the response time histogram bounds in milliseconds.
var DefaultBuckets = []float64{50, 100, 300, 1000, 3000, 8000}

type Config struct {
	ConfigFile string `mapstructure:"-"`

	Host   string `mapstructure:"host"`
	Master bool   `mapstructure:"master"`
	Worker bool   `mapstructure:"worker"`

	ExpectWorkers  int    `mapstructure:"expect_workers"`
	MasterHost     string `mapstructure:"master_host"`
	MasterPort     int    `mapstructure:"master_port"`
	MasterBindHost string `mapstructure:"master_bind_host"`
	MasterBindPort int    `mapstructure:"master_bind_port"`

	Users   int           `mapstructure:"user_count"`
	Rate    float64       `mapstructure:"rate"`
	RunTime time.Duration `mapstructure:"run_time"`

	HeartbeatLiveness int           `mapstructure:"heartbeat_liveness"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	PrometheusPort int       `mapstructure:"prometheus_port"`
	Buckets        []float64 `mapstructure:"buckets"`

	LogLevel string `mapstructure:"loglevel"`
	LogFile  string `mapstructure:"logfile"`

	ShowUsersWeight bool   `mapstructure:"show_users_weight"`
	ShapeFile       string `mapstructure:"shape_file"`
	JSONOutput      bool   `mapstructure:"json_output"`

	// Classes restricts the run to the named user classes; empty runs all.
	Classes []string `mapstructure:"-"`

	UserClasses []UserClass   `mapstructure:"users"`
	Shape       shape.Stages  `mapstructure:"shape"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// UserClass declares one kind of simulated user.
type UserClass struct {
	Name    string            `mapstructure:"name"`
	Weight  int               `mapstructure:"weight"`
	Host    string            `mapstructure:"host"`
	Wait    WaitConfig        `mapstructure:"wait"`
	Headers map[string]string `mapstructure:"headers"`
	Auth    AuthConfig        `mapstructure:"auth"`
	Data    DataConfig        `mapstructure:"data"`
	Jobs    []Job             `mapstructure:"jobs"`
}

// DataConfig hands each spawned user one record of a CSV or JSON file as
// session variables.
type DataConfig struct {
	Path string `mapstructure:"path"`
	Type string `mapstructure:"type"` // "csv" or "json"; taken from the extension when empty
	// Unique hands out every record at most once instead of cycling.
	Unique bool `mapstructure:"unique"`
}

// Format returns the declared type or the one implied by the file extension.
func (d DataConfig) Format() string {
	if d.Type != "" {
		return d.Type
	}
	switch strings.ToLower(filepath.Ext(d.Path)) {
	case ".csv":
		return "csv"
	case ".json":
		return "json"
	}
	return ""
}

type AuthType string

const (
	AuthTypeBearer                  AuthType = "bearer"
	AuthTypeOAuth2ClientCredentials AuthType = "oauth2_client_credentials"
	AuthTypeOAuth2ResourceOwner     AuthType = "oauth2_resource_owner"
)

// AuthConfig sets the Authorization header of every request of a class.
type AuthConfig struct {
	Type                AuthType      `mapstructure:"type"`
	TokenURL            string        `mapstructure:"token_url"`
	ClientID            string        `mapstructure:"client_id"`
	ClientSecret        string        `mapstructure:"client_secret"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	Scopes              []string      `mapstructure:"scopes"`
	StaticToken         string        `mapstructure:"static_token"`
	RefreshBeforeExpiry time.Duration `mapstructure:"refresh_before_expiry"`
}

// WaitConfig bounds the pause between two jobs of a user.
type WaitConfig struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// Job is one HTTP request a user issues.
type Job struct {
	Name         string            `mapstructure:"name"`
	Method       string            `mapstructure:"method"`
	Path         string            `mapstructure:"path"`
	Headers      map[string]string `mapstructure:"headers"`
	Body         string            `mapstructure:"body"`
	BodyFile     string            `mapstructure:"body_file"`
	Extract      []Extractor       `mapstructure:"extract"`
	ExpectStatus []int             `mapstructure:"expect_status"`
}

// Extractor stores part of a response body in a session variable.
type Extractor struct {
	Variable string `mapstructure:"var"`
	JSONPath string `mapstructure:"json"`
	Regex    string `mapstructure:"regex"`
	OnError  bool   `mapstructure:"on_error"` // also extract from failed responses
}

// TracingConfig configures OTLP export of request spans.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
	Propagate   *bool   `mapstructure:"propagate"`
}

// Enabled reports whether spans are exported.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != ""
}

// ShouldPropagate reports whether trace context headers are sent to the target.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

// Role derives the process role from the --master and --worker switches.
func (c Config) Role() Role {
	switch {
	case c.Master:
		return RoleMaster
	case c.Worker:
		return RoleWorker
	default:
		return RoleLocal
	}
}

// BindAddress is the coordinator listen address; "*" binds every interface.
func (c Config) BindAddress() string {
	host := c.MasterBindHost
	if host == "*" {
		host = ""
	}
	return fmt.Sprintf("%s:%d", host, c.MasterBindPort)
}

// MasterAddress is the address workers dial.
func (c Config) MasterAddress() string {
	return fmt.Sprintf("%s:%d", c.MasterHost, c.MasterPort)
}

// SelectedClasses returns the user classes named on the command line, or
// every declared class when none were named.
func (c Config) SelectedClasses() []UserClass {
	if len(c.Classes) == 0 {
		return c.UserClasses
	}
	wanted := make(map[string]bool, len(c.Classes))
	for _, name := range c.Classes {
		wanted[name] = true
	}
	var out []UserClass
	for _, uc := range c.UserClasses {
		if wanted[uc.Name] {
			out = append(out, uc)
		}
	}
	return out
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	if c.Master && c.Worker {
		issues = append(issues, "master and worker are mutually exclusive")
	}
	if c.Worker && c.RunTime > 0 {
		issues = append(issues, "run-time can only be set on the master or in local mode")
	}
	if c.Users < 1 {
		issues = append(issues, "users must be >= 1")
	}
	if c.Rate <= 0 || c.Rate > float64(c.Users) {
		issues = append(issues, "rate must be > 0 and <= users")
	}
	if c.RunTime < 0 {
		issues = append(issues, "run-time must be >= 0")
	}
	if c.ExpectWorkers < 1 {
		issues = append(issues, "expect-workers must be >= 1")
	}
	if c.HeartbeatLiveness < 1 {
		issues = append(issues, "heartbeat-liveness must be >= 1")
	}
	if c.HeartbeatInterval <= 0 {
		issues = append(issues, "heartbeat-interval must be > 0")
	}

	issues = append(issues, validatePort("master-port", c.MasterPort, false)...)
	issues = append(issues, validatePort("master-bind-port", c.MasterBindPort, false)...)
	issues = append(issues, validatePort("prometheus-port", c.PrometheusPort, true)...)
	issues = append(issues, validateBuckets(c.Buckets)...)
	issues = append(issues, validateUserClasses(c.UserClasses)...)

	if len(c.UserClasses) > 0 && len(c.Classes) > 0 {
		declared := map[string]bool{}
		for _, uc := range c.UserClasses {
			declared[uc.Name] = true
		}
		for _, name := range c.Classes {
			if !declared[name] {
				issues = append(issues, fmt.Sprintf("unknown user class %q", name))
			}
		}
	}

	if len(c.Shape) > 0 {
		if err := c.Shape.Validate(); err != nil {
			issues = append(issues, fmt.Sprintf("shape: %v", err))
		}
		if strings.TrimSpace(c.ShapeFile) != "" {
			issues = append(issues, "shape and shape-file are mutually exclusive")
		}
	}

	issues = append(issues, validateTracing(c.Tracing)...)

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validatePort(name string, port int, allowZero bool) []string {
	if allowZero && port == 0 {
		return nil
	}
	if port < 1 || port > 65535 {
		return []string{fmt.Sprintf("%s must be between 1 and 65535", name)}
	}
	return nil
}

func validateBuckets(buckets []float64) []string {
	var issues []string
	for i, b := range buckets {
		if b <= 0 {
			issues = append(issues, fmt.Sprintf("buckets[%d]: must be > 0", i))
		}
		if i > 0 && b <= buckets[i-1] {
			issues = append(issues, fmt.Sprintf("buckets[%d]: must be greater than the previous bucket", i))
		}
	}
	return issues
}

func validateUserClasses(classes []UserClass) []string {
	if len(classes) == 0 {
		return []string{"at least one user class is required (declare users in the config file)"}
	}
	var issues []string
	seenNames := map[string]int{}
	for idx, uc := range classes {
		label := fmt.Sprintf("users[%d]", idx)
		name := strings.TrimSpace(uc.Name)
		if name == "" {
			issues = append(issues, label+": name is required")
		} else if prev, ok := seenNames[name]; ok {
			issues = append(issues, fmt.Sprintf("%s: duplicate name also defined at index %d", label, prev))
		} else {
			seenNames[name] = idx
		}
		if uc.Weight < 1 {
			issues = append(issues, label+": weight must be >= 1")
		}
		if uc.Wait.Min < 0 || uc.Wait.Max < 0 {
			issues = append(issues, label+": wait bounds must be >= 0")
		}
		if uc.Wait.Max > 0 && uc.Wait.Max < uc.Wait.Min {
			issues = append(issues, label+": wait max must be >= min")
		}
		if len(uc.Jobs) == 0 {
			issues = append(issues, label+": at least one job is required")
		}
		issues = append(issues, validateAuth(label, uc.Auth)...)
		issues = append(issues, validateData(label, uc.Data)...)
		for jobIdx, job := range uc.Jobs {
			issues = append(issues, validateJob(fmt.Sprintf("%s.jobs[%d]", label, jobIdx), job)...)
		}
	}
	return issues
}

func validateAuth(label string, auth AuthConfig) []string {
	var issues []string
	required := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			issues = append(issues, fmt.Sprintf("%s.auth: %s is required for %s", label, field, auth.Type))
		}
	}
	switch auth.Type {
	case "":
		return nil
	case AuthTypeBearer:
		required("static_token", auth.StaticToken)
	case AuthTypeOAuth2ClientCredentials:
		required("token_url", auth.TokenURL)
		required("client_id", auth.ClientID)
		required("client_secret", auth.ClientSecret)
	case AuthTypeOAuth2ResourceOwner:
		required("token_url", auth.TokenURL)
		required("client_id", auth.ClientID)
		required("client_secret", auth.ClientSecret)
		required("username", auth.Username)
		required("password", auth.Password)
	default:
		issues = append(issues, fmt.Sprintf("%s.auth: unsupported type %q", label, auth.Type))
	}
	if auth.RefreshBeforeExpiry < 0 {
		issues = append(issues, label+".auth: refresh_before_expiry must be >= 0")
	}
	return issues
}

func validateData(label string, data DataConfig) []string {
	if strings.TrimSpace(data.Path) == "" {
		if data.Type != "" {
			return []string{label + ".data: path is required when type is set"}
		}
		return nil
	}
	switch data.Format() {
	case "csv", "json":
		return nil
	case "":
		return []string{label + ".data: type is required when the extension is not .csv or .json"}
	default:
		return []string{fmt.Sprintf("%s.data: type must be 'csv' or 'json', got %q", label, data.Type)}
	}
}

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodOptions: true,
}

func validateJob(label string, job Job) []string {
	var issues []string
	if job.Method != "" && !validMethods[job.Method] {
		issues = append(issues, fmt.Sprintf("%s: unsupported method %q", label, job.Method))
	}
	if strings.TrimSpace(job.Path) == "" {
		issues = append(issues, label+": path is required")
	}
	if job.Body != "" && strings.TrimSpace(job.BodyFile) != "" {
		issues = append(issues, label+": body and body_file are mutually exclusive")
	}
	for _, code := range job.ExpectStatus {
		if code < 100 || code > 599 {
			issues = append(issues, fmt.Sprintf("%s: expect_status %d is not an HTTP status", label, code))
		}
	}
	for exIdx, ex := range job.Extract {
		exLabel := fmt.Sprintf("%s.extract[%d]", label, exIdx)
		if ex.Variable == "" {
			issues = append(issues, exLabel+": var is required")
		}
		switch {
		case ex.JSONPath == "" && ex.Regex == "":
			issues = append(issues, exLabel+": one of json or regex is required")
		case ex.JSONPath != "" && ex.Regex != "":
			issues = append(issues, exLabel+": json and regex are mutually exclusive")
		case ex.Regex != "":
			if _, err := regexp.Compile(ex.Regex); err != nil {
				issues = append(issues, fmt.Sprintf("%s: invalid regex: %v", exLabel, err))
			}
		}
	}
	return issues
}

func validateTracing(t TracingConfig) []string {
	var issues []string
	switch strings.ToLower(t.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing: protocol must be 'grpc' or 'http', got %q", t.Protocol))
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		issues = append(issues, "tracing: sample_rate must be between 0.0 and 1.0")
	}
	return issues
}
