package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/torosent/crankswarm/internal/shape"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and configuration files to produce a Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	// Users are declared in the config file, so there is nothing to run without one.
	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	settings := cfgViper.AllSettings()

	cfg := defaultConfig()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(cfg, settings); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.LogLevel = strings.ToUpper(strings.TrimSpace(cfg.LogLevel))
	cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(cfg.Tracing.Protocol))

	if cfg.ShapeFile != "" && len(cfg.Shape) == 0 {
		stages, err := shape.Load(cfg.ShapeFile)
		if err != nil {
			return nil, err
		}
		cfg.Shape = stages
		cfg.ShapeFile = ""
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ExpectWorkers:     1,
		MasterHost:        "127.0.0.1",
		MasterPort:        5557,
		MasterBindHost:    "*",
		MasterBindPort:    5557,
		Users:             1,
		Rate:              1,
		HeartbeatLiveness: 3,
		HeartbeatInterval: time.Second,
		PrometheusPort:    8089,
		Buckets:           append([]float64(nil), DefaultBuckets...),
		LogLevel:          "INFO",
		Tracing:           TracingConfig{Protocol: "grpc", SampleRate: 1.0},
	}
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "host"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("host: %w", err)
		}
		cfg.Host = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "master"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("master: %w", err)
		}
		cfg.Master = val
	}
	if raw, ok := lookupSetting(settings, "worker"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("worker: %w", err)
		}
		cfg.Worker = val
	}
	if raw, ok := lookupSetting(settings, "expect_workers", "expect-workers"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("expect_workers: %w", err)
		}
		cfg.ExpectWorkers = val
	}
	if raw, ok := lookupSetting(settings, "master_host", "master-host"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("master_host: %w", err)
		}
		cfg.MasterHost = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "master_port", "master-port"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("master_port: %w", err)
		}
		cfg.MasterPort = val
	}
	if raw, ok := lookupSetting(settings, "master_bind_host", "master-bind-host"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("master_bind_host: %w", err)
		}
		cfg.MasterBindHost = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "master_bind_port", "master-bind-port"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("master_bind_port: %w", err)
		}
		cfg.MasterBindPort = val
	}
	if raw, ok := lookupSetting(settings, "user_count", "num_users"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("user_count: %w", err)
		}
		cfg.Users = val
	}
	if raw, ok := lookupSetting(settings, "rate", "spawn_rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("rate: %w", err)
		}
		cfg.Rate = val
	}
	if raw, ok := lookupSetting(settings, "run_time", "run-time"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("run_time: %w", err)
		}
		cfg.RunTime = val
	}
	if raw, ok := lookupSetting(settings, "heartbeat_liveness", "heartbeat-liveness"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("heartbeat_liveness: %w", err)
		}
		cfg.HeartbeatLiveness = val
	}
	if raw, ok := lookupSetting(settings, "heartbeat_interval", "heartbeat-interval"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = val
	}
	if raw, ok := lookupSetting(settings, "prometheus_port", "prometheus-port"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("prometheus_port: %w", err)
		}
		cfg.PrometheusPort = val
	}
	if raw, ok := lookupSetting(settings, "buckets"); ok {
		val, err := asFloat64Slice(raw)
		if err != nil {
			return fmt.Errorf("buckets: %w", err)
		}
		cfg.Buckets = val
	}
	if raw, ok := lookupSetting(settings, "loglevel", "log_level"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("loglevel: %w", err)
		}
		cfg.LogLevel = val
	}
	if raw, ok := lookupSetting(settings, "logfile", "log_file"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("logfile: %w", err)
		}
		cfg.LogFile = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "json_output", "json-output"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("json_output: %w", err)
		}
		cfg.JSONOutput = val
	}
	if raw, ok := lookupSetting(settings, "shape_file", "shape-file"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("shape_file: %w", err)
		}
		cfg.ShapeFile = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "users"); ok {
		classes, err := parseUserClasses(raw)
		if err != nil {
			return fmt.Errorf("users: %w", err)
		}
		cfg.UserClasses = classes
	}
	if raw, ok := lookupSetting(settings, "shape"); ok {
		stages, err := parseShape(raw)
		if err != nil {
			return fmt.Errorf("shape: %w", err)
		}
		cfg.Shape = stages
	}
	if raw, ok := lookupSetting(settings, "tracing"); ok {
		tracing, err := parseTracing(raw, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		cfg.Tracing = tracing
	}

	return nil
}

func parseUserClasses(value interface{}) ([]UserClass, error) {
	if value == nil {
		return nil, nil
	}
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	classes := make([]UserClass, 0, len(items))
	for idx, item := range items {
		entry, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		class, err := buildUserClass(entry)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		classes = append(classes, class)
	}
	return classes, nil
}

func buildUserClass(settings map[string]interface{}) (UserClass, error) {
	class := UserClass{Weight: 1}
	if raw, ok := lookupSetting(settings, "name"); ok {
		val, err := asString(raw)
		if err != nil {
			return UserClass{}, fmt.Errorf("name: %w", err)
		}
		class.Name = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "weight"); ok {
		val, err := asInt(raw)
		if err != nil {
			return UserClass{}, fmt.Errorf("weight: %w", err)
		}
		class.Weight = val
	}
	if raw, ok := lookupSetting(settings, "host"); ok {
		val, err := asString(raw)
		if err != nil {
			return UserClass{}, fmt.Errorf("host: %w", err)
		}
		class.Host = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "wait", "wait_time"); ok {
		wait, err := parseWait(raw)
		if err != nil {
			return UserClass{}, fmt.Errorf("wait: %w", err)
		}
		class.Wait = wait
	}
	if raw, ok := lookupSetting(settings, "headers"); ok {
		hdrs, err := parseHeaders(raw)
		if err != nil {
			return UserClass{}, err
		}
		class.Headers = hdrs
	}
	if raw, ok := lookupSetting(settings, "auth"); ok {
		auth, err := parseAuth(raw)
		if err != nil {
			return UserClass{}, fmt.Errorf("auth: %w", err)
		}
		class.Auth = auth
	}
	if raw, ok := lookupSetting(settings, "data", "feeder"); ok {
		data, err := parseData(raw)
		if err != nil {
			return UserClass{}, fmt.Errorf("data: %w", err)
		}
		class.Data = data
	}
	if raw, ok := lookupSetting(settings, "jobs", "tasks"); ok {
		items, err := toInterfaceSlice(raw)
		if err != nil {
			return UserClass{}, fmt.Errorf("jobs: %w", err)
		}
		for idx, item := range items {
			entry, err := toStringKeyMap(item)
			if err != nil {
				return UserClass{}, fmt.Errorf("jobs[%d]: %w", idx, err)
			}
			job, err := buildJob(entry)
			if err != nil {
				return UserClass{}, fmt.Errorf("jobs[%d]: %w", idx, err)
			}
			class.Jobs = append(class.Jobs, job)
		}
	}
	return class, nil
}

func parseAuth(value interface{}) (AuthConfig, error) {
	if value == nil {
		return AuthConfig{}, nil
	}
	settings, err := toStringKeyMap(value)
	if err != nil {
		return AuthConfig{}, err
	}

	var auth AuthConfig
	strField := func(dst *string, name string, keys ...string) error {
		raw, ok := lookupSetting(settings, keys...)
		if !ok {
			return nil
		}
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = strings.TrimSpace(val)
		return nil
	}
	var authType string
	for _, f := range []struct {
		dst  *string
		name string
		keys []string
	}{
		{&authType, "type", []string{"type"}},
		{&auth.TokenURL, "token_url", []string{"token_url", "tokenurl"}},
		{&auth.ClientID, "client_id", []string{"client_id", "clientid"}},
		{&auth.ClientSecret, "client_secret", []string{"client_secret", "clientsecret"}},
		{&auth.Username, "username", []string{"username"}},
		{&auth.Password, "password", []string{"password"}},
		{&auth.StaticToken, "static_token", []string{"static_token", "token"}},
	} {
		if err := strField(f.dst, f.name, f.keys...); err != nil {
			return AuthConfig{}, err
		}
	}
	auth.Type = AuthType(strings.ToLower(authType))

	// Secrets may stay out of the file.
	if auth.ClientSecret == "" {
		auth.ClientSecret = os.Getenv("CRANKSWARM_AUTH_CLIENT_SECRET")
	}
	if auth.Password == "" {
		auth.Password = os.Getenv("CRANKSWARM_AUTH_PASSWORD")
	}
	if auth.StaticToken == "" {
		auth.StaticToken = os.Getenv("CRANKSWARM_AUTH_STATIC_TOKEN")
	}

	if raw, ok := lookupSetting(settings, "scopes", "scope"); ok {
		scopes, err := asStringSlice(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("scopes: %w", err)
		}
		auth.Scopes = scopes
	}
	if raw, ok := lookupSetting(settings, "refresh_before_expiry"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("refresh_before_expiry: %w", err)
		}
		auth.RefreshBeforeExpiry = dur
	}
	return auth, nil
}

// parseData accepts a bare path or a map with path, type and unique.
func parseData(value interface{}) (DataConfig, error) {
	if path, ok := value.(string); ok {
		return DataConfig{Path: strings.TrimSpace(path)}, nil
	}
	settings, err := toStringKeyMap(value)
	if err != nil {
		return DataConfig{}, err
	}
	var data DataConfig
	if raw, ok := lookupSetting(settings, "path"); ok {
		val, err := asString(raw)
		if err != nil {
			return DataConfig{}, fmt.Errorf("path: %w", err)
		}
		data.Path = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "type"); ok {
		val, err := asString(raw)
		if err != nil {
			return DataConfig{}, fmt.Errorf("type: %w", err)
		}
		data.Type = strings.ToLower(strings.TrimSpace(val))
	}
	if raw, ok := lookupSetting(settings, "unique"); ok {
		val, err := asBool(raw)
		if err != nil {
			return DataConfig{}, fmt.Errorf("unique: %w", err)
		}
		data.Unique = val
	}
	return data, nil
}

// parseWait accepts either a single duration (constant wait) or a min/max map.
func parseWait(value interface{}) (WaitConfig, error) {
	if value == nil {
		return WaitConfig{}, nil
	}
	if _, isMap := value.(map[string]interface{}); !isMap {
		if _, isMap := value.(map[interface{}]interface{}); !isMap {
			d, err := asDuration(value)
			if err != nil {
				return WaitConfig{}, err
			}
			return WaitConfig{Min: d, Max: d}, nil
		}
	}
	settings, err := toStringKeyMap(value)
	if err != nil {
		return WaitConfig{}, err
	}
	var wait WaitConfig
	if raw, ok := lookupSetting(settings, "min"); ok {
		if wait.Min, err = asDuration(raw); err != nil {
			return WaitConfig{}, fmt.Errorf("min: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "max"); ok {
		if wait.Max, err = asDuration(raw); err != nil {
			return WaitConfig{}, fmt.Errorf("max: %w", err)
		}
	}
	if wait.Max == 0 {
		wait.Max = wait.Min
	}
	return wait, nil
}

func parseHeaders(value interface{}) (map[string]string, error) {
	hdrs, err := asStringMap(value)
	if err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}
	if len(hdrs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(hdrs))
	for key, value := range hdrs {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return nil, fmt.Errorf("headers: key cannot be empty")
		}
		out[http.CanonicalHeaderKey(trimmedKey)] = value
	}
	return out, nil
}

func buildJob(settings map[string]interface{}) (Job, error) {
	job := Job{Method: http.MethodGet}
	if raw, ok := lookupSetting(settings, "name"); ok {
		val, err := asString(raw)
		if err != nil {
			return Job{}, fmt.Errorf("name: %w", err)
		}
		job.Name = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "method"); ok {
		val, err := asString(raw)
		if err != nil {
			return Job{}, fmt.Errorf("method: %w", err)
		}
		if val = strings.ToUpper(strings.TrimSpace(val)); val != "" {
			job.Method = val
		}
	}
	if raw, ok := lookupSetting(settings, "path", "url"); ok {
		val, err := asString(raw)
		if err != nil {
			return Job{}, fmt.Errorf("path: %w", err)
		}
		job.Path = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "body"); ok {
		val, err := asString(raw)
		if err != nil {
			return Job{}, fmt.Errorf("body: %w", err)
		}
		job.Body = val
	}
	if raw, ok := lookupSetting(settings, "bodyfile", "body_file", "body-file"); ok {
		val, err := asString(raw)
		if err != nil {
			return Job{}, fmt.Errorf("body_file: %w", err)
		}
		job.BodyFile = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "headers"); ok {
		hdrs, err := parseHeaders(raw)
		if err != nil {
			return Job{}, err
		}
		job.Headers = hdrs
	}
	if raw, ok := lookupSetting(settings, "extract", "extractors"); ok {
		extractors, err := parseExtractors(raw)
		if err != nil {
			return Job{}, fmt.Errorf("extract: %w", err)
		}
		job.Extract = extractors
	}
	if raw, ok := lookupSetting(settings, "expect_status", "expect-status"); ok {
		codes, err := asIntSlice(raw)
		if err != nil {
			return Job{}, fmt.Errorf("expect_status: %w", err)
		}
		job.ExpectStatus = codes
	}
	if job.Name == "" {
		job.Name = job.Path
	}
	return job, nil
}

func parseExtractors(value interface{}) ([]Extractor, error) {
	if value == nil {
		return nil, nil
	}
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	extractors := make([]Extractor, 0, len(items))
	for idx, item := range items {
		entry, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		extractor, err := buildExtractor(entry)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		extractors = append(extractors, extractor)
	}
	return extractors, nil
}

func buildExtractor(settings map[string]interface{}) (Extractor, error) {
	var extractor Extractor
	if raw, ok := lookupSetting(settings, "json", "jsonpath"); ok {
		val, err := asString(raw)
		if err != nil {
			return Extractor{}, fmt.Errorf("json: %w", err)
		}
		extractor.JSONPath = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "regex"); ok {
		val, err := asString(raw)
		if err != nil {
			return Extractor{}, fmt.Errorf("regex: %w", err)
		}
		extractor.Regex = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "var"); ok {
		val, err := asString(raw)
		if err != nil {
			return Extractor{}, fmt.Errorf("var: %w", err)
		}
		extractor.Variable = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "onerror", "on_error", "on-error"); ok {
		val, err := asBool(raw)
		if err != nil {
			return Extractor{}, fmt.Errorf("on_error: %w", err)
		}
		extractor.OnError = val
	}
	return extractor, nil
}

// parseShape accepts a list of stages or a map holding one under "stages".
func parseShape(value interface{}) (shape.Stages, error) {
	if value == nil {
		return nil, nil
	}
	if m, err := toStringKeyMap(value); err == nil {
		raw, ok := lookupSetting(m, "stages")
		if !ok {
			return nil, errors.New("stages are required")
		}
		value = raw
	}
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	stages := make(shape.Stages, 0, len(items))
	for idx, item := range items {
		entry, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("stages[%d]: %w", idx, err)
		}
		var stage shape.Stage
		if raw, ok := lookupSetting(entry, "duration"); ok {
			if stage.Until, err = asDuration(raw); err != nil {
				return nil, fmt.Errorf("stages[%d].duration: %w", idx, err)
			}
		}
		if raw, ok := lookupSetting(entry, "user_count", "users"); ok {
			if stage.UserCount, err = asInt(raw); err != nil {
				return nil, fmt.Errorf("stages[%d].user_count: %w", idx, err)
			}
		}
		if raw, ok := lookupSetting(entry, "rate", "spawn_rate"); ok {
			if stage.Rate, err = asFloat64(raw); err != nil {
				return nil, fmt.Errorf("stages[%d].rate: %w", idx, err)
			}
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func parseTracing(value interface{}, base TracingConfig) (TracingConfig, error) {
	if value == nil {
		return base, nil
	}
	settings, err := toStringKeyMap(value)
	if err != nil {
		return TracingConfig{}, err
	}
	tracing := base
	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("endpoint: %w", err)
		}
		tracing.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("protocol: %w", err)
		}
		tracing.Protocol = val
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("insecure: %w", err)
		}
		tracing.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "sample_rate", "sample-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("sample_rate: %w", err)
		}
		tracing.SampleRate = val
	}
	if raw, ok := lookupSetting(settings, "service_name", "service-name"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("service_name: %w", err)
		}
		tracing.ServiceName = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("propagate: %w", err)
		}
		tracing.Propagate = &val
	}
	return tracing, nil
}
