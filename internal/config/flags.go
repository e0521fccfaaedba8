package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crankswarm [flags] [UserClass ...]",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to configuration file (JSON or YAML)")
	flags.StringP("host", "H", "", "Host to load test, overrides the host of every user class")

	// Roles
	flags.Bool("master", false, "Run as the coordinator of a distributed test")
	flags.Bool("worker", false, "Run as a worker connected to a coordinator")
	flags.Int("expect-workers", 1, "Number of workers the coordinator waits for before starting")
	flags.String("master-host", "127.0.0.1", "Coordinator host a worker connects to")
	flags.Int("master-port", 5557, "Coordinator port a worker connects to")
	flags.String("master-bind-host", "*", "Interface the coordinator binds to (* for all)")
	flags.Int("master-bind-port", 5557, "Port the coordinator binds to")

	// Load control
	flags.IntP("users", "u", 1, "Number of concurrent users")
	flags.Float64P("rate", "r", 1, "Users started (or stopped) per second")
	flags.StringP("run-time", "t", "", "Stop after this long, e.g. 20, 20s, 3m, 1h30m")
	flags.String("shape-file", "", "YAML file with load shape stages")

	// Heartbeats
	flags.Int("heartbeat-liveness", 3, "Missed heartbeat intervals before a worker is marked missing")
	flags.Duration("heartbeat-interval", time.Second, "Interval between worker heartbeats")

	// Output
	flags.Int("prometheus-port", 8089, "Port serving Prometheus metrics (0 disables)")
	flags.Float64SliceP("buckets", "b", DefaultBuckets, "Response time histogram buckets in milliseconds")
	flags.StringP("loglevel", "L", "INFO", "Log level: DEBUG, INFO, WARNING, ERROR or CRITICAL")
	flags.String("logfile", "", "Also write logs to this file")
	flags.Bool("json-output", false, "Emit the final report as JSON")
	flags.Bool("show-users-weight", false, "Print the weight of each user class and exit")

	// Tracing
	flags.String("tracing-endpoint", "", "OTLP endpoint receiving request spans")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")
	flags.Float64("tracing-sample-rate", 1.0, "Fraction of requests traced (0.0 to 1.0)")
	flags.String("tracing-service-name", "", "Service name reported with spans")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("host") {
		val, err := fs.GetString("host")
		if err != nil {
			return err
		}
		cfg.Host = strings.TrimSpace(val)
	}
	if fs.Changed("master") {
		val, err := fs.GetBool("master")
		if err != nil {
			return err
		}
		cfg.Master = val
	}
	if fs.Changed("worker") {
		val, err := fs.GetBool("worker")
		if err != nil {
			return err
		}
		cfg.Worker = val
	}
	if fs.Changed("expect-workers") {
		val, err := fs.GetInt("expect-workers")
		if err != nil {
			return err
		}
		cfg.ExpectWorkers = val
	}
	if fs.Changed("master-host") {
		val, err := fs.GetString("master-host")
		if err != nil {
			return err
		}
		cfg.MasterHost = strings.TrimSpace(val)
	}
	if fs.Changed("master-port") {
		val, err := fs.GetInt("master-port")
		if err != nil {
			return err
		}
		cfg.MasterPort = val
	}
	if fs.Changed("master-bind-host") {
		val, err := fs.GetString("master-bind-host")
		if err != nil {
			return err
		}
		cfg.MasterBindHost = strings.TrimSpace(val)
	}
	if fs.Changed("master-bind-port") {
		val, err := fs.GetInt("master-bind-port")
		if err != nil {
			return err
		}
		cfg.MasterBindPort = val
	}
	if fs.Changed("users") {
		val, err := fs.GetInt("users")
		if err != nil {
			return err
		}
		cfg.Users = val
	}
	if fs.Changed("rate") {
		val, err := fs.GetFloat64("rate")
		if err != nil {
			return err
		}
		cfg.Rate = val
	}
	if fs.Changed("run-time") {
		val, err := fs.GetString("run-time")
		if err != nil {
			return err
		}
		d, err := asDuration(val)
		if err != nil {
			return fmt.Errorf("run-time: %w", err)
		}
		cfg.RunTime = d
	}
	if fs.Changed("shape-file") {
		val, err := fs.GetString("shape-file")
		if err != nil {
			return err
		}
		cfg.ShapeFile = strings.TrimSpace(val)
	}
	if fs.Changed("heartbeat-liveness") {
		val, err := fs.GetInt("heartbeat-liveness")
		if err != nil {
			return err
		}
		cfg.HeartbeatLiveness = val
	}
	if fs.Changed("heartbeat-interval") {
		val, err := fs.GetDuration("heartbeat-interval")
		if err != nil {
			return err
		}
		cfg.HeartbeatInterval = val
	}
	if fs.Changed("prometheus-port") {
		val, err := fs.GetInt("prometheus-port")
		if err != nil {
			return err
		}
		cfg.PrometheusPort = val
	}
	if fs.Changed("buckets") {
		val, err := fs.GetFloat64Slice("buckets")
		if err != nil {
			return err
		}
		cfg.Buckets = val
	}
	if fs.Changed("loglevel") {
		val, err := fs.GetString("loglevel")
		if err != nil {
			return err
		}
		cfg.LogLevel = val
	}
	if fs.Changed("logfile") {
		val, err := fs.GetString("logfile")
		if err != nil {
			return err
		}
		cfg.LogFile = val
	}
	if fs.Changed("json-output") {
		val, err := fs.GetBool("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("show-users-weight") {
		val, err := fs.GetBool("show-users-weight")
		if err != nil {
			return err
		}
		cfg.ShowUsersWeight = val
	}

	// Tracing flags
	if fs.Changed("tracing-endpoint") {
		val, err := fs.GetString("tracing-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = strings.TrimSpace(val)
	}
	if fs.Changed("tracing-protocol") {
		val, err := fs.GetString("tracing-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("tracing-insecure") {
		val, err := fs.GetBool("tracing-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("tracing-service-name") {
		val, err := fs.GetString("tracing-service-name")
		if err != nil {
			return err
		}
		cfg.Tracing.ServiceName = strings.TrimSpace(val)
	}

	if args := fs.Args(); len(args) > 0 {
		cfg.Classes = append([]string(nil), args...)
	}
	return nil
}
