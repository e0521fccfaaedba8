package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/torosent/crankswarm/internal/cluster"
	"github.com/torosent/crankswarm/internal/config"
	"github.com/torosent/crankswarm/internal/events"
	"github.com/torosent/crankswarm/internal/httpclient"
	"github.com/torosent/crankswarm/internal/logging"
	"github.com/torosent/crankswarm/internal/metrics"
	"github.com/torosent/crankswarm/internal/output"
	"github.com/torosent/crankswarm/internal/runner"
	"github.com/torosent/crankswarm/internal/shape"
	"github.com/torosent/crankswarm/internal/tracing"
	"github.com/torosent/crankswarm/internal/transport"
	"github.com/torosent/crankswarm/internal/user"
)

const (
	progressInterval = time.Second
	shapeInterval    = time.Second
	monitorInterval  = 5 * time.Second
	quitTimeout      = 10 * time.Second
	requestTimeout   = 30 * time.Second
)

// controller is the part of a local runner or coordinator the test loop drives.
type controller interface {
	Start(ctx context.Context, count int, rate float64) error
	Quit(ctx context.Context) error
	UserCount() int
	Quitted() <-chan struct{}
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cfg, err := config.NewLoader().Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	provider, err := tracing.Init(ctx, cfg.Tracing, cfg.Role())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	classes, err := httpclient.BuildClasses(cfg.SelectedClasses(), httpclient.JobOptions{
		Client:    httpclient.NewClient(requestTimeout),
		Tracer:    provider.Tracer(),
		Propagate: provider.ShouldPropagate(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if cfg.ShowUsersWeight {
		return printUsersWeight(stdout, classes)
	}

	switch cfg.Role() {
	case config.RoleWorker:
		return runWorker(ctx, cfg, classes, logger)
	case config.RoleMaster:
		return runMaster(ctx, cfg, classes, logger, stdout)
	default:
		return runLocal(ctx, cfg, classes, logger, stdout)
	}
}

type weightEntry struct {
	Weight int      `yaml:"weight"`
	Share  float64  `yaml:"share"`
	Jobs   []string `yaml:"jobs"`
}

// printUsersWeight writes each class's weight and share of the population.
func printUsersWeight(w io.Writer, classes []*user.Class) error {
	var total int
	for _, c := range classes {
		total += c.Weight
	}
	doc := make(map[string]weightEntry, len(classes))
	for _, c := range classes {
		entry := weightEntry{Weight: c.Weight}
		if total > 0 {
			entry.Share = math.Round(float64(c.Weight)/float64(total)*10000) / 10000
		}
		for _, j := range c.Jobs {
			entry.Jobs = append(entry.Jobs, j.Name)
		}
		doc[c.Name] = entry
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode user weights: %w", err)
	}
	return enc.Close()
}

func runLocal(ctx context.Context, cfg *config.Config, classes []*user.Class, logger *zap.Logger, stdout io.Writer) error {
	bus := events.NewBus(logger)
	collector := metrics.NewCollector()
	exporter := newExporter(cfg)
	sink := metrics.Attach(bus, collector, exporter, logger)
	defer sink.Close()

	local, err := runner.NewLocal(classes, runner.Options{Logger: logger, Bus: bus, Host: cfg.Host})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	bgCtx, stopBackground := context.WithCancel(gctx)
	defer stopBackground()
	startMonitors(bgCtx, g, cfg, "local", exporter, local.UserCount, logger)

	return execute(gctx, g, stopBackground, cfg, local, collector, logger, stdout)
}

func runMaster(ctx context.Context, cfg *config.Config, classes []*user.Class, logger *zap.Logger, stdout io.Writer) error {
	bus := events.NewBus(logger)
	collector := metrics.NewCollector()
	exporter := newExporter(cfg)
	sink := metrics.Attach(bus, collector, exporter, logger)
	defer sink.Close()

	coord, err := cluster.NewCoordinator(classes, cluster.CoordinatorOptions{
		Runner:            runner.Options{Logger: logger, Bus: bus, Host: cfg.Host},
		BindAddr:          cfg.BindAddress(),
		HeartbeatLiveness: cfg.HeartbeatLiveness,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Listen: func(addr string) (cluster.Listener, error) {
			return transport.Listen(addr, transport.ServerOptions{Logger: logger})
		},
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	bgCtx, stopBackground := context.WithCancel(gctx)
	defer stopBackground()
	startMonitors(bgCtx, g, cfg, "master", exporter, nil, logger)
	if exporter != nil {
		g.Go(func() error { return exportWorkers(bgCtx, exporter, coord, monitorInterval) })
	}

	logger.Info("waiting for workers",
		zap.String("bind", cfg.BindAddress()),
		zap.Int("expected", cfg.ExpectWorkers))
	if err := coord.WaitForWorkers(gctx, cfg.ExpectWorkers); err != nil {
		stopBackground()
		quitCtx, cancel := context.WithTimeout(context.Background(), quitTimeout)
		defer cancel()
		_ = coord.Quit(quitCtx)
		_ = g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("wait for workers: %w", err)
	}

	return execute(gctx, g, stopBackground, cfg, coord, collector, logger, stdout)
}

func runWorker(ctx context.Context, cfg *config.Config, classes []*user.Class, logger *zap.Logger) error {
	nodeID := cluster.NewNodeID()
	logger = logger.With(zap.String("node", nodeID))

	sampler, err := metrics.NewCPUSampler(nodeID, monitorInterval, logger, nil)
	if err != nil {
		return fmt.Errorf("cpu sampler: %w", err)
	}

	conn, err := transport.Dial(ctx, cfg.MasterAddress(), nodeID, transport.ClientOptions{Logger: logger})
	if err != nil {
		return fmt.Errorf("connect to master %s: %w", cfg.MasterAddress(), err)
	}

	w, err := cluster.NewWorker(ctx, classes, nodeID, conn, cluster.WorkerOptions{
		Runner:            runner.Options{Logger: logger, Host: cfg.Host},
		HeartbeatInterval: cfg.HeartbeatInterval,
		CPUUsage:          sampler.Usage,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	logger.Info("connected to master", zap.String("master", cfg.MasterAddress()))

	g, gctx := errgroup.WithContext(ctx)
	sampleCtx, stopSampler := context.WithCancel(gctx)
	defer stopSampler()
	g.Go(func() error { return sampler.Run(sampleCtx) })
	g.Go(func() error {
		defer stopSampler()
		select {
		case <-w.Quitted():
			logger.Info("worker quitted")
			return nil
		case <-gctx.Done():
		}
		quitCtx, cancel := context.WithTimeout(context.Background(), quitTimeout)
		defer cancel()
		return w.Quit(quitCtx)
	})
	return g.Wait()
}

func newExporter(cfg *config.Config) *metrics.Exporter {
	if cfg.PrometheusPort == 0 {
		return nil
	}
	return metrics.NewExporter(cfg.Buckets)
}

// startMonitors runs the CPU sampler and, with an exporter, the metrics
// endpoint and the user count gauge. userCount may be nil.
func startMonitors(ctx context.Context, g *errgroup.Group, cfg *config.Config, node string, exporter *metrics.Exporter, userCount func() int, logger *zap.Logger) {
	var onSample func(float64)
	if exporter != nil {
		onSample = func(pct float64) { exporter.SetCPUUsage(node, pct) }
	}
	if sampler, err := metrics.NewCPUSampler(node, monitorInterval, logger, onSample); err != nil {
		logger.Warn("cpu monitoring disabled", zap.Error(err))
	} else {
		g.Go(func() error { return sampler.Run(ctx) })
	}

	if exporter == nil {
		return
	}
	addr := fmt.Sprintf(":%d", cfg.PrometheusPort)
	g.Go(func() error {
		logger.Info("serving prometheus metrics", zap.String("addr", addr))
		if err := exporter.Serve(ctx, addr); err != nil {
			return fmt.Errorf("prometheus endpoint: %w", err)
		}
		return nil
	})
	if userCount != nil {
		g.Go(func() error { return metrics.ExportUserCount(ctx, exporter, node, monitorInterval, userCount) })
	}
}

// exportWorkers mirrors each worker's CPU usage into the exporter and drops
// series of workers that left.
func exportWorkers(ctx context.Context, exporter *metrics.Exporter, coord *cluster.Coordinator, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	seen := map[string]bool{}
	for {
		current := map[string]bool{}
		for _, n := range coord.Workers() {
			exporter.SetCPUUsage(n.ID, n.CPUUsage)
			current[n.ID] = true
		}
		for id := range seen {
			if !current[id] {
				exporter.Forget(id)
			}
		}
		seen = current
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// execute runs the test on c until the run time, the shape or a signal ends
// it, then prints the report.
func execute(ctx context.Context, g *errgroup.Group, stopBackground context.CancelFunc, cfg *config.Config, c controller, collector *metrics.Collector, logger *zap.Logger, stdout io.Writer) error {
	var progress *output.ProgressReporter
	if !cfg.JSONOutput {
		progress = output.NewProgressReporter(collector, c.UserCount, progressInterval, stdout)
		progress.Start()
	}

	g.Go(func() error {
		defer stopBackground()
		return drive(ctx, cfg, c, logger)
	})
	err := g.Wait()

	if progress != nil {
		progress.Stop()
	}
	stats := collector.Stats(collector.Elapsed())
	if cfg.JSONOutput {
		if perr := output.PrintJSONReport(stdout, stats); perr != nil {
			return perr
		}
	} else {
		output.PrintReport(stdout, stats)
	}

	if err != nil {
		return err
	}
	if collector.HasFailures() {
		return fmt.Errorf("%d requests failed, %d user errors", stats.Failures, stats.UserErrors)
	}
	return nil
}

// drive starts the test and quits it when it is over.
func drive(ctx context.Context, cfg *config.Config, c controller, logger *zap.Logger) error {
	quit := func() error {
		quitCtx, cancel := context.WithTimeout(context.Background(), quitTimeout)
		defer cancel()
		return c.Quit(quitCtx)
	}

	if len(cfg.Shape) > 0 {
		if cfg.RunTime > 0 {
			logger.Warn("load shape in use, ignoring run time", zap.Duration("run_time", cfg.RunTime))
		}
		if err := shape.Drive(ctx, cfg.Shape, c, shapeInterval, logger); err != nil && !errors.Is(err, context.Canceled) {
			_ = quit()
			return err
		}
		return quit()
	}

	logger.Info("starting test", zap.Int("users", cfg.Users), zap.Float64("rate", cfg.Rate))
	if err := c.Start(ctx, cfg.Users, cfg.Rate); err != nil {
		_ = quit()
		return err
	}

	var deadline <-chan time.Time
	if cfg.RunTime > 0 {
		timer := time.NewTimer(cfg.RunTime)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-deadline:
		logger.Info("run time limit reached, stopping", zap.Duration("run_time", cfg.RunTime))
	case <-ctx.Done():
		logger.Info("interrupted, stopping")
	case <-c.Quitted():
		return nil
	}
	return quit()
}
