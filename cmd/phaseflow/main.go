package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nomis52/phaseflow/approval"
	"github.com/nomis52/phaseflow/buildinfo"
	"github.com/nomis52/phaseflow/catalog"
	"github.com/nomis52/phaseflow/config"
	"github.com/nomis52/phaseflow/handler"
	"github.com/nomis52/phaseflow/logging"
	"github.com/nomis52/phaseflow/metrics"
	"github.com/nomis52/phaseflow/orchestrator"
	"github.com/nomis52/phaseflow/progress"
	"github.com/nomis52/phaseflow/runner"
	"github.com/nomis52/phaseflow/statestore"
)

const shutdownTimeout = 5 * time.Second

type Args struct {
	ConfigPath  string
	ShowVersion bool
	Validate    bool
	Once        bool
	RunID       string
	Metadata    metadataFlag
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseArgs()

	if args.ShowVersion {
		showVersion()
		return nil
	}

	if args.ConfigPath == "" {
		return fmt.Errorf("config flag (-c or --config) is required")
	}

	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	src, err := catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	cat, err := catalog.Load(src, cfg.Catalog.Phases...)
	if err != nil {
		return fmt.Errorf("invalid catalog %s: %w", cfg.Catalog.Path, err)
	}

	if args.Validate {
		fmt.Printf("Configuration validation successful: %s (%d templates)\n", args.ConfigPath, cat.Len())
		return nil
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()

	props := buildinfo.Get()
	logger.Info("phaseflow started",
		"build_time", props.BuildTime,
		"git_commit", props.GitCommit,
		"config_path", args.ConfigPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := statestore.Open(ctx, cfg.Store.Options())
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	defer store.Close()

	registry, serve, err := newMetricsRegistry(ctx, cfg.Monitoring, logger.Logger)
	if err != nil {
		return err
	}
	engineMetrics, err := metrics.NewEngine(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	versions := approval.NewMachine(
		approval.WithStore(statestore.BooksFor(store)),
		approval.WithSink(store),
		approval.WithLogger(logger.Logger),
		approval.WithMetrics(engineMetrics),
	)

	reg := handler.NewRegistry()
	if err := registerBuiltins(reg, cat, logger.Logger); err != nil {
		return err
	}

	collector := logging.NewLogCollector(0)
	board := progress.NewStatusBoard()
	updates := progress.NewCollection()
	o, err := orchestrator.New(cat, reg,
		orchestrator.WithLogger(logger.Logger),
		orchestrator.WithLoggerHook(logging.NewCapturingHook(collector)),
		orchestrator.WithSink(store),
		orchestrator.WithVersions(versions),
		orchestrator.WithMetrics(engineMetrics),
		orchestrator.WithStatusBoard(board),
		orchestrator.WithProgress(progress.Multi(updates, progress.NewLogReporter(logger.Logger))),
		orchestrator.WithPollInterval(cfg.Engine.PollInterval),
		orchestrator.WithRunTimeout(cfg.Engine.RunTimeout),
		orchestrator.WithDefaultTimeout(cfg.Engine.DefaultTimeout),
		orchestrator.WithMaxParallel(cfg.Engine.MaxParallel),
		orchestrator.WithCompensationTimeout(cfg.Engine.CompensationTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	history, err := newHistoryStore(cfg.History, logger.Logger)
	if err != nil {
		return err
	}
	r := runner.New(logger.Logger, o,
		runner.WithStateStore(history),
		runner.WithLogCollector(collector),
		runner.WithStatusBoard(board),
		runner.WithProgress(updates),
	)

	if serve != nil {
		go serve()
	}

	req := orchestrator.RunRequest{ID: args.RunID, Metadata: args.Metadata.values}
	if cfg.Schedule.Cron == "" || args.Once {
		report, err := r.Run(ctx, req)
		if report != nil {
			printReport(report)
		}
		return err
	}

	trigger, err := runner.Schedule(r, cfg.Schedule.Cron, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create cron trigger: %w", err)
	}
	trigger.Start(ctx)
	logger.Info("waiting for scheduled runs", "cron", cfg.Schedule.Cron, "next_run", trigger.NextRun())

	<-ctx.Done()
	logger.Info("shutting down")
	r.Wait()
	return nil
}

// newMetricsRegistry returns a push registry flushed in the background when a
// push URL is configured, and otherwise a scrape registry. serve is non-nil
// when /metrics should be exposed on the listen address.
func newMetricsRegistry(ctx context.Context, cfg config.MonitoringConfig, logger *slog.Logger) (metrics.Registry, func(), error) {
	if cfg.PushURL != "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get hostname: %w", err)
		}
		push := metrics.NewPushRegistry(metrics.PushConfig{
			URL:      cfg.PushURL,
			Prefix:   cfg.MetricsPrefix,
			Job:      cfg.JobName,
			Instance: hostname,
		})
		go push.Run(ctx, cfg.PushInterval, func(err error) {
			logger.Warn("failed to push metrics", "url", cfg.PushURL, "error", err)
		})
		return push, nil, nil
	}

	scrape, err := metrics.NewScrapeRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics registry: %w", err)
	}
	if cfg.ListenAddr == "" {
		return scrape, nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", scrape.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serve := func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}
	return scrape, serve, nil
}

func newHistoryStore(cfg config.HistoryConfig, logger *slog.Logger) (runner.StateStore, error) {
	if cfg.StateDir == "" {
		return runner.NewMemoryStore(cfg.MaxRuns), nil
	}
	store, err := runner.NewDiskStore(cfg.StateDir, cfg.MaxRuns, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	return store, nil
}

func printReport(report *orchestrator.Report) {
	fmt.Printf("run %s %s in %s\n", report.RunID, report.Status, report.Duration().Round(time.Millisecond))
	for _, inst := range report.Instances {
		fmt.Printf("  %-40s %s\n", inst.Label(), inst.State)
	}
	for _, f := range report.Failures {
		fmt.Printf("failure: %v\n", f)
	}
	for _, w := range report.Warnings {
		fmt.Printf("warning: %v\n", w)
	}
}

func showVersion() {
	props := buildinfo.Get()
	fmt.Printf("phaseflow\n")
	fmt.Printf("Built: %s\n", props.BuildTime)
	fmt.Printf("Commit: %s\n", props.GitCommit)
}

func parseArgs() Args {
	var args Args
	configPath := flag.String("config", "", "Path to config file")
	configPathShort := flag.String("c", "", "Path to config file (shorthand)")
	showVersion := flag.Bool("version", false, "Show version information")
	versionShort := flag.Bool("v", false, "Show version information (shorthand)")
	flag.BoolVar(&args.Validate, "validate", false, "Validate configuration and catalog and exit")
	flag.BoolVar(&args.Once, "once", false, "Run once even when a cron schedule is configured")
	flag.StringVar(&args.RunID, "run-id", "", "ID of the run (generated when empty)")
	flag.Var(&args.Metadata, "m", "Run metadata as key=value; repeatable. Keys ending in .partitions take a comma separated list")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nPhaseflow - phased activity orchestration\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --config /etc/phaseflow/config.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -c config.yaml --once -m scope=full -m sampling/collect.partitions=eu,us\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config config.yaml --validate\n", os.Args[0])
	}

	flag.Parse()

	args.ConfigPath = *configPath
	if args.ConfigPath == "" && *configPathShort != "" {
		args.ConfigPath = *configPathShort
	}
	args.ShowVersion = *showVersion || *versionShort
	return args
}
