// Package main implements the cartpole demo simulator. It connects the
// classic pole-balancing benchmark to a remote training service through the
// bridge, with optional step recording and Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/simbridge/bridge"
	"github.com/c360/simbridge/config"
	"github.com/c360/simbridge/connection"
	"github.com/c360/simbridge/health"
	"github.com/c360/simbridge/metric"
	"github.com/c360/simbridge/pkg/tlsutil"
	"github.com/c360/simbridge/recorder"
	"github.com/c360/simbridge/schema"
)

const version = "0.1.0"

type cliConfig struct {
	configPath  string
	logLevel    string
	logFormat   string
	endpoint    string
	accessKey   string
	episodes    int
	metricsPort int
	showVersion bool
}

func parseFlags() *cliConfig {
	cfg := &cliConfig{}
	flag.StringVar(&cfg.configPath, "config", os.Getenv("SIMBRIDGE_CONFIG"),
		"Path to configuration file (env: SIMBRIDGE_CONFIG)")
	flag.StringVar(&cfg.logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	flag.StringVar(&cfg.logFormat, "log-format", "text",
		"Log format: json, text")
	flag.StringVar(&cfg.endpoint, "endpoint", "",
		"Training service websocket URL (overrides config)")
	flag.StringVar(&cfg.accessKey, "access-key", "",
		"Access key (overrides config; prefer env "+config.EnvAccessKey+")")
	flag.IntVar(&cfg.episodes, "episodes", 0,
		"Stop after this many episodes, 0 for unbounded")
	flag.IntVar(&cfg.metricsPort, "metrics-port", 0,
		"Serve Prometheus metrics on this port, 0 to disable")
	flag.BoolVar(&cfg.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return cfg
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", "cartpole-sim", "version", version)
}

func main() {
	if err := run(); err != nil {
		slog.Error("simulator failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()
	if cli.showVersion {
		fmt.Printf("cartpole-sim %s\n", version)
		return nil
	}

	logger := setupLogger(cli.logLevel, cli.logFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics, err := metric.New(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec, err := buildRecorder(cfg, logger, metrics)
	if err != nil {
		return err
	}

	clientOpts := []connection.Option{
		connection.WithLogger(logger),
		connection.WithMetrics(metrics),
		connection.WithRetryConfig(cfg.Retry.ToRetry()),
		connection.WithPingInterval(cfg.PingInterval.Std()),
		connection.WithDrainTimeout(cfg.DrainTimeout.Std()),
	}
	tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		clientOpts = append(clientOpts, connection.WithTLSConfig(tlsConfig))
	}

	client := connection.NewClient(cfg.Endpoint, cfg.AccessKey, cfg.SimulatorName,
		schema.NewRegistry(), clientOpts...)

	if cli.metricsPort > 0 {
		monitor := health.NewMonitor(cfg.SimulatorName, client)
		serveHTTP(cli.metricsPort, registry, monitor, logger)
	}

	runnerOpts := []bridge.RunnerOption{
		bridge.WithRunnerLogger(logger),
		bridge.WithRunnerMetrics(metrics),
		bridge.WithStepDeadline(cfg.StepDeadline.Std()),
		bridge.WithMaxEpisodes(cfg.MaxEpisodes),
	}
	if rec != nil {
		runnerOpts = append(runnerOpts, bridge.WithRecorder(rec))
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Warn("recorder close failed", "error", err)
			}
		}()
	}

	runner := bridge.NewRunner(client, NewCartpole(nil), runnerOpts...)

	logger.Info("connecting to training service",
		"endpoint", cfg.Endpoint, "simulator", cfg.SimulatorName, "headless", cfg.Headless)
	return runner.Run(ctx)
}

func loadConfig(cli *cliConfig) (*config.Config, error) {
	cfg, err := config.LoadFile(cli.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.SimulatorName == "" {
		cfg.SimulatorName = "cartpole"
	}

	if cli.endpoint != "" {
		cfg.Endpoint = cli.endpoint
	}
	if cli.accessKey != "" {
		cfg.AccessKey = cli.accessKey
	}
	if cli.episodes > 0 {
		cfg.MaxEpisodes = cli.episodes
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func buildRecorder(cfg *config.Config, logger *slog.Logger, metrics *metric.Metrics) (*recorder.Recorder, error) {
	if !cfg.Recording.Enabled() {
		return nil, nil
	}

	var sinks []recorder.Sink
	if cfg.Recording.Path != "" {
		fileSink, err := recorder.NewFileSink(cfg.Recording.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fileSink)
	}
	if cfg.Recording.NATSURL != "" {
		nc, err := nats.Connect(cfg.Recording.NATSURL,
			nats.Name("cartpole-sim"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS %s: %w", cfg.Recording.NATSURL, err)
		}
		natsSink, err := recorder.NewNATSSink(nc, cfg.SimulatorName)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, natsSink)
	}

	var sink recorder.Sink
	if len(sinks) == 1 {
		sink = sinks[0]
	} else {
		sink = recorder.NewMultiSink(sinks...)
	}
	return recorder.New(sink,
		recorder.WithLogger(logger),
		recorder.WithMetrics(metrics),
		recorder.WithQueueSize(cfg.Recording.QueueSize),
	), nil
}

func serveHTTP(port int, registry *prometheus.Registry, monitor *health.Monitor, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", monitor.Handler())
	go func() {
		addr := fmt.Sprintf(":%d", port)
		logger.Info("serving metrics and health", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}
