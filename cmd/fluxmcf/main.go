// Package main runs a flux-mcf process: a value store with the remote
// services and the recorder described by a layered configuration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/krishna-esrlabs/flux-mcf/config"
	"github.com/krishna-esrlabs/flux-mcf/health"
	"github.com/krishna-esrlabs/flux-mcf/metric"
	"github.com/krishna-esrlabs/flux-mcf/natsclient"
	"github.com/krishna-esrlabs/flux-mcf/record"
	"github.com/krishna-esrlabs/flux-mcf/remote"
	"github.com/krishna-esrlabs/flux-mcf/service"
	"github.com/krishna-esrlabs/flux-mcf/transport"
	"github.com/krishna-esrlabs/flux-mcf/value"
	"github.com/krishna-esrlabs/flux-mcf/valuestore"
	"github.com/krishna-esrlabs/flux-mcf/wire"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fluxmcf"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger, logFile := setupLogger(cfg.Logging)
	defer logFile.Close()
	slog.SetDefault(logger)

	if cli.Validate {
		logger.Info("Configuration is valid", "layers", cli.ConfigPaths)
		return nil
	}

	logger.Info("Starting flux-mcf",
		"version", Version,
		"build_time", BuildTime,
		"config_layers", cli.ConfigPaths)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx, cli.StartupTimeout, cli.ShutdownTimeout)
}

// loadConfig merges the config layers and applies the CLI overrides
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}
	return cfg, nil
}

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *valuestore.Store
	nats     *natsclient.Client
	manager  *service.ComponentManager
	recorder *record.Recorder
	servers  []*metric.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   valuestore.NewStore(valuestore.WithLogger(logger), valuestore.WithMetrics(metrics)),
		manager: service.NewComponentManager(service.WithLogger(logger), service.WithMetrics(metrics)),
	}

	codec, err := value.NewCodec(value.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}

	if cfg.Recorder.Enabled {
		if a.recorder, err = newRecorder(a.store, codec, cfg.Recorder, logger, metrics); err != nil {
			return nil, err
		}
	}

	if usesNATS(cfg.RemoteServices) {
		if a.nats, err = connectNATS(ctx, cfg.NATS, logger); err != nil {
			return nil, err
		}
	}

	builder := &remote.Builder{
		Store:      a.store,
		Codec:      wire.NewCodec(codec),
		Transports: &transport.Factory{Mem: transport.NewMemNetwork(), NATS: a.nats, Logger: logger},
		Logger:     logger,
		Metrics:    metrics,
	}
	services, err := builder.ConfigureServices(cfg.RemoteServices)
	if err != nil {
		a.closeNATS()
		return nil, fmt.Errorf("configure remote services: %w", err)
	}

	monitor := health.NewMonitor(appName)
	monitor.Register("components", func() health.Status { return health.FromManager(a.manager) })
	for _, name := range slices.Sorted(maps.Keys(services)) {
		svc := services[name]
		if _, err := a.manager.Register(svc, name); err != nil {
			a.closeNATS()
			return nil, fmt.Errorf("register remote service %s: %w", name, err)
		}
		monitor.Register("remote/"+name, func() health.Status { return health.FromRemote(svc) })
	}
	if a.recorder != nil {
		monitor.Register("recorder", a.recorderHealth)
	}
	if a.nats != nil {
		monitor.Register("nats", a.natsHealth)
	}

	if cfg.Metrics.Enabled {
		a.servers = append(a.servers, metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, monitor.Report))
	}
	if cfg.HealthPort > 0 && (!cfg.Metrics.Enabled || cfg.HealthPort != cfg.Metrics.Port) {
		a.servers = append(a.servers, metric.NewServer(cfg.HealthPort, cfg.Metrics.Path, registry, monitor.Report))
	}
	return a, nil
}

func newRecorder(store *valuestore.Store, codec *value.Codec, cfg config.RecorderConfig,
	logger *slog.Logger, metrics *metric.Metrics,
) (*record.Recorder, error) {
	r, err := record.NewRecorder(store, codec, record.WithLogger(logger), record.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("create recorder: %w", err)
	}
	for _, topic := range cfg.ExtMemTopics {
		r.EnableExtMemSerialization(topic)
	}
	for _, topic := range cfg.CompressedExtMemTopics {
		r.EnableExtMemCompression(topic)
	}
	for _, topic := range cfg.DisabledTopics {
		r.DisableSerialization(topic)
	}
	r.SetWriteQueueSizeLimit(cfg.WriteQueueSizeLimit)
	return r, nil
}

func usesNATS(services map[string]config.RemoteServiceConfig) bool {
	for _, svc := range services {
		if transport.Scheme(svc.SendConnection) == transport.SchemeNATS ||
			transport.Scheme(svc.ReceiveConnection) == transport.SchemeNATS {
			return true
		}
	}
	return false
}

func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(cfg.URL,
		natsclient.WithName(cfg.Name),
		natsclient.WithTimeout(cfg.Timeout),
		natsclient.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS")
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

func (a *app) recorderHealth() health.Status {
	var last *record.Status
	if v, ok := a.store.Value(record.StatusTopic); ok {
		last, _ = v.(*record.Status)
	}
	return health.FromRecorder(a.recorder, last)
}

func (a *app) natsHealth() health.Status {
	if a.nats.IsHealthy() {
		return health.NewHealthy("nats", "Connected")
	}
	return health.NewUnhealthy("nats", "NATS "+a.nats.Status().String())
}

func (a *app) closeNATS() {
	if a.nats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.nats.Close(ctx); err != nil {
		a.logger.Warn("Closing NATS failed", "error", err)
	}
}

// run starts everything, waits for ctx and shuts down in reverse order
func (a *app) run(ctx context.Context, startupTimeout, shutdownTimeout time.Duration) error {
	defer a.closeNATS()

	for _, srv := range a.servers {
		go func() {
			if err := srv.Start(); err != nil {
				a.logger.Error("HTTP server failed", "address", srv.Address(), "error", err)
			}
		}()
		a.logger.Info("Serving metrics and health", "address", srv.Address())
	}
	defer a.stopServers()

	if err := a.manager.Configure(); err != nil {
		return fmt.Errorf("configure components: %w", err)
	}

	if a.recorder != nil {
		file := a.cfg.Recorder.File
		if file == "" {
			file = record.DefaultFilename(".")
		}
		if err := a.recorder.Start(file); err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
		defer func() {
			if err := a.recorder.Stop(); err != nil {
				a.logger.Error("Stopping recorder failed", "error", err)
			}
		}()
	}

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	err := a.manager.Startup(startCtx)
	cancel()
	if err != nil {
		_ = a.shutdown(shutdownTimeout)
		return fmt.Errorf("start components: %w", err)
	}
	a.logger.Info("flux-mcf started", "components", len(a.manager.Components()))

	<-ctx.Done()
	a.logger.Info("Received shutdown signal")
	if err := a.shutdown(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	a.logger.Info("flux-mcf shutdown complete")
	return nil
}

func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.manager.Shutdown(ctx)
}

func (a *app) stopServers() {
	for _, srv := range a.servers {
		if err := srv.Stop(); err != nil {
			a.logger.Warn("Stopping HTTP server failed", "error", err)
		}
	}
}
