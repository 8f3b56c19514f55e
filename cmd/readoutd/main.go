// Package main implements readoutd, the daemon that hosts the readout modules
// of one application and serves run control over NATS and HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/DUNE-DAQ/readoutmodules/config"
	"github.com/DUNE-DAQ/readoutmodules/controller"
	"github.com/DUNE-DAQ/readoutmodules/metric"
	"github.com/DUNE-DAQ/readoutmodules/natsclient"
	"github.com/DUNE-DAQ/readoutmodules/pkg/retry"
	"github.com/DUNE-DAQ/readoutmodules/pkg/tlsutil"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "readoutd"

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
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp(fs)
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "application", cfg.Application, "modules", len(cfg.Modules))
		return nil
	}

	logger.Info("Starting readoutd",
		"version", Version,
		"build_time", BuildTime,
		"application", cfg.Application,
		"config", cliCfg.ConfigPaths)
	logger.Debug("Effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	opts := []controller.Option{
		controller.WithLogger(logger),
		controller.WithMetricsRegistry(metricsRegistry),
	}

	if cfg.NATS.Enabled() {
		client, err := connectToNATS(ctx, cfg.NATS, metricsRegistry, logger)
		if err != nil {
			return err
		}
		defer closeNATS(client, cliCfg.ShutdownTimeout)
		opts = append(opts, controller.WithNATSClient(client))
	}

	app, err := controller.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}

	logger.Info("readoutd ready", "modules", app.Modules())
	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("run application: %w", err)
	}
	logger.Info("readoutd shutdown complete")
	return nil
}

// loadConfig merges the configuration layers in order
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range paths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// connectToNATS dials NATS, retrying transient failures
func connectToNATS(
	ctx context.Context,
	cfg config.NATSConfig,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	name := cfg.Name
	if name == "" {
		name = appName
	}
	opts := []natsclient.ClientOption{
		natsclient.WithName(name),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait.Std()),
		natsclient.WithMetrics(metricsRegistry),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	tlsConfig, err := tlsutil.LoadClient(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("NATS TLS: %w", err)
	}
	opts = append(opts, natsclient.WithTLSConfig(tlsConfig))

	client, err := natsclient.NewClient(cfg.URL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	err = retry.Do(ctx, retry.Connect(), func() error {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return client.Connect(connCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

func closeNATS(client *natsclient.Client, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		slog.Warn("NATS close failed", "error", err)
	}
}
