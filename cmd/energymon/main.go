// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/utils/ptr"

	"github.com/sustainable-computing-io/energymon/config"
	"github.com/sustainable-computing-io/energymon/internal/energymon"
	"github.com/sustainable-computing-io/energymon/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/energymon/internal/exporter/remotewrite"
	"github.com/sustainable-computing-io/energymon/internal/exporter/stdout"
	"github.com/sustainable-computing-io/energymon/internal/logger"
	"github.com/sustainable-computing-io/energymon/internal/server"
	"github.com/sustainable-computing-io/energymon/internal/service"
	"github.com/sustainable-computing-io/energymon/internal/version"
)

type cliArgs struct {
	cfg  *config.Config
	once bool
}

func main() {
	// parse args and config and exit with error if there is an error
	args, err := parseArgsAndConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := args.cfg

	logger := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	monitor, err := newMonitor(cfg, logger)
	if err != nil {
		logger.Error("failed to create energy monitor", "error", err)
		os.Exit(1)
	}
	svc := energymon.NewService(monitor,
		energymon.WithServiceLogger(logger),
		energymon.WithRefreshInterval(cfg.Monitor.Refresh))

	if args.once {
		if err := readOnce(svc, os.Stdout); err != nil {
			logger.Error("failed to read energy", "error", err)
			os.Exit(1)
		}
		return
	}

	services, err := createServices(logger, cfg, svc)
	if err != nil {
		logger.Error("failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(logger, services); err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting energymon")
	if err := service.Run(context.Background(), logger, services); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("energymon terminated with an error", "error", err)
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

// readOnce initializes the monitor, prints a single reading and finishes it
func readOnce(svc *energymon.Service, out *os.File) (err error) {
	if err := svc.Init(); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, svc.Shutdown())
	}()

	reading, err := svc.Snapshot()
	if err != nil {
		return err
	}
	stdout.Write(out, energymon.Reading{}, reading)
	return nil
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("energymon version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig(argv []string) (*cliArgs, error) {
	const appName = "energymon"
	app := kingpin.New(appName, "Cumulative energy monitor with Prometheus, remote-write and stdout exporters.")
	app.Version(version.Info().String())

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	once := app.Flag("once", "Print a single reading and exit").Bool()
	updateConfig := config.RegisterFlags(app)
	if _, err := app.Parse(argv); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", *configFile, err)
		}
		cfg = loadedCfg
	}

	// Apply command line flags (these override config file settings)
	if err := updateConfig(cfg); err != nil {
		return nil, fmt.Errorf("error applying command line flags: %w", err)
	}

	return &cliArgs{cfg: cfg, once: *once}, nil
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Fprintf(os.Stderr, `
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

// createServices wires the exporters enabled in cfg around the energymon
// service. The returned order is the initialization order.
func createServices(logger *slog.Logger, cfg *config.Config, svc *energymon.Service) ([]service.Service, error) {
	logger.Debug("Creating all services")

	apiServer := server.NewAPIServer(
		server.WithLogger(logger),
		server.WithListenAddress(cfg.Web.ListenAddresses),
		server.WithWebConfig(cfg.Web.Config),
	)

	services := []service.Service{
		svc,
		apiServer,
		server.NewProbe(apiServer, svc),
		server.NewReadingAPI(apiServer, svc),
	}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		nodeName, _ := os.Hostname()
		collectors, err := prometheus.CreateCollectors(svc,
			prometheus.WithLogger(logger),
			prometheus.WithProcFSPath("/proc"),
			prometheus.WithNodeName(nodeName),
			prometheus.WithMetricsLevel(cfg.Exporter.Prometheus.MetricsLevel),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus collectors: %w", err)
		}
		services = append(services, prometheus.NewExporter(apiServer,
			prometheus.WithLogger(logger),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
			prometheus.WithCollectors(collectors),
		))
	}

	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		services = append(services, stdout.NewExporter(svc, stdout.WithLogger(logger)))
	}

	if rw := cfg.Exporter.RemoteWrite; ptr.Deref(rw.Enabled, false) {
		nodeName, _ := os.Hostname()
		services = append(services, remotewrite.NewExporter(svc, rw.URL,
			remotewrite.WithLogger(logger),
			remotewrite.WithTimeout(rw.Timeout),
			remotewrite.WithNodeName(nodeName),
			remotewrite.WithLabels(rw.Labels),
		))
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer, logger))
	}

	services = append(services, service.NewSignalHandler(logger, os.Interrupt, syscall.SIGTERM))
	return services, nil
}
