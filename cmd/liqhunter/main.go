package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"liqhunter/internal/bootstrap"
	"liqhunter/internal/config"
	"liqhunter/pkg/logging"
	"liqhunter/pkg/telemetry"
)

// Version information (set via build flags)
var (
	version   = "dev"
	buildTime = "unknown"
)

// Exit codes: 0 clean, 1 generic failure, 2 invalid config, 3 venue auth
// probe failed, 4 shutdown drain timed out.
const (
	exitConfig   = 2
	exitAuth     = 3
	exitHardStop = 4
)

func main() {
	configPath := flag.String("config", "configs/liqhunter.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("liqhunter version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitConfig)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	tel, err := telemetry.Setup("liqhunter")
	if err != nil {
		logger.Warn("Telemetry setup failed, continuing without exporters", "error", err)
	}

	logger.Info("Starting liqhunter",
		"version", version, "build_time", buildTime, "config", *configPath)

	app, err := bootstrap.New(cfg, logger)
	if err != nil {
		logger.Error("Bootstrap failed", "error", err)
		shutdownTelemetry(tel)
		os.Exit(1)
	}

	err = app.Run(context.Background())
	shutdownTelemetry(tel)

	switch {
	case err == nil:
		logger.Info("Shutdown complete")
	case errors.Is(err, bootstrap.ErrAuthProbe):
		logger.Error("Startup aborted, venue rejected credentials", "error", err)
		os.Exit(exitAuth)
	case errors.Is(err, bootstrap.ErrDrainTimeout):
		logger.Error("Hard stop, queued work abandoned", "error", err)
		os.Exit(exitHardStop)
	default:
		logger.Error("Engine failed", "error", err)
		os.Exit(1)
	}
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	if tel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Telemetry shutdown failed: %v\n", err)
	}
}
