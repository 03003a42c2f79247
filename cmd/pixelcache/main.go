package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pixelcache/pixelcache/internal/cache"
	"github.com/pixelcache/pixelcache/internal/config"
	"github.com/pixelcache/pixelcache/internal/metrics"
	"github.com/pixelcache/pixelcache/internal/proxy"
	"github.com/pixelcache/pixelcache/internal/transform"
	"github.com/pixelcache/pixelcache/pkg/api"
	"github.com/pixelcache/pixelcache/pkg/health"
	"github.com/pixelcache/pixelcache/pkg/utils"
)

const (
	configEnv          = "PIXELCACHE_CONFIG"
	componentMemory    = "memory_cache"
	componentUpstream  = "upstream"
	defaultShutdownTTL = 30 * time.Second
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(stdErr, "error: %v\n", err)
		os.Exit(2)
	}
	os.Exit(run(opts))
}

func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("pixelcache", flag.ContinueOnError)
	fs.SetOutput(stdErr)

	var opts cliOptions
	fs.StringVar(&opts.configPath, "config", "", "path to YAML config (env "+configEnv+")")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "validate configuration and exit")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	if fs.NArg() > 0 {
		return cliOptions{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.configPath == "" {
		opts.configPath = os.Getenv(configEnv)
	}
	return opts, nil
}

func run(opts cliOptions) int {
	if opts.showVersion {
		fmt.Fprintf(stdOut, "pixelcache %s\n", api.Version)
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "load config: %v\n", err)
		return 1
	}
	if opts.checkOnly {
		fmt.Fprintln(stdOut, "configuration ok")
		return 0
	}

	logger, closer, err := utils.NewLogger(utils.LoggingOptions{
		Level:      cfg.Global.LogLevel,
		Format:     utils.LogFormat(cfg.Global.LogFormat),
		File:       cfg.Global.LogFile,
		MaxSizeMB:  cfg.Global.Rotation.MaxSizeMB,
		MaxBackups: cfg.Global.Rotation.MaxBackups,
		MaxAgeDays: cfg.Global.Rotation.MaxAgeDays,
		Compress:   cfg.Global.Rotation.Compress,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "init logger: %v\n", err)
		return 1
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("pixelcache stopped with error", "error", err)
		return 1
	}
	return 0
}

// serve wires the components and blocks until ctx is done or the listener fails
func serve(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) error {
	tracker := health.NewTracker(health.DefaultConfig())
	tracker.RegisterComponent(componentMemory, true)
	tracker.RegisterComponent(cache.HealthComponent, false)
	tracker.RegisterComponent(componentUpstream, false)
	tracker.AddStateChangeCallback(health.StateDegraded, func(component string, from, to health.HealthState, reason string) {
		logger.Warn("component degraded", "component", component, "from", from, "reason", reason)
	})

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Path:      cfg.Monitoring.Metrics.Path,
		Namespace: cfg.Monitoring.Metrics.Namespace,
		Labels:    cfg.Monitoring.Metrics.CustomLabels,
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	orch, err := cache.New(cfg, logger, cache.WithHealth(tracker), cache.WithRecorder(collector))
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer func() {
		if err := orch.Close(); err != nil {
			logger.Warn("closing cache", "error", err)
		}
	}()

	topts, err := transform.OptionsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init transform: %w", err)
	}
	topts.Observer = collector
	pipeline := transform.New(topts, logger)

	images := proxy.NewHandler(orch, pipeline, logger, proxy.Options{
		SingleFlight:   cfg.Server.SingleFlight,
		DefaultFormat:  transform.ParseFormat(cfg.Transform.DefaultFormat),
		DefaultQuality: cfg.Transform.DefaultQuality,
		Recorder:       collector,
	})

	server := api.NewServer(api.ServerConfigFrom(cfg), api.Dependencies{
		Images:   images,
		Cache:    orch,
		Health:   tracker,
		Metrics:  collector,
		Breakers: pipeline.Breakers(),
		Logger:   logger,
	})

	go tracker.StartHealthChecks(ctx, func(component string) error {
		if component != componentUpstream || pipeline.Breakers() == nil {
			return nil
		}
		if open := pipeline.Breakers().Open(); len(open) > 0 {
			return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTTL
	}
	logger.Info("shutting down", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
