// Package cmdutils turns business entry points into cobra commands. It loads
// the configuration and sets up logging, telemetry and the status server
// before handing over.
package cmdutils

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/health"
	"github.com/openkcm/common-sdk/pkg/logger"
	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/openkcm/common-sdk/pkg/status"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	slogctx "github.com/veqryn/slog-context"

	"github.com/nutrilog/nutrilog/internal/config"
)

const (
	healthStatusTimeout = 5 * time.Second
)

var configPaths = []string{"/etc/nutrilog", "$HOME/.nutrilog", "."}

// BusinessFunc is the entry point of a command once its configuration is loaded.
type BusinessFunc func(context.Context, *config.Config) error

// Runner prepares the process for a BusinessFunc and calls it.
type Runner func(context.Context, func(context.Context, *config.Config) error, *config.Config) error

// ConfigOverride adjusts the loaded configuration, typically from command line flags.
type ConfigOverride func(*config.Config)

type runMode struct {
	telemetry    bool
	statusServer bool
}

func CobraCommand(use, short, long, buildInfo string, runner Runner, fn BusinessFunc, overrides ...ConfigOverride) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(buildInfo)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			for _, override := range overrides {
				override(cfg)
			}

			if err := runner(cmd.Context(), fn, cfg); err != nil {
				return fmt.Errorf("running %s: %w", use, err)
			}

			return nil
		},
	}
}

// RunAsService starts telemetry and the status server next to fn.
func RunAsService(ctx context.Context, fn func(context.Context, *config.Config) error, cfg *config.Config) error {
	return run(ctx, runMode{telemetry: true, statusServer: true}, fn, cfg)
}

// RunAsJob only sets up logging; fn is expected to return on its own.
func RunAsJob(ctx context.Context, fn func(context.Context, *config.Config) error, cfg *config.Config) error {
	return run(ctx, runMode{}, fn, cfg)
}

func run(ctx context.Context, mode runMode, fn func(context.Context, *config.Config) error, cfg *config.Config) error {
	if err := logger.InitAsDefault(cfg.Logger, cfg.Application); err != nil {
		return oops.In("main").Wrapf(err, "Failed to initialise the logger")
	}
	slogctx.Debug(ctx, "Starting the application", slog.Any("config", cfg))

	if mode.telemetry {
		if err := otlp.Init(ctx, &cfg.Application, &cfg.Telemetry, &cfg.Logger); err != nil {
			return oops.In("main").Wrapf(err, "Failed to load the telemetry")
		}
	}

	if mode.statusServer {
		go serveStatus(ctx, cfg)
	}

	if err := fn(ctx, cfg); err != nil {
		return oops.In("main").Wrapf(err, "Failed to start the main business application")
	}

	return nil
}

// serveStatus runs the status server and terminates the process if it fails,
// since an unprobed service would be restarted by the orchestrator anyway.
func serveStatus(ctx context.Context, cfg *config.Config) {
	if err := startStatusServer(ctx, cfg); err != nil {
		slogctx.Error(ctx, "Failure on the status server", "error", err)
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	}
}

func loadConfig(buildInfo string) (*config.Config, error) {
	cfg := &config.Config{}

	if err := commoncfg.LoadConfig(cfg, map[string]any{}, configPaths...); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	if err := commoncfg.UpdateConfigVersion(&cfg.BaseConfig, buildInfo); err != nil {
		return nil, fmt.Errorf("updating the version configuration: %w", err)
	}

	return cfg, nil
}

// startStatusServer serves liveness and readiness. The provider is only
// contacted at startup, so readiness has no external checks.
func startStatusServer(ctx context.Context, cfg *config.Config) error {
	liveness := status.WithLiveness(
		health.NewHandler(health.NewChecker(health.WithDisabledAutostart())),
	)
	readiness := status.WithReadiness(
		health.NewHandler(health.NewChecker(readinessOptions()...)),
	)

	if err := status.Start(ctx, &cfg.BaseConfig, liveness, readiness); err != nil {
		return fmt.Errorf("starting status server: %w", err)
	}

	return nil
}

func readinessOptions() []health.Option {
	return []health.Option{
		health.WithDisabledAutostart(),
		health.WithTimeout(healthStatusTimeout),
		health.WithStatusListener(statusListener),
	}
}

func statusListener(ctx context.Context, state health.State) {
	attrs := make([]any, 0, 2+2*len(state.CheckState))
	attrs = append(attrs, "status", state.Status)
	for name, check := range state.CheckState {
		attrs = append(attrs, name, check.Status)
	}

	slogctx.Info(ctx, "readiness status changed", attrs...)
}
