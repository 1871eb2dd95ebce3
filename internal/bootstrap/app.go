// Package bootstrap wires up process lifecycle: configuration, logging, and
// graceful multi-bot shutdown through one errgroup and one signal context.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dexgrid/internal/config"
	"dexgrid/internal/core"
	"dexgrid/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// App holds the dependencies every bot Runner needs.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger
}

// NewApp loads configuration and initializes the logger.
func NewApp(configPath, logLevelOverride string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	level := cfg.Logging.Level
	if logLevelOverride != "" {
		level = logLevelOverride
	}
	logger, err := logging.NewZapLogger(level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	logging.SetGlobalLogger(logger)

	return &App{Cfg: cfg, Logger: logger}, nil
}

// Runner is a component that runs until its context is canceled.
type Runner interface {
	Run(ctx context.Context) error
}

// Run orchestrates one-runner-per-bot lifecycle with signal handling. Every
// bot supervised here gets its own goroutine, its own MasterGrid, and its
// own Store row: bots never share state.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting gridbot process", "bots", len(runners))

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			a.Logger.Error("gridbot process stopped with error", "error", err)
			return err
		}
	}

	a.Logger.Info("gridbot process shut down gracefully")
	return nil
}
