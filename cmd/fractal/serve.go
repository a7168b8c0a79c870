package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/fractalhq/fractal/pkg/config"
	"github.com/fractalhq/fractal/pkg/runtime"
)

// ServeCmd runs the runtime until interrupted, with the ops server on.
type ServeCmd struct {
	Watch bool `help:"Reload the runtime when the config source changes."`
	Port  int  `help:"Override the configured ops server port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A full reload tears the old runtime down and builds a fresh one from
	// the new config; the buffered channel coalesces bursts of changes.
	reloads := make(chan *config.Config, 1)
	cfg, loader, err := loadConfig(ctx, cli, config.WithOnChange(func(next *config.Config) {
		select {
		case reloads <- next:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer loader.Close()
	setupLogging(cfg.Logging)

	if c.Watch {
		if err := loader.Watch(ctx); err != nil {
			return fmt.Errorf("watching config source: %w", err)
		}
	}

	rt, err := c.startRuntime(ctx, cli, cfg)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return rt.Shutdown(context.Background())

		case next := <-reloads:
			slog.Info("applying reloaded configuration")
			if err := rt.Shutdown(context.Background()); err != nil {
				slog.Warn("shutdown of previous runtime incomplete", "error", err)
			}
			rt, err = c.startRuntime(ctx, cli, next)
			if err != nil {
				return fmt.Errorf("rebuilding runtime after reload: %w", err)
			}
		}
	}
}

func (c *ServeCmd) startRuntime(ctx context.Context, cli *CLI, cfg *config.Config) (*runtime.Runtime, error) {
	// serve implies the ops server.
	cfg.Server.Enabled = true
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(); err != nil {
		_ = rt.Shutdown(context.Background())
		return nil, err
	}

	slog.Info("runtime ready",
		"agents", rt.Agents().Count(),
		"session_id", rt.SessionID(),
		"source", cli.Source)
	return rt, nil
}
