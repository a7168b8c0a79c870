package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/interceptor"
	"github.com/fractalhq/fractal/pkg/runtime"
)

// RunCmd executes a single task and prints the result.
type RunCmd struct {
	Agent string `short:"a" help:"Agent to run; defaults to the only configured agent."`
	Quiet bool   `short:"q" help:"Suppress streamed text; print only the final result."`

	Prompt []string `arg:"" help:"Task prompt."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	defer loader.Close()
	setupLogging(cfg.Logging)

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Shutdown(context.Background()); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}()

	agentID := c.Agent
	if agentID == "" {
		names := rt.Agents().Names()
		if len(names) != 1 {
			return fmt.Errorf("--agent is required when %d agents are configured", len(names))
		}
		agentID = names[0]
	}

	if !c.Quiet {
		sub, err := rt.Bus().Subscribe(bus.TypeNodeThinking, func(_ context.Context, ev *bus.Event) error {
			if text, ok := ev.Data["text"].(string); ok {
				fmt.Print(text)
			}
			return nil
		})
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	// Human-in-the-loop approvals come through the terminal in run mode.
	if len(cfg.Interceptors.HITLPatterns) > 0 {
		approver := interceptor.NewConsoleApprover(rt.Approvals())
		go func() {
			if err := approver.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("console approver stopped", "error", err)
			}
		}()
	}

	result, err := rt.Execute(ctx, agentID, strings.Join(c.Prompt, " "))
	if err != nil {
		return err
	}
	if c.Quiet {
		fmt.Println(result.Content)
	} else {
		// The streamed text already carried the reply.
		fmt.Println()
	}
	return nil
}
