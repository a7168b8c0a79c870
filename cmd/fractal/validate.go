package main

import (
	"context"
	"fmt"
	"sort"
)

// ValidateCmd loads the configuration and reports what it declares.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	defer loader.Close()

	fmt.Printf("configuration valid (%s source)\n", cli.Source)
	fmt.Printf("  llms:    %d\n", len(cfg.LLMs))
	fmt.Printf("  agents:  %d\n", len(cfg.Agents))

	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a := cfg.Agents[name]
		fmt.Printf("    - %s (llm=%s", name, a.LLM)
		if a.CanDelegate {
			fmt.Print(", delegates")
		}
		fmt.Println(")")
	}
	return nil
}
