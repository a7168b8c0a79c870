// Command fractal runs agent tasks from the terminal and serves the ops API.
//
// Usage:
//
//	fractal run --config fractal.yaml "summarize ./notes/report.md"
//	fractal serve --config fractal.yaml --watch
//	fractal validate --config fractal.yaml
//	fractal serve --source consul --endpoints localhost:8500 --config fractal/config
package main

import (
	"context"
	"fmt"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/fractalhq/fractal"
	"github.com/fractalhq/fractal/pkg/config"
	"github.com/fractalhq/fractal/pkg/config/provider"
)

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Execute one task on an agent."`
	Serve    ServeCmd    `cmd:"" help:"Start the runtime and the ops server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration source."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string   `short:"c" default:"fractal.yaml" help:"Config file path, or remote key for remote sources."`
	Source    string   `default:"file" enum:"file,consul,etcd,zookeeper" help:"Config source type."`
	Endpoints []string `help:"Remote config source endpoints."`
}

// loadConfig builds the configured source and loads through it. The caller
// owns the returned loader.
func loadConfig(ctx context.Context, cli *CLI, opts ...config.LoaderOption) (*config.Config, *config.Loader, error) {
	src, err := provider.New(provider.Options{
		Type:      cli.Source,
		Path:      cli.Config,
		Endpoints: cli.Endpoints,
	})
	if err != nil {
		return nil, nil, err
	}

	loader := config.NewLoader(src, opts...)
	cfg, err := loader.Load(ctx)
	if err != nil {
		_ = loader.Close()
		return nil, nil, err
	}
	return cfg, loader, nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(fractal.GetVersion())
	return nil
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("fractal"),
		kong.Description("fractal - recursive agent orchestration runtime"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
