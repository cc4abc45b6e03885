package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/concord/internal"
	pkgconfig "github.com/starford/concord/pkg/config"
)

type runner func(ctx context.Context, opts ...internal.Option) error

// action loads the config named by --config and hands it to fn.
func action(fn runner, name string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		configPath := cmd.String("config")

		cfg := internal.NewDefaultConfig()
		if err := pkgconfig.LoadIfExists(configPath, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		if dir := cmd.String("corpus"); dir != "" {
			cfg.Corpus.Path = dir
		}

		if err := fn(ctx, internal.WithConfig(cfg)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

func main() {
	cmd := &cli.Command{
		Name:   "concord",
		Usage:  "Cross-reference graph and topic consensus engine for lightweight-markup corpora",
		Action: action(internal.Run, "serve"),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "corpus",
				Usage:   "Corpus directory (overrides corpus.path)",
				Sources: cli.EnvVars("CONCORD_CORPUS"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Sync the corpus, watch it and serve the HTTP API",
				Action: action(internal.Run, "serve"),
			},
			{
				Name:   "convert",
				Usage:  "Convert new and changed documents, then validate",
				Action: action(internal.Convert, "convert"),
			},
			{
				Name:   "check",
				Usage:  "Report duplicate identifiers and unresolved references",
				Action: action(internal.Check, "check"),
			},
			{
				Name:   "rerender",
				Usage:  "Rebuild every outdated render",
				Action: action(internal.Rerender, "rerender"),
			},
			{
				Name:   "topics",
				Usage:  "Re-elect the representative of every topic",
				Action: action(internal.RecomputeTopics, "topics"),
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools over stdio",
				Action: action(internal.ServeMCP, "mcp"),
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
