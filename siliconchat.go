package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/siliconchat/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "siliconchat",
		Usage:   "Group chat assistant bridging a chat host to an OpenAI-compatible model endpoint",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "siliconchat.toml",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` before reading the configuration",
			},
		},
		Before: func(c *cli.Context) error {
			if path := c.String("env-file"); path != "" {
				if err := cmd.LoadEnvFile(path); err != nil {
					return fmt.Errorf("failed to load env file: %w", err)
				}
			}
			return nil
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.ConfigCommand(),
			cmd.ModelsCommand(),
			cmd.AskCommand(),
			cmd.TokenCommand(),
			cmd.MigrateCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
