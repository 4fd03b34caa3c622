package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/siliconchat/internal/config"
	"github.com/siliconchat/internal/conversation"
	"github.com/siliconchat/internal/llm"
)

// ModelsCommand lists the models offered by the configured endpoint.
func ModelsCommand() *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "List the models the completion endpoint offers",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			client := newLLMClient(cfg, nil)
			params := conversation.ParamsFor(config.NewSnapshot(cfg), "")
			list, err := client.ListModels(c.Context, llm.Params(params))
			if err != nil {
				return fmt.Errorf("failed to list models: %w", err)
			}

			for _, m := range list {
				fmt.Println(m.ID)
			}
			return nil
		},
	}
}
