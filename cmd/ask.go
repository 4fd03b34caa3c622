package cmd

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/urfave/cli/v2"

	"github.com/siliconchat/internal/config"
	"github.com/siliconchat/internal/conversation"
	"github.com/siliconchat/internal/llm"
)

// AskCommand sends a single prompt without history and prints the reply.
func AskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send one prompt to the model and print the reply",
		ArgsUsage: "<text>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "model",
				Usage: "Override llm.model for this call",
			},
			&cli.StringFlag{
				Name:  "channel",
				Usage: "Use the prompt and model override of this channel",
			},
			&cli.BoolFlag{
				Name:  "full",
				Usage: "Print the reasoning and token usage as well",
			},
		},
		Action: runAsk,
	}
}

func runAsk(c *cli.Context) error {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return fmt.Errorf("nothing to ask")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	snap := config.NewSnapshot(cfg)
	channel := c.String("channel")
	params := llm.Params(conversation.ParamsFor(snap, channel))
	client := newLLMClient(cfg, nil)

	if c.Bool("full") {
		messages := []llm.Message{
			{Role: string(conversation.RoleSystem), Content: conversation.SystemPromptFor(snap, channel, "")},
			{Role: string(conversation.RoleUser), Content: text},
		}
		if m := c.String("model"); m != "" {
			params.Model = m
		}
		res, err := client.Complete(c.Context, messages, params)
		if err != nil {
			return err
		}
		fmt.Println(res.CommonText)
		return nil
	}

	var opts []llms.CallOption
	if m := c.String("model"); m != "" {
		opts = append(opts, llms.WithModel(m))
	}
	reply, err := llm.NewLangchainModel(client, params).Call(c.Context, text, opts...)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}
