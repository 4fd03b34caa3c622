package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/siliconchat/internal/api"
)

// TokenCommand mints a bearer token for the chat host.
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint a bridge JWT signed with server.jwt_secret",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "subject",
				Usage:    "Who the token is for, e.g. the host adapter name",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime; 0 never expires",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not set")
			}

			token, err := api.NewTokenService(cfg.Server.JWTSecret).Issue(c.String("subject"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}
