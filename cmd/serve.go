package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/siliconchat/internal/api"
	"github.com/siliconchat/internal/chat"
	"github.com/siliconchat/internal/config"
)

// ServeCommand returns the CLI command that runs the HTTP bridge
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the siliconchat bridge",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the bridge (overrides server.port)",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Reload the configuration file when it changes",
				Value: true,
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if port := c.Int("port"); port > 0 {
		cfg.Server.Port = port
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.Close(closeCtx)
	}()

	if c.Bool("watch") {
		if _, err := config.Watch(c.String("config"), rt.holder); err != nil {
			log.Warn().Err(err).Msg("config hot reload disabled")
		}
	}

	var sender chat.Sender = chat.LogSender{}
	if cfg.Server.OutboundURL != "" {
		sender = chat.NewWebhookSender(cfg.Server.OutboundURL)
	}

	svc := chat.NewService(chat.Deps{
		Registry: rt.sessions,
		Ledger:   rt.ledger,
		Tracker:  rt.tracker,
		Client:   rt.client,
		Holder:   rt.holder,
		Sender:   sender,
	})

	var tokens *api.TokenService
	if cfg.Server.JWTSecret != "" {
		tokens = api.NewTokenService(cfg.Server.JWTSecret)
	}

	server := api.NewServer(api.Options{
		Port:     cfg.Server.Port,
		Chat:     svc,
		Ledger:   rt.ledger,
		Tracker:  rt.tracker,
		Tokens:   tokens,
		Gatherer: rt.registry,
	})

	g, gctx := errgroup.WithContext(ctx)
	if rt.jobs != nil {
		if err := rt.jobs.Start(gctx); err != nil {
			return fmt.Errorf("failed to start job queue: %w", err)
		}
	}
	g.Go(func() error {
		return server.Start(gctx)
	})

	fmt.Printf("siliconchat bridge listening on port %d\n", cfg.Server.Port)
	return g.Wait()
}
