package cmd

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/siliconchat/internal/database"
	"github.com/siliconchat/internal/jobqueue"
)

// MigrateCommand creates the storage tables, and River's tables on postgres.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the database schema",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			driver := cfg.Storage.Driver
			if driver == "memory" {
				fmt.Println("storage.driver is memory, nothing to migrate")
				return nil
			}

			url := ""
			if driver == "postgres" {
				if url, err = databaseURL(cfg); err != nil {
					return err
				}
			}

			db, _, err := database.Open(c.Context, driver, url, cfg.Storage.SQLitePath)
			if err != nil {
				return fmt.Errorf("failed to migrate %s: %w", driver, err)
			}
			defer db.Close()
			log.Info().Str("driver", driver).Msg("schema up to date")

			if driver == "postgres" {
				pool, err := pgxpool.New(c.Context, url)
				if err != nil {
					return fmt.Errorf("failed to create connection pool: %w", err)
				}
				defer pool.Close()
				if err := jobqueue.MigratePool(c.Context, pool); err != nil {
					return err
				}
			}

			fmt.Println("Migrations applied")
			return nil
		},
	}
}
