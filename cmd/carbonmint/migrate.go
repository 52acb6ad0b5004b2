package main

import (
	"fmt"
	"log/slog"

	"github.com/opensource-finance/carbonmint/internal/repository"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the repository applies the schema.
			repo, err := repository.New(cfg.Repository)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer repo.Close()

			if err := repo.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			slog.Info("schema up to date",
				"driver", cfg.Repository.Driver,
				"tables", len(repository.AllSchemas()),
			)
			return nil
		},
	}
}
