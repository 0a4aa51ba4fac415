package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply repository schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

			repo, cleanup, err := buildRepository(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()
			defer func() { _ = repo.Close() }()

			if err := repo.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("migrations applied", "backend", cfg.Repository.Backend)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}
