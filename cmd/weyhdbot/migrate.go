package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geffzhang/weyhdbot/internal/db/migrate"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the postgres registry schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(migrate.Up), string(migrate.Down)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			direction := migrate.Direction(args[0])
			if err := migrate.Run(cfg.Postgres.DSN(), direction); err != nil {
				return fmt.Errorf("migrate %s: %w", direction, err)
			}
			log.Info("migration finished", "direction", string(direction))
			return nil
		},
	}
}
