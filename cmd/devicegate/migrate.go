package main

import (
	"github.com/learnhub/devicegate/pkg/migrate"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
	}
	cmd.AddCommand(
		newMigrateDirectionCommand(migrate.DirectionUp, "Apply all pending migrations"),
		newMigrateDirectionCommand(migrate.DirectionDown, "Roll back all migrations"),
	)
	return cmd
}

func newMigrateDirectionCommand(direction, short string) *cobra.Command {
	return &cobra.Command{
		Use:   direction,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return migrate.Run(cfg.Database.ToDatabaseURL(), direction)
		},
	}
}
