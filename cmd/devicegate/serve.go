package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/learnhub/devicegate/pkg/bootstrap"
	"github.com/learnhub/devicegate/pkg/migrate"
	"github.com/learnhub/devicegate/pkg/router"
	"github.com/spf13/cobra"
	"github.com/tendant/chi-demo/app"
)

func newServeCommand() *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()

			if autoMigrate && cfg.Device.PersistenceType == "postgres" {
				if err := migrate.Run(cfg.Database.ToDatabaseURL(), migrate.DirectionUp); err != nil {
					return err
				}
			}

			services, cleanup, err := openServices(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if cfg.Bootstrap.AdminEmail != "" {
				result, err := bootstrap.BootstrapAdminUser(ctx, bootstrap.AdminBootstrapConfig{
					AdminEmail:    cfg.Bootstrap.AdminEmail,
					AdminPassword: cfg.Bootstrap.AdminPassword,
					AdminRole:     cfg.Bootstrap.AdminRole,
					UserService:   services.Users,
				})
				if err != nil {
					return err
				}
				bootstrap.PrintBootstrapResult(os.Stdout, result)
				bootstrap.LogBootstrapSummary(result)
			}

			if services.RateLimit != nil {
				sweepCtx, stop := context.WithCancel(ctx)
				defer stop()
				go services.RateLimit.Run(sweepCtx, 10*time.Minute)
			}

			server := app.DefaultApp()
			app.RoutesHealthz(server.R)
			app.RoutesHealthzReady(server.R)
			router.SetupRoutes(server.R, router.NewConfig(cfg, services))

			slog.Info("Device gate ready",
				"env", cfg.Environment(),
				"persistence", cfg.Device.PersistenceType,
				"limitStore", cfg.Device.LimitStore,
				"maxDevicesPerUser", services.Policy.Get(),
				"authPrefix", cfg.Prefix.Auth,
				"devicePrefix", cfg.Prefix.Device,
			)
			server.Run()
			return nil
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}
