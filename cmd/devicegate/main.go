package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/learnhub/devicegate/pkg/config"
	"github.com/learnhub/devicegate/pkg/logger"
	"github.com/learnhub/devicegate/pkg/router"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	dbutils "github.com/tendant/db-utils/db"
)

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "devicegate",
		Short:        "Device-limited authentication service",
		Long:         `devicegate authenticates users and caps how many devices each of them may use at once.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", config.GetEnvOrDefault("DEVICEGATE_ENV_FILE", ".env"), "Path to a .env file loaded before reading the environment")

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newCreateUserCommand(),
		newResetUserCommand(),
		newSetLimitCommand(),
		newTokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the logger it selects
func loadConfig() (config.AppConfig, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.AppConfig{}, err
	}
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, nil
}

// openServices connects the backends cfg selects and wires the services.
// The returned func releases the connections.
func openServices(ctx context.Context, cfg config.AppConfig) (*router.Services, func(), error) {
	var deps router.Dependencies
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Device.PersistenceType {
	case "postgres", "postgresql":
		pool, err := openPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		closers = append(closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to ping database %s:%d/%s: %w", cfg.Database.Host, cfg.Database.Port, cfg.Database.Database, err)
		}
		slog.Info("Database connected", "database", cfg.Database.Database, "schema", cfg.Database.Schema)
		deps.Pool = pool
	}

	if cfg.NeedsRedis() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		deps.Redis = rdb
	}

	services, err := router.NewServices(ctx, cfg, deps)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return services, cleanup, nil
}

func openPool(ctx context.Context, db config.DatabaseConfig) (*pgxpool.Pool, error) {
	if db.UsesDefaultSchema() {
		return dbutils.NewDbPool(ctx, db.ToDbConfig())
	}
	return pgxpool.New(ctx, db.ToDatabaseURL())
}
