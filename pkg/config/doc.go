// Package config loads the service configuration.
//
// Everything is read once from the environment with cleanenv into
// AppConfig, optionally after loading a .env file with godotenv:
//
//	cfg, err := config.Load(".env")
//	if err != nil {
//		slog.Error("Invalid configuration", "error", err)
//		os.Exit(1)
//	}
//
// Validate reports every invalid field at once as ValidationErrors.
//
// # Device settings
//
//	DEVICE_DEFAULT_LIMIT=2             # initial cap, 1..10
//	DEVICE_PERSISTENCE_TYPE=postgres   # postgres | file | memory
//	DEVICE_DATA_DIR=./data             # used by the file store
//	DEVICE_UNLIMITED_ROLES=superadmin  # comma-separated
//	ADMIN_ROLES=admin,superadmin
//	DEVICE_ON_INTERNAL_ERROR=deny      # deny | allow, gate only
//	DEVICE_SCAN_BATCH_SIZE=500
//	DEVICE_LIMIT_STORE=memory          # memory | redis
package config
