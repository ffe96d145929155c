package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/tendant/chi-demo/app"
)

// DeviceConfig configures the device limit subsystem
type DeviceConfig struct {
	DefaultLimit    int    `env:"DEVICE_DEFAULT_LIMIT" env-default:"2"`
	PersistenceType string `env:"DEVICE_PERSISTENCE_TYPE" env-default:"postgres"`
	DataDir         string `env:"DEVICE_DATA_DIR" env-default:"./data"`
	UnlimitedRoles  string `env:"DEVICE_UNLIMITED_ROLES" env-default:"superadmin"`
	AdminRoles      string `env:"ADMIN_ROLES" env-default:"admin,superadmin"`
	OnInternalError string `env:"DEVICE_ON_INTERNAL_ERROR" env-default:"deny"`
	ScanBatchSize   int    `env:"DEVICE_SCAN_BATCH_SIZE" env-default:"500"`
	LimitStore      string `env:"DEVICE_LIMIT_STORE" env-default:"memory"`
}

// UnlimitedRoleList returns the roles exempt from the device limit
func (d DeviceConfig) UnlimitedRoleList() []string {
	return ParseRoleList(d.UnlimitedRoles, "superadmin")
}

func (d DeviceConfig) AdminRoleList() []string {
	return ParseAdminRoleNames(d.AdminRoles)
}

// RateLimitConfig throttles the login and signup endpoints per client IP
type RateLimitConfig struct {
	Enabled   bool   `env:"LOGIN_RATE_LIMIT_ENABLED" env-default:"true"`
	Burst     int    `env:"LOGIN_RATE_LIMIT_BURST" env-default:"10"`
	PerMinute int    `env:"LOGIN_RATE_LIMIT_PER_MINUTE" env-default:"10"`
	Store     string `env:"LOGIN_RATE_LIMIT_STORE" env-default:"memory"`
}

// BootstrapConfig names the admin account created on first start.
// Bootstrap is skipped when AdminEmail is empty.
type BootstrapConfig struct {
	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
	AdminRole     string `env:"ADMIN_ROLE" env-default:"superadmin"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" env-default:"info"`
	Format string `env:"LOG_FORMAT" env-default:"text"`
}

// AppConfig is the complete service configuration read from the environment
type AppConfig struct {
	Env       string `env:"APP_ENV" env-default:"development"`
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Device    DeviceConfig
	RateLimit RateLimitConfig
	Bootstrap BootstrapConfig
	Log       LogConfig
	Prefix    PrefixConfig

	// Server
	AppConfig app.AppConfig
}

// Environment returns the parsed APP_ENV
func (c AppConfig) Environment() Environment {
	return ParseEnvironment(c.Env)
}

// NeedsRedis reports whether any component is configured to use Redis
func (c AppConfig) NeedsRedis() bool {
	return c.Device.LimitStore == "redis" || (c.RateLimit.Enabled && c.RateLimit.Store == "redis")
}

// LoadEnvFile loads envFile into the process environment if it exists
func LoadEnvFile(envFile string) {
	if envFile == "" {
		return
	}
	if _, err := os.Stat(envFile); err != nil {
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		slog.Warn("Failed to load env file", "file", envFile, "error", err)
		return
	}
	slog.Info("Loaded env file", "file", envFile)
}

// Load reads the configuration from the environment after loading envFile
func Load(envFile string) (AppConfig, error) {
	LoadEnvFile(envFile)

	var cfg AppConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("failed to read configuration: %w", err)
	}
	cfg.Prefix = cfg.Prefix.Resolve()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints cleanenv cannot express
func (c AppConfig) Validate() error {
	_, expiryErr := c.JWT.ParseAccessTokenExpiry()

	errs := CollectErrors(
		RequireInRange("DEVICE_DEFAULT_LIMIT", c.Device.DefaultLimit, 1, 10),
		RequireOneOf("DEVICE_PERSISTENCE_TYPE", c.Device.PersistenceType, []string{"postgres", "postgresql", "file", "memory", "inmem"}),
		RequireOneOf("DEVICE_ON_INTERNAL_ERROR", c.Device.OnInternalError, []string{"deny", "closed", "allow", "open"}),
		RequireOneOf("DEVICE_LIMIT_STORE", c.Device.LimitStore, []string{"memory", "redis"}),
		RequireOneOf("LOGIN_RATE_LIMIT_STORE", c.RateLimit.Store, []string{"memory", "redis"}),
		RequirePositive("DEVICE_SCAN_BATCH_SIZE", c.Device.ScanBatchSize),
		RequirePositive("LOGIN_RATE_LIMIT_BURST", c.RateLimit.Burst),
		RequirePositive("LOGIN_RATE_LIMIT_PER_MINUTE", c.RateLimit.PerMinute),
		RequireNonEmpty("JWT_SECRET", c.JWT.Secret),
		FromError("ACCESS_TOKEN_EXPIRY", expiryErr),
		FromError("API_PREFIX", c.Prefix.Validate()),
	)
	if c.Environment() == Production && c.JWT.Secret == "very-secure-jwt-secret" {
		errs = append(errs, ValidationError{Field: "JWT_SECRET", Message: "must be changed in production"})
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// IsValidationError reports whether err came from Validate
func IsValidationError(err error) bool {
	var v ValidationErrors
	return errors.As(err, &v)
}
