package config

import (
	"fmt"
	"net/url"

	dbutils "github.com/tendant/db-utils/db"
)

// DatabaseConfig holds PostgreSQL database configuration
type DatabaseConfig struct {
	Host     string `env:"DEVICEGATE_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"DEVICEGATE_PG_PORT" env-default:"5432"`
	Database string `env:"DEVICEGATE_PG_DATABASE" env-default:"devicegate"`
	User     string `env:"DEVICEGATE_PG_USER" env-default:"devicegate"`
	Password string `env:"DEVICEGATE_PG_PASSWORD" env-default:"pwd"`
	Schema   string `env:"DEVICEGATE_PG_SCHEMA" env-default:"public"`
}

// ToDatabaseURL converts the config to a PostgreSQL connection URL
func (d DatabaseConfig) ToDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Database,
		RawQuery: "sslmode=disable&search_path=" + d.Schema + ",public",
	}
	return u.String()
}

// ToDbConfig converts the config to a db-utils DbConfig. DbConfig has no
// schema; callers needing a non-public schema connect with ToDatabaseURL.
func (d DatabaseConfig) ToDbConfig() dbutils.DbConfig {
	return dbutils.DbConfig{
		Host:     d.Host,
		Port:     d.Port,
		Database: d.Database,
		User:     d.User,
		Password: d.Password,
	}
}

// UsesDefaultSchema reports whether the public schema is selected
func (d DatabaseConfig) UsesDefaultSchema() bool {
	return d.Schema == "" || d.Schema == "public"
}

// RedisConfig configures the optional Redis store for the device limit
type RedisConfig struct {
	Addr     string `env:"DEVICEGATE_REDIS_ADDR" env-default:"localhost:6379"`
	Password string `env:"DEVICEGATE_REDIS_PASSWORD"`
	DB       int    `env:"DEVICEGATE_REDIS_DB" env-default:"0"`
	Key      string `env:"DEVICEGATE_REDIS_LIMIT_KEY" env-default:"devicegate:device-limit"`
}
