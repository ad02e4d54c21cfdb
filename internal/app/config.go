package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the advisory backend.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Billing     BillingConfig     `mapstructure:"billing"`
	Quality     QualityConfig     `mapstructure:"quality"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// AuthConfig captures authentication settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// BillingConfig sets the defaults applied to every session's billing clock.
type BillingConfig struct {
	WarnThresholdMinutes   float64       `mapstructure:"warn_threshold_minutes"`
	FreeWindowLookahead    time.Duration `mapstructure:"free_window_lookahead"`
	TickInterval           time.Duration `mapstructure:"tick_interval"`
	CloseTimeout           time.Duration `mapstructure:"close_timeout"`
	BillOnDisconnect       bool          `mapstructure:"bill_on_disconnect"`
	ContinueUntilExhausted bool          `mapstructure:"continue_until_exhausted"`
}

// QualityConfig controls connection quality monitoring.
type QualityConfig struct {
	FlushEvery int `mapstructure:"flush_every"`
}

// MaintenanceConfig controls background cleanup of stale sessions.
type MaintenanceConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Schedule       string        `mapstructure:"schedule"`
	HeartbeatGrace time.Duration `mapstructure:"heartbeat_grace"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("SOULLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/advisory.sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.postgres.host", "127.0.0.1")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "advisory")
	v.SetDefault("database.postgres.username", "advisory")
	v.SetDefault("database.postgres.password", "")

	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "advisory")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")

	v.SetDefault("billing.warn_threshold_minutes", 2)
	v.SetDefault("billing.free_window_lookahead", "30s")
	v.SetDefault("billing.tick_interval", "1s")
	v.SetDefault("billing.close_timeout", "5s")
	v.SetDefault("billing.bill_on_disconnect", false)
	v.SetDefault("billing.continue_until_exhausted", true)

	v.SetDefault("quality.flush_every", 6)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.schedule", "@every 1m")
	v.SetDefault("maintenance.heartbeat_grace", "90s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
