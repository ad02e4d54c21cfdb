package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/soulline/advisory/internal/app"
)

func testConfig(t *testing.T) *app.Config {
	t.Helper()

	return &app.Config{
		Server: app.ServerConfig{
			Port:            0,
			LogLevel:        "info",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: app.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "advisory.sqlite"),
		},
		Auth: app.AuthConfig{
			JWT: app.JWTSettings{
				Secret: "bootstrap-test-secret",
				Issuer: "advisory-test",
				TTL:    15 * time.Minute,
			},
		},
		Billing: app.BillingConfig{
			WarnThresholdMinutes: 2,
			FreeWindowLookahead:  30 * time.Second,
			TickInterval:         time.Second,
			CloseTimeout:         5 * time.Second,
		},
		Quality: app.QualityConfig{FlushEvery: 6},
		Maintenance: app.MaintenanceConfig{
			Enabled:        true,
			Schedule:       "@every 1m",
			HeartbeatGrace: 90 * time.Second,
		},
	}
}

func TestBootstrapRuntime(t *testing.T) {
	cfg := testConfig(t)

	stack, err := bootstrapRuntime(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, stack.DB)
	require.NotNil(t, stack.Manager)
	require.NotNil(t, stack.Cleaner)
	require.NotNil(t, stack.Hub)
	require.NotNil(t, stack.Router)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	stack.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	stack.Shutdown(context.Background(), zap.NewNop())
}

func TestBootstrapRuntimeSkipsCleanerWhenDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.Enabled = false

	stack, err := bootstrapRuntime(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, stack.Cleaner)

	stack.Shutdown(context.Background(), zap.NewNop())
}

func TestConvertDatabaseConfig(t *testing.T) {
	cfg := &app.Config{Database: app.DatabaseConfig{Driver: " SQLite ", Path: " ./data/app.sqlite "}}
	dbCfg := convertDatabaseConfig(cfg)
	require.Equal(t, "sqlite", dbCfg.Driver)
	require.Equal(t, "./data/app.sqlite", dbCfg.Path)

	cfg = &app.Config{Database: app.DatabaseConfig{
		Driver: "postgresql",
		Postgres: app.DBAuthConfig{
			Host:     "db.internal",
			Port:     5433,
			Database: "advisory",
			Username: "svc",
			Password: "secret",
		},
	}}
	dbCfg = convertDatabaseConfig(cfg)
	require.Equal(t, "postgres", dbCfg.Driver)
	require.Equal(t, "db.internal", dbCfg.Host)
	require.Equal(t, 5433, dbCfg.Port)
	require.Equal(t, "advisory", dbCfg.Name)
	require.Equal(t, "svc", dbCfg.User)
	require.Equal(t, "secret", dbCfg.Password)

	cfg = &app.Config{Database: app.DatabaseConfig{Driver: "oracle"}}
	require.Equal(t, "oracle", convertDatabaseConfig(cfg).Driver)
}

func TestSessionManagerConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Billing.BillOnDisconnect = true
	cfg.Billing.ContinueUntilExhausted = true

	sessCfg := sessionManagerConfig(cfg)
	require.Equal(t, cfg.Billing.WarnThresholdMinutes, sessCfg.WarnThresholdMinutes)
	require.Equal(t, cfg.Billing.FreeWindowLookahead, sessCfg.FreeWindowLookahead)
	require.Equal(t, cfg.Billing.TickInterval, sessCfg.TickInterval)
	require.Equal(t, cfg.Billing.CloseTimeout, sessCfg.CloseTimeout)
	require.True(t, sessCfg.BillOnDisconnect)
	require.True(t, sessCfg.ContinueUntilExhaustedSupported)
	require.Equal(t, cfg.Quality.FlushEvery, sessCfg.QualityFlushEvery)
	require.Equal(t, cfg.Maintenance.HeartbeatGrace, sessCfg.HeartbeatGrace)
}
