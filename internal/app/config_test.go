package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "advisory", cfg.Auth.JWT.Issuer)
	require.Equal(t, 15*time.Minute, cfg.Auth.JWT.TTL)
	require.Equal(t, 2.0, cfg.Billing.WarnThresholdMinutes)
	require.Equal(t, 30*time.Second, cfg.Billing.FreeWindowLookahead)
	require.Equal(t, time.Second, cfg.Billing.TickInterval)
	require.False(t, cfg.Billing.BillOnDisconnect)
	require.True(t, cfg.Billing.ContinueUntilExhausted)
	require.Equal(t, 6, cfg.Quality.FlushEvery)
	require.True(t, cfg.Maintenance.Enabled)
	require.Equal(t, 90*time.Second, cfg.Maintenance.HeartbeatGrace)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	contents := []byte(`
server:
  port: 9090
  log_level: debug
billing:
  warn_threshold_minutes: 5
  free_window_lookahead: 45s
maintenance:
  enabled: false
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), contents, 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, 5.0, cfg.Billing.WarnThresholdMinutes)
	require.Equal(t, 45*time.Second, cfg.Billing.FreeWindowLookahead)
	require.False(t, cfg.Maintenance.Enabled)

	// untouched keys keep their defaults
	require.Equal(t, time.Second, cfg.Billing.TickInterval)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("SOULLINE_SERVER_PORT", "7001")
	t.Setenv("SOULLINE_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("SOULLINE_BILLING_BILL_ON_DISCONNECT", "true")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 7001, cfg.Server.Port)
	require.Equal(t, "env-secret", cfg.Auth.JWT.Secret)
	require.True(t, cfg.Billing.BillOnDisconnect)
}
