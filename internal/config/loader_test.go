package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaultConfigWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, resolved, err := Load(nil, path)
	require.NoError(t, err)
	require.Equal(t, path, resolved)
	require.Equal(t, Default().Addr, cfg.Addr)
	require.Equal(t, 40, cfg.BacklogSize)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`addr: ":9090"
backlog_size: 10
store_timeout: 1s
bus:
  driver: redis
  prefix: test
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("WIRECHAT_BACKLOG_SIZE", "25")
	t.Setenv("WIRECHAT_BUS_PREFIX", "fromenv")

	cfg, _, err := Load(nil, path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Addr)
	require.Equal(t, 25, cfg.BacklogSize)
	require.Equal(t, time.Second, cfg.StoreTimeout)
	require.Equal(t, DriverRedis, cfg.Bus.Driver)
	require.Equal(t, "fromenv", cfg.Bus.Prefix)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Bus.Driver = "kafka"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Presence.Driver = DriverNATS
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.EventBuffer = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Bus.Driver = DriverRedis
	require.True(t, cfg.SinglePresenceNode())
}

func TestUpdateFromKeepsUnsetValues(t *testing.T) {
	cfg := Default()
	cfg.UpdateFrom(Config{Addr: ":1234", Bus: BusConfig{Driver: DriverNATS}})

	require.Equal(t, ":1234", cfg.Addr)
	require.Equal(t, DriverNATS, cfg.Bus.Driver)
	require.Equal(t, Default().LogLevel, cfg.LogLevel)
}
