package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"display-rpc/codec"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "display-rpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
socket_path: /tmp/display.sock
codec: json
client:
  application_name: terminal
  call_timeout: 250ms
registry:
  endpoints: [127.0.0.1:2379]
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/display.sock", cfg.SocketPath)
	assert.Equal(t, codec.CodecTypeJSON, cfg.CodecType())
	assert.Equal(t, "terminal", cfg.Client.ApplicationName)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.CallTimeout)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Registry.Endpoints)

	// Untouched sections keep their defaults.
	assert.Equal(t, "round_robin", cfg.Client.Balancer)
	assert.Equal(t, int64(10), cfg.Registry.LeaseTTL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv(EnvVar, "")
	_, err := Load()
	require.ErrorIs(t, err, ErrNoConfig)

	t.Setenv(EnvVar, writeConfig(t, "log_level: debug\n"))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadFile(writeConfig(t, "client: [not, a, map]\n"))
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Codec = "xml"
	cfg.LogLevel = "chatty"
	cfg.Client.Balancer = "fastest"
	cfg.Client.CallTimeout = 0
	cfg.Server.RateLimit = 10
	cfg.Server.RateBurst = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 5)
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(1))
}
