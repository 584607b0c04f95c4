package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "unknown", cfg.App.Platform)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 1, cfg.API.MaxReplays)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.0001)

	assert.Equal(t, "/v1/auth/refresh", cfg.Auth.RefreshPath)
	assert.True(t, cfg.Auth.Proactive)

	assert.Equal(t, 500, cfg.Telemetry.Capacity)
	assert.Equal(t, 50, cfg.Telemetry.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Telemetry.FlushInterval)
	assert.Equal(t, 3, cfg.Telemetry.MaxRetries)
	assert.Equal(t, StoreMemory, cfg.Telemetry.Store)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.False(t, cfg.Observability.Enabled)
	assert.Equal(t, "stdout", cfg.Observability.Endpoint)
	assert.Equal(t, time.Minute, cfg.Observability.Interval)
}

func TestLoadMissingFileIsSkipped(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Telemetry.Capacity)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netcore.yaml")
	doc := `
app:
  platform: ios
  version: 4.2.0
api:
  baseurl: https://api.example.com
  timeout: 10s
telemetry:
  store: file
  path: /tmp/netcore
  batchsize: 20
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ios", cfg.App.Platform)
	assert.Equal(t, "4.2.0", cfg.App.Version)
	assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.API.Timeout)
	assert.Equal(t, StoreFile, cfg.Telemetry.Store)
	assert.Equal(t, 20, cfg.Telemetry.BatchSize)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvironmentOverridesDocument(t *testing.T) {
	t.Setenv("NETCORE_TELEMETRY_BATCHSIZE", "25")
	t.Setenv("NETCORE_RETRY_BASEDELAY", "250ms")
	t.Setenv("NETCORE_APP_PLATFORM", "android")

	cfg, err := LoadBytes([]byte("app:\n  platform: ios\ntelemetry:\n  batchsize: 10\n"))
	require.NoError(t, err)
	assert.Equal(t, "android", cfg.App.Platform)
	assert.Equal(t, 25, cfg.Telemetry.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantField string
	}{
		{
			name:      "batch larger than capacity",
			doc:       "telemetry:\n  capacity: 10\n  batchsize: 20\n",
			wantField: "telemetry.batchsize",
		},
		{
			name:      "file store without path",
			doc:       "telemetry:\n  store: file\n",
			wantField: "telemetry.path",
		},
		{
			name:      "unknown store",
			doc:       "telemetry:\n  store: redis\n",
			wantField: "telemetry.store",
		},
		{
			name:      "invalid base url",
			doc:       "api:\n  baseurl: not a url\n",
			wantField: "api.baseurl",
		},
		{
			name:      "zero attempts",
			doc:       "retry:\n  maxattempts: 0\n",
			wantField: "retry.maxattempts",
		},
		{
			name:      "refresh path must be absolute",
			doc:       "auth:\n  refreshpath: refresh\n",
			wantField: "auth.refreshpath",
		},
		{
			name:      "max delay below base delay",
			doc:       "retry:\n  basedelay: 2s\n  maxdelay: 1s\n",
			wantField: "retry.maxdelay",
		},
		{
			name:      "unknown export protocol",
			doc:       "observability:\n  protocol: thrift\n",
			wantField: "observability.protocol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.doc))
			require.Error(t, err)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestConfigErrorMessage(t *testing.T) {
	err := NewMissingFieldError("app.version")
	assert.Equal(t,
		"config_missing: app.version required set NETCORE_APP_VERSION env var or add app.version to the config file",
		err.Error())

	inv := NewInvalidFieldError("retry.jitter", "out of range")
	assert.Equal(t, "config_invalid: retry.jitter out of range", inv.Error())
}
