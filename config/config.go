// Package config loads the networking core configuration from defaults,
// an optional YAML document and NETCORE_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "NETCORE_"

// Load loads configuration from multiple sources with priority:
// 1. Environment variables (highest priority)
// 2. The YAML file at path (optional; a missing file is skipped)
// 3. Default values (lowest priority)
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	return finish(k)
}

// LoadBytes loads configuration from an in-memory YAML document, for apps that
// embed their configuration into the binary. Environment variables still win.
func LoadBytes(data []byte) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config document: %w", err)
		}
	}

	return finish(k)
}

func finish(k *koanf.Koanf) (*Config, error) {
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			// NETCORE_TELEMETRY_BATCHSIZE -> telemetry.batchsize
			key = strings.TrimPrefix(key, EnvPrefix)
			return strings.ReplaceAll(strings.ToLower(key), "_", "."), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"app.platform": "unknown",
		"app.version":  "0.0.0",
		"app.deviceid": "",

		"api.baseurl":    "http://localhost:8000",
		"api.timeout":    "30s",
		"api.maxreplays": 1,
		"api.ratelimit":  0,
		"api.rateburst":  0,

		"retry.maxattempts": 3,
		"retry.basedelay":   "1s",
		"retry.multiplier":  2.0,
		"retry.jitter":      0.1,
		"retry.maxdelay":    "30s",

		"connectivity.probeaddress":  "1.1.1.1:443",
		"connectivity.probeinterval": "10s",
		"connectivity.probetimeout":  "3s",
		"connectivity.offlinewait":   "30s",

		"auth.refreshpath":    "/v1/auth/refresh",
		"auth.refreshtimeout": "15s",
		"auth.expiryskew":     "30s",
		"auth.proactive":      true,
		"auth.tokenfile":      "",

		"telemetry.enabled":       true,
		"telemetry.endpoint":      "/v1/analytics/events",
		"telemetry.capacity":      500,
		"telemetry.batchsize":     50,
		"telemetry.flushinterval": "30s",
		"telemetry.maxretries":    3,
		"telemetry.basedelay":     "1s",
		"telemetry.store":         StoreMemory,
		"telemetry.path":          "",

		"log.level":  "info",
		"log.pretty": false,

		"observability.enabled":    false,
		"observability.endpoint":   "stdout",
		"observability.protocol":   "http",
		"observability.insecure":   false,
		"observability.samplerate": 1.0,
		"observability.interval":   "60s",
	}

	return k.Load(confmap.Provider(defaults, "."), nil)
}
