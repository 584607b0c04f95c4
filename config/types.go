package config

import (
	"time"
)

// Config represents the networking core configuration. Every section maps to
// one component: the API client, its retry policy, the connectivity observer,
// the token refresh coordinator and the telemetry service.
type Config struct {
	App          AppConfig          `koanf:"app" json:"app" yaml:"app"`
	API          APIConfig          `koanf:"api" json:"api" yaml:"api"`
	Retry        RetryConfig        `koanf:"retry" json:"retry" yaml:"retry"`
	Connectivity ConnectivityConfig `koanf:"connectivity" json:"connectivity" yaml:"connectivity"`
	Auth         AuthConfig         `koanf:"auth" json:"auth" yaml:"auth"`
	Telemetry    TelemetryConfig    `koanf:"telemetry" json:"telemetry" yaml:"telemetry"`
	Log          LogConfig          `koanf:"log" json:"log" yaml:"log"`

	// Observability configures OpenTelemetry traces and client metrics.
	Observability ObservabilityConfig `koanf:"observability" json:"observability" yaml:"observability"`
}

// AppConfig identifies the client in outbound headers and telemetry payloads.
type AppConfig struct {
	Platform string `koanf:"platform" json:"platform" yaml:"platform" validate:"required"`
	Version  string `koanf:"version" json:"version" yaml:"version" validate:"required"`
	DeviceID string `koanf:"deviceid" json:"deviceid" yaml:"deviceid"`
}

// APIConfig holds API client settings.
type APIConfig struct {
	BaseURL    string        `koanf:"baseurl" json:"baseurl" yaml:"baseurl" validate:"required,url"`
	Timeout    time.Duration `koanf:"timeout" json:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxReplays int           `koanf:"maxreplays" json:"maxreplays" yaml:"maxreplays" validate:"gte=0,lte=3"`
	// RateLimit is the client-side request budget per second; 0 disables throttling.
	RateLimit float64 `koanf:"ratelimit" json:"ratelimit" yaml:"ratelimit" validate:"gte=0"`
	RateBurst int     `koanf:"rateburst" json:"rateburst" yaml:"rateburst" validate:"gte=0"`
}

// RetryConfig holds the retry policy applied to every logical API call.
type RetryConfig struct {
	MaxAttempts int           `koanf:"maxattempts" json:"maxattempts" yaml:"maxattempts" validate:"gte=1,lte=10"`
	BaseDelay   time.Duration `koanf:"basedelay" json:"basedelay" yaml:"basedelay" validate:"gte=0"`
	Multiplier  float64       `koanf:"multiplier" json:"multiplier" yaml:"multiplier" validate:"gte=1"`
	Jitter      float64       `koanf:"jitter" json:"jitter" yaml:"jitter" validate:"gte=0,lte=1"`
	MaxDelay    time.Duration `koanf:"maxdelay" json:"maxdelay" yaml:"maxdelay" validate:"gte=0"`
}

// ConnectivityConfig configures the background reachability observer.
type ConnectivityConfig struct {
	// ProbeAddress is a host:port dialed to decide reachability.
	ProbeAddress  string        `koanf:"probeaddress" json:"probeaddress" yaml:"probeaddress" validate:"required,hostname_port"`
	ProbeInterval time.Duration `koanf:"probeinterval" json:"probeinterval" yaml:"probeinterval" validate:"gt=0"`
	ProbeTimeout  time.Duration `koanf:"probetimeout" json:"probetimeout" yaml:"probetimeout" validate:"gt=0"`
	// OfflineWait bounds how long a retry waits for connectivity to come back.
	OfflineWait time.Duration `koanf:"offlinewait" json:"offlinewait" yaml:"offlinewait" validate:"gte=0"`
}

// AuthConfig configures token refresh.
type AuthConfig struct {
	RefreshPath    string        `koanf:"refreshpath" json:"refreshpath" yaml:"refreshpath" validate:"required,startswith=/"`
	RefreshTimeout time.Duration `koanf:"refreshtimeout" json:"refreshtimeout" yaml:"refreshtimeout" validate:"gt=0"`
	ExpirySkew     time.Duration `koanf:"expiryskew" json:"expiryskew" yaml:"expiryskew" validate:"gte=0"`
	Proactive      bool          `koanf:"proactive" json:"proactive" yaml:"proactive"`
	// TokenFile selects a file-backed token store; empty keeps tokens in memory.
	TokenFile string `koanf:"tokenfile" json:"tokenfile" yaml:"tokenfile"`
}

// TelemetryConfig configures the analytics batching service.
type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled" json:"enabled" yaml:"enabled"`
	Endpoint      string        `koanf:"endpoint" json:"endpoint" yaml:"endpoint" validate:"required,startswith=/"`
	Capacity      int           `koanf:"capacity" json:"capacity" yaml:"capacity" validate:"gte=1"`
	BatchSize     int           `koanf:"batchsize" json:"batchsize" yaml:"batchsize" validate:"gte=1"`
	FlushInterval time.Duration `koanf:"flushinterval" json:"flushinterval" yaml:"flushinterval" validate:"gt=0"`
	MaxRetries    int           `koanf:"maxretries" json:"maxretries" yaml:"maxretries" validate:"gte=0,lte=10"`
	BaseDelay     time.Duration `koanf:"basedelay" json:"basedelay" yaml:"basedelay" validate:"gte=0"`
	Store         string        `koanf:"store" json:"store" yaml:"store" validate:"oneof=file sqlite memory"`
	Path          string        `koanf:"path" json:"path" yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Pretty bool   `koanf:"pretty" json:"pretty" yaml:"pretty"`
}

// ObservabilityConfig selects where traces and metrics are exported.
// Endpoint "stdout" prints them; anything else is an OTLP collector address.
type ObservabilityConfig struct {
	Enabled    bool          `koanf:"enabled" json:"enabled" yaml:"enabled"`
	Endpoint   string        `koanf:"endpoint" json:"endpoint" yaml:"endpoint"`
	Protocol   string        `koanf:"protocol" json:"protocol" yaml:"protocol" validate:"oneof=http grpc"`
	Insecure   bool          `koanf:"insecure" json:"insecure" yaml:"insecure"`
	SampleRate float64       `koanf:"samplerate" json:"samplerate" yaml:"samplerate" validate:"gte=0,lte=1"`
	Interval   time.Duration `koanf:"interval" json:"interval" yaml:"interval" validate:"gt=0"`
}

// Telemetry store kinds
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)
