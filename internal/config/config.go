package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the tool gate sidecar.
type Config struct {
	Port      int
	Version   string
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Admission AdmissionConfig
	Gating    GatingConfig
	Health    HealthConfig
	Manifest  ManifestConfig
	Tools     ToolsConfig
	Ledger    LedgerConfig
	Log       LogConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	SampleRatio  float64
}

type AuthConfig struct {
	// SharedSecret protects /api/v1 when set. Empty disables auth.
	SharedSecret string
}

type AdmissionConfig struct {
	ConcurrencyLimit int
}

type GatingConfig struct {
	EnforceClassification bool
	ReasonMinLength       int
	ApprovalTTL           time.Duration
}

type HealthConfig struct {
	// ProbeURL empty polls a static healthy probe instead.
	ProbeURL          string
	ProbeTimeout      time.Duration
	Interval          time.Duration
	BackoffMultiplier float64
	MaxInterval       time.Duration
}

type ManifestConfig struct {
	Path             string
	URL              string
	CacheDir         string
	FetchTimeout     time.Duration
	WatchFile        bool
	RefreshPerMinute int
}

type ToolsConfig struct {
	RepoPath        string
	PipelineTimeout time.Duration
	PackageManager  string
	// RemoteEndpoint is an MCP server that serves tools not handled locally.
	RemoteEndpoint string
	RemoteToken    string
}

type LedgerConfig struct {
	Retention     time.Duration
	SweepInterval time.Duration
	MaxEvents     int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("TOOLGATE_PORT", 8787),
		Version: envStr("TOOLGATE_VERSION", "0.1.0"),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "context-kit-toolgate"),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLE_RATIO", 1.0),
		},
		Auth: AuthConfig{
			SharedSecret: envStr("TOOLGATE_SHARED_SECRET", ""),
		},
		Admission: AdmissionConfig{
			ConcurrencyLimit: envInt("TOOLGATE_CONCURRENCY_LIMIT", 3),
		},
		Gating: GatingConfig{
			EnforceClassification: envBool("TOOLGATE_ENFORCE_CLASSIFICATION", true),
			ReasonMinLength:       envInt("TOOLGATE_REASON_MIN_LENGTH", 8),
			ApprovalTTL:           envDuration("TOOLGATE_APPROVAL_TTL", 10*time.Minute),
		},
		Health: HealthConfig{
			ProbeURL:          envStr("TOOLGATE_HEALTH_PROBE_URL", ""),
			ProbeTimeout:      envDuration("TOOLGATE_HEALTH_PROBE_TIMEOUT", 5*time.Second),
			Interval:          envDuration("TOOLGATE_HEALTH_INTERVAL", 10*time.Second),
			BackoffMultiplier: envFloat("TOOLGATE_HEALTH_BACKOFF_MULTIPLIER", 1.5),
			MaxInterval:       envDuration("TOOLGATE_HEALTH_MAX_INTERVAL", 60*time.Second),
		},
		Manifest: ManifestConfig{
			Path:             envStr("TOOLGATE_MANIFEST_PATH", ""),
			URL:              envStr("TOOLGATE_MANIFEST_URL", ""),
			CacheDir:         envStr("TOOLGATE_MANIFEST_CACHE_DIR", ""),
			FetchTimeout:     envDuration("TOOLGATE_MANIFEST_FETCH_TIMEOUT", 10*time.Second),
			WatchFile:        envBool("TOOLGATE_MANIFEST_WATCH", true),
			RefreshPerMinute: envInt("TOOLGATE_MANIFEST_REFRESH_PER_MINUTE", 6),
		},
		Tools: ToolsConfig{
			RepoPath:        envStr("TOOLGATE_REPO_PATH", "."),
			PipelineTimeout: envDuration("TOOLGATE_PIPELINE_TIMEOUT", 30*time.Second),
			PackageManager:  envStr("TOOLGATE_PACKAGE_MANAGER", "pnpm"),
			RemoteEndpoint:  envStr("TOOLGATE_REMOTE_TOOLS_URL", ""),
			RemoteToken:     envStr("TOOLGATE_REMOTE_TOOLS_TOKEN", ""),
		},
		Ledger: LedgerConfig{
			Retention:     envDuration("TOOLGATE_LEDGER_RETENTION", 15*time.Minute),
			SweepInterval: envDuration("TOOLGATE_LEDGER_SWEEP_INTERVAL", time.Minute),
			MaxEvents:     envInt("TOOLGATE_TELEMETRY_MAX_EVENTS", 2048),
		},
		Log: LogConfig{
			Level:  envStr("TOOLGATE_LOG_LEVEL", "info"),
			Format: envStr("TOOLGATE_LOG_FORMAT", "console"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts Go durations ("1m30s") or plain milliseconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
