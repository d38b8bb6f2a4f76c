// Package config handles loading and validating Flowgate configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Flowgate.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.flowgate/data. Override: FLOWGATE_DATA_DIR env var.
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Router        RouterConfig         `json:"router" yaml:"router"`
	Cache         CacheConfig          `json:"cache" yaml:"cache"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir).
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = log-only audit.
}

// ProvidersConfig defines which AI providers are enabled and their
// credentials. Providers are tried in the order they appear in Enabled.
type ProvidersConfig struct {
	Enabled   []string        `json:"enabled" yaml:"enabled"` // Provider names in fallback order. Empty = all with credentials.
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Gemini    GeminiConfig    `json:"gemini" yaml:"gemini"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"` // Override: ANTHROPIC_API_KEY env var.
	Model  string `json:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"` // Override: OPENAI_API_KEY env var.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"` // Override: GEMINI_API_KEY env var.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://generativelanguage.googleapis.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// RouterConfig configures routing policy: BYOK permission, cost rate, and
// the fixed sampling policy applied to provider calls.
type RouterConfig struct {
	AllowBYOK       bool    `json:"allow_byok" yaml:"allow_byok"`
	CostPer1KTokens float64 `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"` // Default: 0.002.
	MaxTokens       int     `json:"max_tokens" yaml:"max_tokens"`                 // 0 = provider default.
	Temperature     float64 `json:"temperature" yaml:"temperature"`
}

// CostRate returns the per-1k-token rate with a default of 0.002 USD.
func (r *RouterConfig) CostRate() float64 {
	if r != nil && r.CostPer1KTokens > 0 {
		return r.CostPer1KTokens
	}
	return 0.002
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	MaxEntries        int `json:"max_entries" yaml:"max_entries"`                 // Default: 1000.
	DefaultTTLSeconds int `json:"default_ttl_seconds" yaml:"default_ttl_seconds"` // Default: 300.
	SweepSeconds      int `json:"sweep_seconds" yaml:"sweep_seconds"`             // Expiry sweep interval. Default: 300.
}

// DefaultTTL returns the default entry TTL with a default of 5m.
func (c *CacheConfig) DefaultTTL() time.Duration {
	if c != nil && c.DefaultTTLSeconds > 0 {
		return time.Duration(c.DefaultTTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// SweepInterval returns the background sweep interval with a default of 5m.
func (c *CacheConfig) SweepInterval() time.Duration {
	if c != nil && c.SweepSeconds > 0 {
		return time.Duration(c.SweepSeconds) * time.Second
	}
	return 5 * time.Minute
}

// SandboxConfig configures the workflow sandbox engine.
type SandboxConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	EngineURL          string `json:"engine_url" yaml:"engine_url"`   // Workflow engine base URL. Override: FLOWGATE_ENGINE_URL env var.
	EngineAPIKey       string `json:"engine_api_key" yaml:"engine_api_key"` // Override: FLOWGATE_ENGINE_API_KEY env var.
	TTLMinutes         int    `json:"ttl_minutes" yaml:"ttl_minutes"`                   // Sandbox lifetime. Default: 30.
	ExecutionTimeoutMs int    `json:"execution_timeout_ms" yaml:"execution_timeout_ms"` // Hard per-run deadline. Default: 30000.
	SweepSeconds       int    `json:"sweep_seconds" yaml:"sweep_seconds"`               // Expiry sweep interval. Default: 300.
	SafeEndpoint       string `json:"safe_endpoint" yaml:"safe_endpoint"`               // Echo endpoint for redirected HTTP nodes.
}

// TTL returns the sandbox lifetime with a default of 30m.
func (s *SandboxConfig) TTL() time.Duration {
	if s != nil && s.TTLMinutes > 0 {
		return time.Duration(s.TTLMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// ExecutionTimeout returns the per-run deadline with a default of 30s.
func (s *SandboxConfig) ExecutionTimeout() time.Duration {
	if s != nil && s.ExecutionTimeoutMs > 0 {
		return time.Duration(s.ExecutionTimeoutMs) * time.Millisecond
	}
	return 30 * time.Second
}

// SweepInterval returns the expiry sweep interval with a default of 5m.
func (s *SandboxConfig) SweepInterval() time.Duration {
	if s != nil && s.SweepSeconds > 0 {
		return time.Duration(s.SweepSeconds) * time.Second
	}
	return 5 * time.Minute
}

// StorageConfig configures the persistence backend for audit records.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: FLOWGATE_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// AuditConfig configures usage/audit persistence.
// When nil, usage records go to the structured log only.
type AuditConfig struct {
	Persist bool `json:"persist" yaml:"persist"` // Write usage records to the storage backend.
}

// HTTPConfig configures the HTTP API gateway.
type HTTPConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyTenantMapping map[string]string `json:"api_key_tenant_mapping" yaml:"api_key_tenant_mapping"` // API key → tenant ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-tenant rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "flowgate"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB     bool `json:"include_db" yaml:"include_db"`
	IncludeEngine bool `json:"include_engine" yaml:"include_engine"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled               bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold    float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`         // e.g. 0.5 = 50% errors
	CostSpendThresholdUSD float64 `json:"cost_spend_threshold_usd" yaml:"cost_spend_threshold_usd"` // Per-tenant windowed spend. 0 = disabled.
	WindowSeconds         int     `json:"window_seconds" yaml:"window_seconds"`                     // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.flowgate/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/flowgate.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".flowgate", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Provider API keys and engine credentials can be set in the
// config file or overridden by environment variables. Environment variables
// take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		cfg.Providers.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		cfg.Providers.OpenAI.APIKey = envKey
	}
	if envKey := os.Getenv("GEMINI_API_KEY"); envKey != "" {
		cfg.Providers.Gemini.APIKey = envKey
	}

	// Workflow engine overrides.
	if envURL := os.Getenv("FLOWGATE_ENGINE_URL"); envURL != "" {
		cfg.Sandbox.EngineURL = envURL
	}
	if envKey := os.Getenv("FLOWGATE_ENGINE_API_KEY"); envKey != "" {
		cfg.Sandbox.EngineAPIKey = envKey
	}

	// Data directory override from environment.
	if envDD := os.Getenv("FLOWGATE_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}

	// Postgres DSN override.
	if envDSN := os.Getenv("FLOWGATE_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".flowgate", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "flowgate.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// EnabledProviders returns the provider configs to register, in fallback
// order. When providers.enabled is empty, every provider with credentials
// (or a base URL, for ollama) is included in declaration order.
func (c *Config) EnabledProviders() []string {
	if len(c.Providers.Enabled) > 0 {
		return c.Providers.Enabled
	}
	var names []string
	if c.Providers.OpenAI.APIKey != "" {
		names = append(names, "openai")
	}
	if c.Providers.Anthropic.APIKey != "" {
		names = append(names, "anthropic")
	}
	if c.Providers.Gemini.APIKey != "" {
		names = append(names, "gemini")
	}
	if c.Providers.Ollama.BaseURL != "" {
		names = append(names, "ollama")
	}
	return names
}

func (c *Config) validate() error {
	for _, name := range c.Providers.Enabled {
		switch name {
		case "openai", "anthropic", "gemini", "ollama":
			// valid
		default:
			return fmt.Errorf("providers.enabled: %q is not supported (use openai, anthropic, gemini, or ollama)", name)
		}
	}
	if c.Router.CostPer1KTokens < 0 {
		return fmt.Errorf("router.cost_per_1k_tokens must not be negative")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	if c.Sandbox.Enabled && c.Sandbox.EngineURL == "" {
		return fmt.Errorf("sandbox.engine_url is required when sandbox is enabled (set FLOWGATE_ENGINE_URL env var)")
	}
	if c.Sandbox.TTLMinutes < 0 {
		return fmt.Errorf("sandbox.ttl_minutes must not be negative")
	}
	if c.Sandbox.ExecutionTimeoutMs < 0 {
		return fmt.Errorf("sandbox.execution_timeout_ms must not be negative")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set FLOWGATE_DB_DSN env var)")
		}
	}
	if c.HTTP.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("http.rate_limit.requests_per_minute must not be negative")
	}
	return nil
}
