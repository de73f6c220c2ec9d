package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the quarry gateway and worker.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Redis       RedisConfig       `json:"redis"`
	JWT         JWTConfig         `json:"jwt"`
	Providers   ProvidersConfig   `json:"providers"`
	Router      RouterConfig      `json:"router"`
	Stream      StreamConfig      `json:"stream"`
	Context     ContextConfig     `json:"context"`
	Persistence PersistenceConfig `json:"persistence"`
	Tracing     TracingConfig     `json:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"`
	// Debug attaches internal identifiers to error details. Never enable
	// in production.
	Debug bool `json:"debug"`
}

// DatabaseConfig holds the Postgres connection settings. The gateway and
// the persistence worker each open their own pool from these.
type DatabaseConfig struct {
	URL      string `json:"url"`
	MaxConns int    `json:"max_conns"`
}

// RedisConfig holds the KV store backing stream sessions and the job queue.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// JWTConfig holds the issuer trust parameters for bearer verification.
type JWTConfig struct {
	Issuer        string `json:"issuer"`
	Audience      string `json:"audience"`
	JWKSURL       string `json:"jwks_url"`
	TokenURL      string `json:"token_url"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	LeewaySeconds int    `json:"leeway_seconds"`
	// BypassPrefixes lists path prefixes the auth middleware skips.
	BypassPrefixes []string `json:"bypass_prefixes"`
}

// ProviderModelConfig declares metadata the local host's listing endpoint
// does not carry for self-hosted models.
type ProviderModelConfig struct {
	Name          string `json:"name"`
	ContextWindow int    `json:"context_window"`
	Streaming     bool   `json:"streaming"`
	Tools         bool   `json:"tools"`
	Reasoning     bool   `json:"reasoning"`
}

// ProviderConfig holds a single provider's endpoint and credentials.
// Models is only meaningful for the local slot; the hosted providers list
// their catalog through the API and Validate rejects it there.
type ProviderConfig struct {
	Enabled bool                  `json:"enabled"`
	BaseURL string                `json:"base_url"`
	APIKey  string                `json:"api_key"`
	Models  []ProviderModelConfig `json:"models"`
}

// ProvidersConfig holds all three provider slots plus shared knobs.
type ProvidersConfig struct {
	Local                 ProviderConfig `json:"local"`
	OpenAI                ProviderConfig `json:"openai"`
	Anthropic             ProviderConfig `json:"anthropic"`
	RequestTimeoutSeconds int            `json:"request_timeout_seconds"`
}

// RouterConfig tunes the model registry.
type RouterConfig struct {
	ModelPrecedence        []string `json:"model_precedence"`
	RefreshIntervalSeconds int      `json:"refresh_interval_seconds"`
}

// StreamConfig tunes the two-phase streaming protocol.
type StreamConfig struct {
	SessionTTLSeconds   int `json:"session_ttl_seconds"`
	WallclockCapSeconds int `json:"wallclock_cap_seconds"`
}

// ContextConfig tunes the context guard.
type ContextConfig struct {
	OutputHeadroomTokens int `json:"output_headroom_tokens"`
}

// PersistenceRetryConfig tunes the worker's retry policy.
type PersistenceRetryConfig struct {
	InitialSeconds int     `json:"initial_seconds"`
	Factor         float64 `json:"factor"`
	MaxAttempts    int     `json:"max_attempts"`
}

// PersistenceConfig names the queue streams and retry policy.
type PersistenceConfig struct {
	Stream     string                 `json:"stream"`
	Sink       string                 `json:"sink"`
	Deadletter string                 `json:"deadletter"`
	Retry      PersistenceRetryConfig `json:"retry"`
}

// TracingConfig toggles the stdout span exporter.
type TracingConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{
			URL:      "",
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		JWT: JWTConfig{
			LeewaySeconds:  10,
			BypassPrefixes: []string{"/health", "/metrics", "/stream/", "/api/auth/"},
		},
		Providers: ProvidersConfig{
			Local: ProviderConfig{
				Enabled: true,
				BaseURL: "http://localhost:8000/v1",
			},
			RequestTimeoutSeconds: 180,
		},
		Router: RouterConfig{
			ModelPrecedence:        []string{"local", "openai", "anthropic"},
			RefreshIntervalSeconds: 60,
		},
		Stream: StreamConfig{
			SessionTTLSeconds:   300,
			WallclockCapSeconds: 600,
		},
		Context: ContextConfig{
			OutputHeadroomTokens: 512,
		},
		Persistence: PersistenceConfig{
			Stream:     "quarry.persistence",
			Sink:       "quarry-workers",
			Deadletter: "quarry.deadletter",
			Retry: PersistenceRetryConfig{
				InitialSeconds: 1,
				Factor:         2.0,
				MaxAttempts:    5,
			},
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envBool loads a boolean environment variable into the target pointer if set and valid
func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load loads configuration from the config file and environment variables.
// Unknown keys in the file are rejected rather than silently ignored; a
// typo in a security-relevant key must not pass startup.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPath()
	if data, err := os.ReadFile(configPath); err == nil {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", configPath, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays QUARRY_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	envString("QUARRY_SERVER_HOST", &cfg.Server.Host)
	envInt("QUARRY_SERVER_PORT", &cfg.Server.Port)
	envStringSlice("QUARRY_CORS_ORIGINS", &cfg.Server.CORSOrigins)
	envBool("QUARRY_SERVER_DEBUG", &cfg.Server.Debug)

	envString("QUARRY_DATABASE_URL", &cfg.Database.URL)
	envInt("QUARRY_DATABASE_MAX_CONNS", &cfg.Database.MaxConns)

	envString("QUARRY_REDIS_ADDR", &cfg.Redis.Addr)
	envString("QUARRY_REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("QUARRY_REDIS_DB", &cfg.Redis.DB)

	envString("QUARRY_JWT_ISSUER", &cfg.JWT.Issuer)
	envString("QUARRY_JWT_AUDIENCE", &cfg.JWT.Audience)
	envString("QUARRY_JWT_JWKS_URL", &cfg.JWT.JWKSURL)
	envString("QUARRY_JWT_TOKEN_URL", &cfg.JWT.TokenURL)
	envString("QUARRY_JWT_CLIENT_ID", &cfg.JWT.ClientID)
	envString("QUARRY_JWT_CLIENT_SECRET", &cfg.JWT.ClientSecret)
	envInt("QUARRY_JWT_LEEWAY_SECONDS", &cfg.JWT.LeewaySeconds)

	envBool("QUARRY_PROVIDERS_LOCAL_ENABLED", &cfg.Providers.Local.Enabled)
	envString("QUARRY_PROVIDERS_LOCAL_BASE_URL", &cfg.Providers.Local.BaseURL)
	envString("QUARRY_PROVIDERS_LOCAL_API_KEY", &cfg.Providers.Local.APIKey)
	envBool("QUARRY_PROVIDERS_OPENAI_ENABLED", &cfg.Providers.OpenAI.Enabled)
	envString("QUARRY_PROVIDERS_OPENAI_BASE_URL", &cfg.Providers.OpenAI.BaseURL)
	envString("QUARRY_PROVIDERS_OPENAI_API_KEY", &cfg.Providers.OpenAI.APIKey)
	envBool("QUARRY_PROVIDERS_ANTHROPIC_ENABLED", &cfg.Providers.Anthropic.Enabled)
	envString("QUARRY_PROVIDERS_ANTHROPIC_API_KEY", &cfg.Providers.Anthropic.APIKey)
	envInt("QUARRY_PROVIDERS_REQUEST_TIMEOUT_SECONDS", &cfg.Providers.RequestTimeoutSeconds)

	envStringSlice("QUARRY_ROUTER_MODEL_PRECEDENCE", &cfg.Router.ModelPrecedence)
	envInt("QUARRY_ROUTER_REFRESH_INTERVAL_SECONDS", &cfg.Router.RefreshIntervalSeconds)

	envInt("QUARRY_STREAM_SESSION_TTL_SECONDS", &cfg.Stream.SessionTTLSeconds)
	envInt("QUARRY_STREAM_WALLCLOCK_CAP_SECONDS", &cfg.Stream.WallclockCapSeconds)

	envInt("QUARRY_CONTEXT_OUTPUT_HEADROOM_TOKENS", &cfg.Context.OutputHeadroomTokens)

	envInt("QUARRY_PERSISTENCE_RETRY_INITIAL_SECONDS", &cfg.Persistence.Retry.InitialSeconds)
	envFloat("QUARRY_PERSISTENCE_RETRY_FACTOR", &cfg.Persistence.Retry.Factor)
	envInt("QUARRY_PERSISTENCE_RETRY_MAX_ATTEMPTS", &cfg.Persistence.Retry.MaxAttempts)

	envBool("QUARRY_TRACING_ENABLED", &cfg.Tracing.Enabled)
}

// EnabledProviders returns the ids of providers switched on in config.
func (c *Config) EnabledProviders() []string {
	var ids []string
	if c.Providers.Local.Enabled {
		ids = append(ids, "local")
	}
	if c.Providers.OpenAI.Enabled {
		ids = append(ids, "openai")
	}
	if c.Providers.Anthropic.Enabled {
		ids = append(ids, "anthropic")
	}
	return ids
}

// isValidURL validates that a URL has proper format
func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks that the configuration has valid values. All problems are
// collected so an operator fixes one restart's worth of mistakes at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	if c.Database.URL == "" {
		errs = append(errs, "database URL is required")
	} else if !isValidURL(c.Database.URL) {
		errs = append(errs, "database URL must be a valid URL")
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, "database max_conns must be positive")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis addr is required")
	}

	if c.JWT.Issuer == "" {
		errs = append(errs, "jwt issuer is required")
	}
	if c.JWT.Audience == "" {
		errs = append(errs, "jwt audience is required")
	}
	if c.JWT.JWKSURL == "" {
		errs = append(errs, "jwt jwks_url is required")
	} else if !isValidURL(c.JWT.JWKSURL) {
		errs = append(errs, "jwt jwks_url must be a valid URL")
	}
	if c.JWT.TokenURL != "" && !isValidURL(c.JWT.TokenURL) {
		errs = append(errs, "jwt token_url must be a valid URL")
	}

	if c.Providers.Local.Enabled {
		if c.Providers.Local.BaseURL == "" {
			errs = append(errs, "local provider base_url is required when enabled")
		} else if !isValidURL(c.Providers.Local.BaseURL) {
			errs = append(errs, "local provider base_url must be a valid URL")
		}
	}
	if c.Providers.OpenAI.Enabled && c.Providers.OpenAI.APIKey == "" {
		errs = append(errs, "openai provider api_key is required when enabled")
	}
	if c.Providers.Anthropic.Enabled && c.Providers.Anthropic.APIKey == "" {
		errs = append(errs, "anthropic provider api_key is required when enabled")
	}
	// Hosted providers discover their catalog from the API; a models list
	// would silently go unused, so reject it instead.
	if len(c.Providers.OpenAI.Models) > 0 {
		errs = append(errs, "openai provider does not take a models list; it discovers models from the API")
	}
	if len(c.Providers.Anthropic.Models) > 0 {
		errs = append(errs, "anthropic provider does not take a models list; it discovers models from the API")
	}
	if len(c.EnabledProviders()) == 0 {
		errs = append(errs, "at least one provider must be enabled")
	}
	if c.Providers.RequestTimeoutSeconds < 1 {
		errs = append(errs, "providers request_timeout_seconds must be positive")
	}

	if c.Router.RefreshIntervalSeconds < 1 {
		errs = append(errs, "router refresh_interval_seconds must be positive")
	}

	if c.Stream.SessionTTLSeconds < 1 {
		errs = append(errs, "stream session_ttl_seconds must be positive")
	}
	if c.Stream.WallclockCapSeconds < 1 {
		errs = append(errs, "stream wallclock_cap_seconds must be positive")
	}

	if c.Context.OutputHeadroomTokens < 0 {
		errs = append(errs, "context output_headroom_tokens cannot be negative")
	}

	if c.Persistence.Stream == "" || c.Persistence.Sink == "" || c.Persistence.Deadletter == "" {
		errs = append(errs, "persistence stream, sink and deadletter names are required")
	}
	if c.Persistence.Retry.InitialSeconds < 1 {
		errs = append(errs, "persistence retry initial_seconds must be positive")
	}
	if c.Persistence.Retry.Factor < 1 {
		errs = append(errs, "persistence retry factor must be at least 1")
	}
	if c.Persistence.Retry.MaxAttempts < 1 {
		errs = append(errs, "persistence retry max_attempts must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// getConfigPath returns the path to the config file
func getConfigPath() string {
	if path := os.Getenv("QUARRY_CONFIG"); path != "" {
		return path
	}
	return "config.json"
}
