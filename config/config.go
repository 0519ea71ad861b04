package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Routing       RoutingConfig
	Conversation  ConversationConfig
	Health        HealthConfig
	Admin         AdminConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
	Backends      []BackendConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL configuration for the performance log and
// decision audit. When ConnectionString (from DATABASE_URL) is set, it takes
// precedence over individual fields.
type DatabaseConfig struct {
	Enabled          bool
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds conversation persistence configuration
type RedisConfig struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RoutingConfig holds ranking and fallback policy
type RoutingConfig struct {
	SuccessWeight     float64
	LatencyWeight     float64
	ReliabilityMargin float64
	Decay             float64
	Window            int
	LatencyScale      time.Duration
	PriorSuccessRate  float64
	CooldownThreshold int
	CooldownBase      time.Duration
	CooldownFactor    float64
	CooldownMax       time.Duration
	AttemptTimeout    time.Duration
	RequestDeadline   time.Duration
	MaxTokens         int
	SystemPrompt      string
}

// ConversationConfig holds the context budget and idle eviction policy
type ConversationConfig struct {
	MaxTurns      int
	MaxChars      int
	IdleTTL       time.Duration
	EvictSchedule string
}

// HealthConfig holds the background probe and retention schedules
type HealthConfig struct {
	ProbeEnabled      bool
	ProbeSchedule     string
	ProbeTimeout      time.Duration
	RetentionSchedule string
	Retention         time.Duration
}

// AdminConfig holds the admin API token settings
type AdminConfig struct {
	JWTSecret string
	JWTIssuer string
}

// Enabled reports whether admin routes can be served
func (c *AdminConfig) Enabled() bool {
	return c.JWTSecret != ""
}

// AuditConfig holds the async decision writer settings
type AuditConfig struct {
	BufferSize  int
	WorkerCount int
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// BackendConfig is one bootstrap backend declaration
type BackendConfig struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Model        string   `json:"model"`
	Capabilities []string `json:"capabilities"`
	Priority     int      `json:"priority"`
	APIKey       string   `json:"api_key,omitempty"`
	APIKeyEnv    string   `json:"api_key_env,omitempty"`
	BaseURL      string   `json:"base_url,omitempty"`
	TimeoutMs    int      `json:"timeout_ms,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
}

// ResolvedAPIKey returns the inline key or the value of APIKeyEnv
func (b BackendConfig) ResolvedAPIKey() string {
	if b.APIKey != "" {
		return b.APIKey
	}
	if b.APIKeyEnv != "" {
		return os.Getenv(b.APIKeyEnv)
	}
	return ""
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	backends, err := loadBackends()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 3*time.Minute),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Enabled:   getEnvAsBool("REDIS_ENABLED", false),
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "conversation:"),
			TTL:       getEnvAsDuration("REDIS_CONVERSATION_TTL", 24*time.Hour),
		},
		Routing: RoutingConfig{
			SuccessWeight:     getEnvAsFloat("ROUTING_SUCCESS_WEIGHT", 0.8),
			LatencyWeight:     getEnvAsFloat("ROUTING_LATENCY_WEIGHT", 0.2),
			ReliabilityMargin: getEnvAsFloat("ROUTING_RELIABILITY_MARGIN", 0.01),
			Decay:             getEnvAsFloat("ROUTING_DECAY", 0.9),
			Window:            getEnvAsInt("ROUTING_WINDOW", 50),
			LatencyScale:      getEnvAsDuration("ROUTING_LATENCY_SCALE", time.Second),
			PriorSuccessRate:  getEnvAsFloat("ROUTING_PRIOR_SUCCESS_RATE", 0.5),
			CooldownThreshold: getEnvAsInt("COOLDOWN_THRESHOLD", 3),
			CooldownBase:      getEnvAsDuration("COOLDOWN_BASE", 30*time.Second),
			CooldownFactor:    getEnvAsFloat("COOLDOWN_FACTOR", 2),
			CooldownMax:       getEnvAsDuration("COOLDOWN_MAX", 10*time.Minute),
			AttemptTimeout:    getEnvAsDuration("ATTEMPT_TIMEOUT", 30*time.Second),
			RequestDeadline:   getEnvAsDuration("REQUEST_DEADLINE", 2*time.Minute),
			MaxTokens:         getEnvAsInt("MAX_TOKENS", 1024),
			SystemPrompt:      getEnv("SYSTEM_PROMPT", ""),
		},
		Conversation: ConversationConfig{
			MaxTurns:      getEnvAsInt("CONTEXT_MAX_TURNS", 20),
			MaxChars:      getEnvAsInt("CONTEXT_MAX_CHARS", 16000),
			IdleTTL:       getEnvAsDuration("CONVERSATION_IDLE_TTL", time.Hour),
			EvictSchedule: getEnv("CONVERSATION_EVICT_SCHEDULE", "@every 5m"),
		},
		Health: HealthConfig{
			ProbeEnabled:      getEnvAsBool("HEALTH_PROBE_ENABLED", true),
			ProbeSchedule:     getEnv("HEALTH_PROBE_SCHEDULE", "@every 30s"),
			ProbeTimeout:      getEnvAsDuration("HEALTH_PROBE_TIMEOUT", 5*time.Second),
			RetentionSchedule: getEnv("PERFORMANCE_RETENTION_SCHEDULE", "@daily"),
			Retention:         getEnvAsDuration("PERFORMANCE_RETENTION", 7*24*time.Hour),
		},
		Admin: AdminConfig{
			JWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
			JWTIssuer: getEnv("ADMIN_JWT_ISSUER", "llm-router"),
		},
		Audit: AuditConfig{
			BufferSize:  getEnvAsInt("AUDIT_BUFFER_SIZE", 10000),
			WorkerCount: getEnvAsInt("AUDIT_WORKERS", 5),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
		Backends: backends,
	}
	cfg.Server.TLS.Enabled = getEnvAsBool("TLS_ENABLED", false)
	cfg.Server.TLS.CertFile = getEnv("TLS_CERT_FILE", "certs/cert.pem")
	cfg.Server.TLS.KeyFile = getEnv("TLS_KEY_FILE", "certs/key.pem")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Database.Enabled && c.Database.ConnectionString == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}

	r := c.Routing
	if r.SuccessWeight < 0 || r.LatencyWeight < 0 || r.SuccessWeight+r.LatencyWeight == 0 {
		return fmt.Errorf("routing weights must be non-negative and not both zero")
	}
	if r.LatencyWeight >= r.SuccessWeight {
		return fmt.Errorf("routing latency weight must be below success weight")
	}
	if r.ReliabilityMargin <= 0 || r.ReliabilityMargin >= 0.5 {
		return fmt.Errorf("routing reliability margin must be in (0, 0.5)")
	}
	if r.Decay <= 0 || r.Decay > 1 {
		return fmt.Errorf("routing decay must be in (0, 1]")
	}
	if r.Window <= 0 {
		return fmt.Errorf("routing window must be positive")
	}
	if r.CooldownThreshold <= 0 {
		return fmt.Errorf("cooldown threshold must be positive")
	}
	if r.CooldownFactor < 1 {
		return fmt.Errorf("cooldown factor must be at least 1")
	}
	if r.CooldownMax > 0 && r.CooldownMax < r.CooldownBase {
		return fmt.Errorf("cooldown max must not be below cooldown base")
	}

	if c.Conversation.MaxTurns < 0 || c.Conversation.MaxChars < 0 {
		return fmt.Errorf("conversation budget must not be negative")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend %d: id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("backend %q declared twice", b.ID)
		}
		seen[b.ID] = true
		if b.Kind == "" {
			return fmt.Errorf("backend %q: kind is required", b.ID)
		}
	}

	if c.IsProduction() && !c.Admin.Enabled() {
		return fmt.Errorf("admin JWT secret is required in production")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password)
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		Enabled:         getEnvAsBool("DB_ENABLED", false),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		cfg.ConnectionString = dbURL
		cfg.Enabled = getEnvAsBool("DB_ENABLED", true)
		return cfg
	}
	cfg.Host = getEnv("DB_HOST", "localhost")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.User = getEnv("DB_USER", "router")
	cfg.Password = getEnv("DB_PASSWORD", "")
	cfg.Database = getEnv("DB_NAME", "router")
	cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg
}

// loadBackends reads the bootstrap backend list from BACKENDS (JSON array).
// When unset, one backend is declared per configured provider credential.
func loadBackends() ([]BackendConfig, error) {
	if raw := getEnv("BACKENDS", ""); raw != "" {
		var backends []BackendConfig
		if err := json.Unmarshal([]byte(raw), &backends); err != nil {
			return nil, fmt.Errorf("failed to parse BACKENDS: %w", err)
		}
		return backends, nil
	}

	var backends []BackendConfig
	if key := getEnv("OPENAI_API_KEY", ""); key != "" {
		backends = append(backends, BackendConfig{
			ID:           "openai",
			Kind:         "openai",
			Model:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			Capabilities: []string{"generate", "stream"},
			APIKey:       key,
			BaseURL:      getEnv("OPENAI_BASE_URL", ""),
		})
	}
	if key := getEnv("ANTHROPIC_API_KEY", ""); key != "" {
		backends = append(backends, BackendConfig{
			ID:           "anthropic",
			Kind:         "anthropic",
			Model:        getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
			Capabilities: []string{"generate", "stream"},
			APIKey:       key,
			BaseURL:      getEnv("ANTHROPIC_BASE_URL", ""),
		})
	}
	if getEnvAsBool("OLLAMA_ENABLED", false) {
		backends = append(backends, BackendConfig{
			ID:           "ollama",
			Kind:         "ollama",
			Model:        getEnv("OLLAMA_MODEL", "llama3.2"),
			Capabilities: []string{"generate", "stream"},
			Priority:     getEnvAsInt("OLLAMA_PRIORITY", 10),
			BaseURL:      getEnv("OLLAMA_BASE_URL", ""),
		})
	}
	return backends, nil
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
