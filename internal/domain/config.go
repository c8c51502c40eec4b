package domain

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete service configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier" yaml:"tier"`

	// Rulebook and reference data
	Rules RulesConfig `json:"rules" yaml:"rules"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`
	Archive    ArchiveConfig    `json:"archive" yaml:"archive"`
	RateLimit  RateLimitConfig  `json:"rateLimit" yaml:"rateLimit"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// RulesConfig points at the rulebook and procedure catalog.
// Empty paths select the embedded defaults.
type RulesConfig struct {
	RulebookPath   string        `json:"rulebookPath" yaml:"rulebookPath"`
	ProceduresPath string        `json:"proceduresPath" yaml:"proceduresPath"`
	MaxWorkers     int           `json:"maxWorkers" yaml:"maxWorkers"`
	ResultTTL      time.Duration `json:"resultTtl" yaml:"resultTtl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"serviceName" yaml:"serviceName"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sampleRate" yaml:"sampleRate"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// RateLimitConfig bounds assessment requests per tenant.
type RateLimitConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Requests int           `json:"requests" yaml:"requests"`
	Window   time.Duration `json:"window" yaml:"window"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Rules: RulesConfig{
			MaxWorkers: 8,
			ResultTTL:  10 * time.Minute,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./clearance.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Archive: ArchiveConfig{
			Type: "none",
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 60,
			Window:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "clearance",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "clearance",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.Insecure = true
	return cfg
}

// LoadConfig builds the configuration from the tier default, an optional
// YAML file named by CLEARANCE_CONFIG, and environment overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if Tier(os.Getenv("CLEARANCE_TIER")) == TierPro {
		cfg = ProConfig()
	}

	if path := os.Getenv("CLEARANCE_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// Fields absent from the file keep their defaults.
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("CLEARANCE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CLEARANCE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("CLEARANCE_RULES"); v != "" {
		c.Rules.RulebookPath = v
	}
	if v := os.Getenv("CLEARANCE_PROCEDURES"); v != "" {
		c.Rules.ProceduresPath = v
	}
	if v := os.Getenv("CLEARANCE_SQLITE_PATH"); v != "" {
		c.Repository.SQLitePath = v
	}
	if v := os.Getenv("CLEARANCE_POSTGRES_HOST"); v != "" {
		c.Repository.PostgresHost = v
	}
	if v := os.Getenv("CLEARANCE_POSTGRES_USER"); v != "" {
		c.Repository.PostgresUser = v
	}
	if v := os.Getenv("CLEARANCE_POSTGRES_PASSWORD"); v != "" {
		c.Repository.PostgresPassword = v
	}
	if v := os.Getenv("CLEARANCE_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("CLEARANCE_NATS_URL"); v != "" {
		c.EventBus.NATSUrl = v
	}
	if v := os.Getenv("CLEARANCE_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = v
	}
	if v := os.Getenv("CLEARANCE_ARCHIVE"); v != "" {
		c.Archive.Type = v
	}
	if v := os.Getenv("CLEARANCE_ARCHIVE_DIR"); v != "" {
		c.Archive.Dir = v
	}
	if v := os.Getenv("CLEARANCE_ARCHIVE_BUCKET"); v != "" {
		c.Archive.Bucket = v
	}
	if v := os.Getenv("CLEARANCE_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CLEARANCE_RATE_LIMIT: %w", err)
		}
		c.RateLimit.Requests = n
		c.RateLimit.Enabled = n > 0
	}
	return nil
}
