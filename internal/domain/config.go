package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Bundle     BundleConfig     `json:"bundle"`
	Engine     EngineConfig     `json:"engine"`
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// BundleConfig locates the model bundle loaded at startup.
type BundleConfig struct {
	// Path is the bundle directory containing manifest.json.
	Path string `json:"path"`

	// ForwardCompatible drops unknown input features with a warning
	// instead of rejecting them.
	ForwardCompatible bool `json:"forwardCompatible"`
}

// EngineConfig holds inference orchestration settings.
type EngineConfig struct {
	// MinQuorum is the minimum number of base models that must score
	// successfully for fusion to proceed.
	MinQuorum int `json:"minQuorum"`

	// MaxWorkers bounds concurrent base-model scoring per request.
	MaxWorkers int `json:"maxWorkers"`

	// RequestBudget is the scoring wall-clock budget in milliseconds.
	RequestBudget int `json:"requestBudget"`

	// ExplainBudget is the explanation budget in milliseconds; expiry
	// yields a partial explanation, never a failed request.
	ExplainBudget int `json:"explainBudget"`

	// BatchParallelism bounds concurrent items in a batch request.
	BatchParallelism int `json:"batchParallelism"`

	// TopFeatures is how many global attributions an explanation carries.
	TopFeatures int `json:"topFeatures"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
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
		Bundle: BundleConfig{
			Path: "./bundle",
		},
		Engine: EngineConfig{
			MinQuorum:        10,
			MaxWorkers:       8,
			RequestBudget:    2000,
			ExplainBudget:    1500,
			BatchParallelism: 4,
			TopFeatures:      10,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
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
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
