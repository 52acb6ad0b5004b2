package domain

import "time"

// Config holds the complete carbonmint configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Tier determines feature availability
	Tier Tier `mapstructure:"tier" json:"tier"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository" json:"repository"`
	EventBus   EventBusConfig   `mapstructure:"eventBus" json:"eventBus"`
	Serial     SerialConfig     `mapstructure:"serial" json:"serial"`
	Analysis   AnalysisConfig   `mapstructure:"analysis" json:"analysis"`

	// Background analysis of submitted reports
	Worker WorkerConfig `mapstructure:"worker" json:"worker"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host" json:"host"`
	Port         int    `mapstructure:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `mapstructure:"writeTimeout" json:"writeTimeout"` // seconds
}

// SerialConfig selects the serial allocator backend.
type SerialConfig struct {
	// Backend is "memory", "sql" or "redis".
	Backend string `mapstructure:"backend" json:"backend"`

	// LockTimeout bounds how long an allocation waits for its key.
	LockTimeout time.Duration `mapstructure:"lockTimeout" json:"lockTimeout"`

	RedisAddr     string `mapstructure:"redisAddr" json:"redisAddr"`
	RedisPassword string `mapstructure:"redisPassword" json:"-"`
	RedisDB       int    `mapstructure:"redisDB" json:"redisDB"`
}

// AnalysisConfig holds the tunables consumed by the rule engine and fraud detector.
type AnalysisConfig struct {
	// CVThreshold is the coefficient of variation below which energy values
	// are considered suspiciously uniform.
	CVThreshold float64 `mapstructure:"cvThreshold" json:"cvThreshold"`

	// RoundingScale is the number of decimal places used for repeat detection.
	RoundingScale int32 `mapstructure:"roundingScale" json:"roundingScale"`

	RequiredColumns []string `mapstructure:"requiredColumns" json:"requiredColumns"`

	// MaxWorkers caps parallel rule evaluation.
	MaxWorkers int `mapstructure:"maxWorkers" json:"maxWorkers"`
}

// DefaultAnalysisConfig returns the standard analysis tunables.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		CVThreshold:     0.02,
		RoundingScale:   2,
		RequiredColumns: []string{ColumnPeriod, ColumnTotalEnergy, ColumnLicensePlate},
		MaxWorkers:      8,
	}
}

// WorkerConfig holds async worker settings.
type WorkerConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"serviceName" json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels with an in-process allocator
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
		Repository: RepositoryConfig{
			Driver:      "sqlite",
			SQLitePath:  "./carbonmint.db",
			LockTimeout: 5 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Serial: SerialConfig{
			Backend:     "sql",
			LockTimeout: 5 * time.Second,
		},
		Analysis: DefaultAnalysisConfig(),
		Worker: WorkerConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "carbonmint",
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
		PostgresDB:   "carbonmint",
		LockTimeout:  5 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Serial = SerialConfig{
		Backend:     "redis",
		LockTimeout: 5 * time.Second,
		RedisAddr:   "localhost:6379",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
