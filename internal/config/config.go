// Package config loads carbonmint configuration from defaults, an optional
// YAML file and CARBONMINT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CARBONMINT_SERVER_PORT.
const EnvPrefix = "CARBONMINT"

// DefaultEnvFile is loaded when present.
const DefaultEnvFile = ".env"

// Options selects the sources Load reads.
type Options struct {
	// ConfigFile is an optional YAML file. Empty means none.
	ConfigFile string

	// EnvFile is a dotenv file merged into the process environment. When it
	// equals DefaultEnvFile a missing file is ignored.
	EnvFile string
}

// Load resolves the configuration. The tier (CARBONMINT_TIER or the file's
// "tier" key) picks the base defaults; the file and the environment override them.
func Load(opts Options) (*domain.Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			if !(opts.EnvFile == DefaultEnvFile && errors.Is(err, fs.ErrNotExist)) {
				return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
			}
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Tier = domain.Tier(strings.ToLower(string(cfg.Tier)))

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so that environment variables are seen
// by Unmarshal even when the file does not mention them.
func setDefaults(v *viper.Viper, c *domain.Config) {
	defaults := map[string]any{
		"tier": string(c.Tier),

		"server.host":         c.Server.Host,
		"server.port":         c.Server.Port,
		"server.readTimeout":  c.Server.ReadTimeout,
		"server.writeTimeout": c.Server.WriteTimeout,

		"repository.driver":           c.Repository.Driver,
		"repository.sqlitePath":       c.Repository.SQLitePath,
		"repository.postgresHost":     c.Repository.PostgresHost,
		"repository.postgresPort":     c.Repository.PostgresPort,
		"repository.postgresUser":     c.Repository.PostgresUser,
		"repository.postgresPassword": c.Repository.PostgresPassword,
		"repository.postgresDB":       c.Repository.PostgresDB,
		"repository.postgresSSLMode":  c.Repository.PostgresSSLMode,
		"repository.maxOpenConns":     c.Repository.MaxOpenConns,
		"repository.maxIdleConns":     c.Repository.MaxIdleConns,
		"repository.connMaxLifetime":  c.Repository.ConnMaxLifetime,
		"repository.lockTimeout":      c.Repository.LockTimeout,

		"eventBus.type":              c.EventBus.Type,
		"eventBus.channelBufferSize": c.EventBus.ChannelBufferSize,
		"eventBus.natsUrl":           c.EventBus.NATSUrl,
		"eventBus.natsToken":         c.EventBus.NATSToken,
		"eventBus.natsMaxReconnects": c.EventBus.NATSMaxReconnects,
		"eventBus.natsReconnectWait": c.EventBus.NATSReconnectWait,
		"eventBus.natsQueueGroup":    c.EventBus.NATSQueueGroup,

		"serial.backend":       c.Serial.Backend,
		"serial.lockTimeout":   c.Serial.LockTimeout,
		"serial.redisAddr":     c.Serial.RedisAddr,
		"serial.redisPassword": c.Serial.RedisPassword,
		"serial.redisDB":       c.Serial.RedisDB,

		"analysis.cvThreshold":     c.Analysis.CVThreshold,
		"analysis.roundingScale":   c.Analysis.RoundingScale,
		"analysis.requiredColumns": c.Analysis.RequiredColumns,
		"analysis.maxWorkers":      c.Analysis.MaxWorkers,

		"worker.enabled": c.Worker.Enabled,

		"logging.level":  c.Logging.Level,
		"logging.format": c.Logging.Format,

		"tracing.enabled":     c.Tracing.Enabled,
		"tracing.serviceName": c.Tracing.ServiceName,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate rejects configurations the service cannot start with.
func Validate(c *domain.Config) error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Tier == domain.TierCommunity || c.Tier == domain.TierPro, "tier must be community or pro, got %q", c.Tier)
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port out of range: %d", c.Server.Port)
	check(oneOf(c.Repository.Driver, "sqlite", "postgres"), "repository.driver must be sqlite or postgres, got %q", c.Repository.Driver)
	check(oneOf(c.EventBus.Type, "channel", "nats"), "eventBus.type must be channel or nats, got %q", c.EventBus.Type)
	check(oneOf(c.Serial.Backend, "memory", "sql", "redis"), "serial.backend must be memory, sql or redis, got %q", c.Serial.Backend)
	check(c.Serial.LockTimeout >= 0, "serial.lockTimeout must not be negative")
	check(c.Analysis.CVThreshold >= 0, "analysis.cvThreshold must not be negative")
	check(c.Analysis.RoundingScale >= 0, "analysis.roundingScale must not be negative")
	check(len(c.Analysis.RequiredColumns) > 0, "analysis.requiredColumns must not be empty")
	check(oneOf(c.Logging.Level, "debug", "info", "warn", "error"), "logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	check(oneOf(c.Logging.Format, "json", "text"), "logging.format must be json or text, got %q", c.Logging.Format)

	if c.Serial.Backend == "redis" {
		check(c.Serial.RedisAddr != "", "serial.redisAddr is required for the redis backend")
	}
	if c.EventBus.Type == "nats" {
		check(c.EventBus.NATSUrl != "", "eventBus.natsUrl is required for the nats bus")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
