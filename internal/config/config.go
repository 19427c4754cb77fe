package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	RedisChannel   string        `mapstructure:"REDIS_CHANNEL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	QueuePolicy    string        `mapstructure:"QUEUE_POLICY"`
	DecayFactor    float64       `mapstructure:"QUEUE_DECAY_FACTOR"`
	OverdueScan    time.Duration `mapstructure:"OVERDUE_SCAN_INTERVAL"`
	EventWorkers   int           `mapstructure:"EVENT_WORKERS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "REDIS_CHANNEL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"QUEUE_POLICY", "QUEUE_DECAY_FACTOR", "OVERDUE_SCAN_INTERVAL", "EVENT_WORKERS",
}

// Load reads the environment and an optional .env file. It does not
// validate; commands that serve traffic call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_CHANNEL", "triage:queue-events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("QUEUE_POLICY", "decay")
	v.SetDefault("QUEUE_DECAY_FACTOR", 10)
	v.SetDefault("OVERDUE_SCAN_INTERVAL", "30s")
	v.SetDefault("EVENT_WORKERS", 8)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.QueuePolicy = strings.ToLower(strings.TrimSpace(cfg.QueuePolicy))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Level parses LOG_LEVEL, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to serve traffic with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch c.QueuePolicy {
	case "decay", "remaining", "class":
	default:
		return fmt.Errorf("QUEUE_POLICY must be \"decay\", \"remaining\" or \"class\", got %q", c.QueuePolicy)
	}
	if c.DecayFactor <= 0 {
		return fmt.Errorf("QUEUE_DECAY_FACTOR must be positive, got %v", c.DecayFactor)
	}
	if c.OverdueScan < 0 {
		return fmt.Errorf("OVERDUE_SCAN_INTERVAL must not be negative, got %s", c.OverdueScan)
	}
	if c.EventWorkers <= 0 {
		return fmt.Errorf("EVENT_WORKERS must be positive, got %d", c.EventWorkers)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY of at least 32 bytes is required outside development (current ENV=%q). "+
				"Refusing to start without authentication", c.Env)
	}
	return nil
}
