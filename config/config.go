package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string          `mapstructure:"port"`
	Environment    string          `mapstructure:"environment"`
	LogLevel       string          `mapstructure:"log_level"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	JWTSecret      string          `mapstructure:"jwt_secret"`
	RequireAuth    bool            `mapstructure:"require_auth"`
	Redis          RedisConfig     `mapstructure:"redis"`
	Signaling      SignalingConfig `mapstructure:"signaling"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	Call           CallConfig      `mapstructure:"call"`
	Ledger         LedgerConfig    `mapstructure:"ledger"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SignalingConfig tunes the websocket pumps.
type SignalingConfig struct {
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	ReadLimit  int64         `mapstructure:"read_limit"`
}

type RateLimitConfig struct {
	CallRequests int           `mapstructure:"call_requests"`
	Interval     time.Duration `mapstructure:"interval"`
}

type CallConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

type LedgerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads config/config.<CONFIG_ENV>.yaml if present, then overlays
// SIGNALING_* environment variables on top of the defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SIGNALING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("require_auth", false)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("signaling.ping_period", "54s")
	v.SetDefault("signaling.pong_wait", "60s")
	v.SetDefault("signaling.write_wait", "10s")
	v.SetDefault("signaling.send_buffer", 256)
	v.SetDefault("signaling.read_limit", 65536)

	v.SetDefault("rate_limit.call_requests", 10)
	v.SetDefault("rate_limit.interval", "1m")

	v.SetDefault("call.ring_timeout", "45s")
	v.SetDefault("ledger.enabled", true)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// Comma-separated origins from the environment arrive as a single element.
	if len(cfg.AllowedOrigins) == 1 && strings.Contains(cfg.AllowedOrigins[0], ",") {
		cfg.AllowedOrigins = strings.Split(cfg.AllowedOrigins[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the websocket pumps and timers cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.Signaling.PingPeriod <= 0 || c.Signaling.PongWait <= 0 || c.Signaling.WriteWait <= 0 {
		errs = append(errs, errors.New("signaling durations must be positive"))
	}
	if c.Signaling.PongWait <= c.Signaling.PingPeriod {
		errs = append(errs, errors.New("signaling.pong_wait must exceed signaling.ping_period"))
	}
	if c.Signaling.SendBuffer <= 0 {
		errs = append(errs, errors.New("signaling.send_buffer must be positive"))
	}
	if c.RateLimit.CallRequests <= 0 || c.RateLimit.Interval <= 0 {
		errs = append(errs, errors.New("rate_limit values must be positive"))
	}
	if c.Call.RingTimeout <= 0 {
		errs = append(errs, errors.New("call.ring_timeout must be positive"))
	}
	if c.RequireAuth && c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required when require_auth is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
