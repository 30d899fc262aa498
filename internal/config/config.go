// Package config loads the authd process configuration from an optional
// YAML file, an optional .env file and the environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/MrEthical07/authcore"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Google   GoogleConfig   `yaml:"google"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"AUTHD_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"AUTHD_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"AUTHD_WRITE_TIMEOUT" env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"AUTHD_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"AUTHD_SHUTDOWN_TIMEOUT" env-default:"15s"`
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy" env:"AUTHD_TRUST_PROXY" env-default:"false"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// PostgresConfig selects the PostgreSQL account store. An empty DSN keeps
// accounts in Redis.
type PostgresConfig struct {
	DSN         string `yaml:"dsn" env:"POSTGRES_DSN"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"POSTGRES_AUTO_MIGRATE" env-default:"true"`
}

// KafkaConfig enables the reliable notification channel when Brokers is
// non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"authcore.notifications"`
	Source  string   `yaml:"source" env:"KAFKA_SOURCE" env-default:"authd"`
}

// SMTPConfig enables direct mail delivery when Host is set. Without it jobs
// are only logged.
type SMTPConfig struct {
	Host     string `yaml:"host" env:"SMTP_HOST"`
	Port     int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	Username string `yaml:"username" env:"SMTP_USERNAME"`
	Password string `yaml:"password" env:"SMTP_PASSWORD"`
	From     string `yaml:"from" env:"SMTP_FROM" env-default:"no-reply@localhost"`
}

type GoogleConfig struct {
	ClientID string `yaml:"client_id" env:"GOOGLE_CLIENT_ID"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// AuthConfig carries the engine tunables that are commonly changed per
// deployment. Everything else keeps authcore.DefaultConfig.
type AuthConfig struct {
	RedisPrefix      string        `yaml:"redis_prefix" env:"AUTH_REDIS_PREFIX" env-default:"ac:"`
	JWTSecret        string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Issuer           string        `yaml:"issuer" env:"AUTH_ISSUER" env-default:"authcore"`
	Audience         string        `yaml:"audience" env:"AUTH_AUDIENCE"`
	AccessTTL        time.Duration `yaml:"access_ttl" env:"AUTH_ACCESS_TTL" env-default:"15m"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl" env:"AUTH_REFRESH_TTL" env-default:"168h"`
	OTPTTL           time.Duration `yaml:"otp_ttl" env:"AUTH_OTP_TTL" env-default:"10m"`
	OTPCooldown      time.Duration `yaml:"otp_cooldown" env:"AUTH_OTP_COOLDOWN" env-default:"60s"`
	OTPMaxAttempts   int           `yaml:"otp_max_attempts" env:"AUTH_OTP_MAX_ATTEMPTS" env-default:"5"`
	ResetStrategy    string        `yaml:"reset_strategy" env:"AUTH_RESET_STRATEGY" env-default:"link"`
	ResetTTL         time.Duration `yaml:"reset_ttl" env:"AUTH_RESET_TTL" env-default:"1h"`
	ResetLinkBaseURL string        `yaml:"reset_link_base_url" env:"AUTH_RESET_LINK_BASE_URL"`
	MaxLoginAttempts int           `yaml:"max_login_attempts" env:"AUTH_MAX_LOGIN_ATTEMPTS" env-default:"10"`
	LoginWindow      time.Duration `yaml:"login_window" env:"AUTH_LOGIN_WINDOW" env-default:"15m"`
	AuditLog         bool          `yaml:"audit_log" env:"AUTH_AUDIT_LOG" env-default:"true"`
	LatencyMetrics   bool          `yaml:"latency_metrics" env:"AUTH_LATENCY_METRICS" env-default:"true"`
}

// Load reads path (when non-empty), then .env (when present), then the
// environment. Environment values win over the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the process-level settings. Engine settings are checked by
// authcore.Config.Validate when the engine is built.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server addr must be set")
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("redis addr must be set")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("AUTH_JWT_SECRET must be at least 32 bytes")
	}
	if _, err := c.Auth.strategy(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format %q", c.Logging.Format)
	}
	return nil
}

func (a AuthConfig) strategy() (authcore.ResetStrategy, error) {
	switch strings.ToLower(a.ResetStrategy) {
	case "", "link":
		return authcore.ResetLink, nil
	case "otp":
		return authcore.ResetOTP, nil
	default:
		return 0, fmt.Errorf("unsupported reset strategy %q", a.ResetStrategy)
	}
}

// Engine converts the process configuration into an engine configuration on
// top of authcore.DefaultConfig.
func (c *Config) Engine() authcore.Config {
	cfg := authcore.DefaultConfig()
	a := c.Auth

	cfg.RedisPrefix = a.RedisPrefix
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte(a.JWTSecret)
	cfg.JWT.Issuer = a.Issuer
	cfg.JWT.Audience = a.Audience
	cfg.JWT.AccessTTL = a.AccessTTL
	cfg.Refresh.TTL = a.RefreshTTL

	cfg.OTP.TTL = a.OTPTTL
	cfg.OTP.ResendCooldown = a.OTPCooldown
	cfg.OTP.MaxAttempts = a.OTPMaxAttempts

	if s, err := a.strategy(); err == nil {
		cfg.PasswordReset.Strategy = s
	}
	cfg.PasswordReset.TTL = a.ResetTTL
	cfg.PasswordReset.LinkBaseURL = a.ResetLinkBaseURL

	cfg.Security.MaxLoginAttempts = a.MaxLoginAttempts
	cfg.Security.LoginWindow = a.LoginWindow

	cfg.Audit.Enabled = a.AuditLog
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = a.LatencyMetrics
	return cfg
}
