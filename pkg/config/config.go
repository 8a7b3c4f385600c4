// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"reportgate/pkg/auth"
	"reportgate/pkg/hardening"
	"reportgate/pkg/statebus"
	"reportgate/pkg/store"
	"reportgate/pkg/telemetry"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// Report sources.
const (
	SourcePostgres = "postgres"
	SourceRemote   = "remote"
	SourceNone     = "none"
)

// Reactive store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Environment          string   `env:"ENVIRONMENT"`
	StrictProdSecurity   bool     `env:"STRICT_PROD_SECURITY" envDefault:"true"`
	Addr                 string   `env:"ADDR" envDefault:":8086"`
	LogLevel             string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat            string   `env:"LOG_FORMAT" envDefault:"json"`
	AuthMode             string   `env:"AUTH_MODE" envDefault:"hs256"`
	AuthSecret           string   `env:"OIDC_HS256_SECRET"`
	AuthIssuer           string   `env:"OIDC_ISSUER"`
	AuthAudience         string   `env:"OIDC_AUDIENCE"`
	AllowInsecureAuthOff bool     `env:"ALLOW_INSECURE_AUTH_OFF"`
	CORSAllowedOrigins   string   `env:"CORS_ALLOWED_ORIGINS"`
	WSAllowedOrigins     []string `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
	DefaultLanguage      string   `env:"DEFAULT_LANGUAGE" envDefault:"en-US"`

	HTTP      HTTPConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	Onyx      OnyxConfig
	Source    SourceConfig
	Postgres  store.PostgresConfig
	Redis     store.RedisConfig
	Kafka     statebus.KafkaConfig
	Telemetry telemetry.Config
}

type HTTPConfig struct {
	ReadHeaderTimeoutSec int `env:"HTTP_READ_HEADER_TIMEOUT_SEC" envDefault:"5"`
	ReadTimeoutSec       int `env:"HTTP_READ_TIMEOUT_SEC" envDefault:"15"`
	WriteTimeoutSec      int `env:"HTTP_WRITE_TIMEOUT_SEC" envDefault:"30"`
	IdleTimeoutSec       int `env:"HTTP_IDLE_TIMEOUT_SEC" envDefault:"120"`
	ShutdownTimeoutSec   int `env:"HTTP_SHUTDOWN_TIMEOUT_SEC" envDefault:"10"`
	GateTimeoutMS        int `env:"GATE_TIMEOUT_MS" envDefault:"3000"`
}

func (h HTTPConfig) ReadHeaderTimeout() time.Duration { return seconds(h.ReadHeaderTimeoutSec, 5) }
func (h HTTPConfig) ReadTimeout() time.Duration       { return seconds(h.ReadTimeoutSec, 15) }
func (h HTTPConfig) WriteTimeout() time.Duration      { return seconds(h.WriteTimeoutSec, 30) }
func (h HTTPConfig) IdleTimeout() time.Duration       { return seconds(h.IdleTimeoutSec, 120) }
func (h HTTPConfig) ShutdownTimeout() time.Duration   { return seconds(h.ShutdownTimeoutSec, 10) }

// GateTimeout bounds how long a one-shot gate request waits for a settled
// verdict.
func (h HTTPConfig) GateTimeout() time.Duration {
	if h.GateTimeoutMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(h.GateTimeoutMS) * time.Millisecond
}

// RateLimitConfig bounds gate requests per principal. Counters live in
// Redis when the store backend is redis.
type RateLimitConfig struct {
	Enabled   bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	PerWindow int  `env:"RATE_LIMIT_PER_MINUTE" envDefault:"240"`
	WindowSec int  `env:"RATE_LIMIT_WINDOW_SEC" envDefault:"60"`
}

func (r RateLimitConfig) Window() time.Duration { return seconds(r.WindowSec, 60) }

// AuditConfig controls the trail of hidden-report verdicts. It needs the
// postgres source.
type AuditConfig struct {
	Enabled  bool   `env:"AUDIT_ENABLED"`
	Redact   bool   `env:"AUDIT_REDACT_SUBJECT" envDefault:"true"`
	HashSalt string `env:"AUDIT_HASH_SALT"`
}

type OnyxConfig struct {
	Backend          string `env:"ONYX_BACKEND" envDefault:"memory"`
	KeyPrefix        string `env:"ONYX_REDIS_PREFIX" envDefault:"onyx:"`
	TTLSec           int    `env:"ONYX_TTL_SEC"`
	MaxEvictableKeys int    `env:"ONYX_MAX_EVICTABLE_KEYS" envDefault:"500"`
	Warmup           bool   `env:"ONYX_WARMUP" envDefault:"true"`
}

func (o OnyxConfig) TTL() time.Duration {
	if o.TTLSec <= 0 {
		return 0
	}
	return time.Duration(o.TTLSec) * time.Second
}

type SourceConfig struct {
	Kind         string `env:"REPORT_SOURCE" envDefault:"postgres"`
	URL          string `env:"REPORT_SOURCE_URL"`
	Token        string `env:"REPORT_SOURCE_TOKEN"`
	Retries      int    `env:"REPORT_SOURCE_RETRIES" envDefault:"2"`
	RetryDelayMS int    `env:"REPORT_SOURCE_RETRY_DELAY_MS" envDefault:"200"`
	RetryMaxMS   int    `env:"REPORT_SOURCE_RETRY_MAX_MS" envDefault:"2000"`
	TimeoutMS    int    `env:"UPSTREAM_TIMEOUT_MS" envDefault:"3000"`
}

func (s SourceConfig) RetryDelay() time.Duration {
	return time.Duration(max(s.RetryDelayMS, 0)) * time.Millisecond
}

func (s SourceConfig) RetryMaxDelay() time.Duration {
	return time.Duration(max(s.RetryMaxMS, 0)) * time.Millisecond
}

func (s SourceConfig) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate normalizes enumerations and rejects inconsistent settings.
func (c *Config) Validate() error {
	mode, err := auth.NormalizeMode(c.AuthMode)
	if err != nil {
		return err
	}
	c.AuthMode = mode
	switch mode {
	case auth.ModeOff:
		if err := hardening.ValidateAuthOff(c.Environment, c.AllowInsecureAuthOff); err != nil {
			return err
		}
	case auth.ModeHS256:
		if strings.TrimSpace(c.AuthSecret) == "" {
			return errors.New("OIDC_HS256_SECRET is required when AUTH_MODE=hs256")
		}
	}

	c.Source.Kind = strings.ToLower(strings.TrimSpace(c.Source.Kind))
	switch c.Source.Kind {
	case SourcePostgres, SourceNone:
	case SourceRemote:
		u, err := url.Parse(strings.TrimSpace(c.Source.URL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("REPORT_SOURCE_URL must be an absolute URL, got %q", c.Source.URL)
		}
	default:
		return fmt.Errorf("unsupported REPORT_SOURCE %q", c.Source.Kind)
	}

	c.Onyx.Backend = strings.ToLower(strings.TrimSpace(c.Onyx.Backend))
	if c.Onyx.Backend != BackendMemory && c.Onyx.Backend != BackendRedis {
		return fmt.Errorf("unsupported ONYX_BACKEND %q", c.Onyx.Backend)
	}
	if c.Onyx.MaxEvictableKeys < 0 {
		return errors.New("ONYX_MAX_EVICTABLE_KEYS must not be negative")
	}
	if c.RateLimit.Enabled && c.RateLimit.PerWindow <= 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must be positive when rate limiting is enabled")
	}
	if c.Audit.Enabled && c.Source.Kind != SourcePostgres {
		return errors.New("AUDIT_ENABLED requires REPORT_SOURCE=postgres")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED=true")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel))); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}

	opts := hardening.Options{
		Service:            "reportgate",
		Environment:        c.Environment,
		StrictProdSecurity: c.StrictProdSecurity,
		UsesDatabase:       c.UsesPostgres(),
		DatabaseRequireTLS: c.Postgres.RequireTLS,
		CORSAllowedOrigins: c.CORSAllowedOrigins,
	}
	if c.Onyx.Backend == BackendRedis {
		opts.RedisAddr = c.Redis.Addr
		opts.RedisRequireTLS = c.Redis.RequireTLS
		opts.RedisTLSInsecure = c.Redis.TLSInsecure
		opts.RedisAllowInsecureTLS = c.Redis.AllowInsecureTLS
	}
	if c.AuthMode == auth.ModeHS256 {
		opts.RequiredSecrets = append(opts.RequiredSecrets, hardening.EnvRequirement{Name: "OIDC_HS256_SECRET", Value: c.AuthSecret})
	}
	return hardening.ValidateProduction(opts)
}

// UsesPostgres reports whether any component needs the database.
func (c Config) UsesPostgres() bool {
	return c.Source.Kind == SourcePostgres
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out zerolog.Logger
	if strings.EqualFold(strings.TrimSpace(c.LogFormat), "console") {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		out = zerolog.New(os.Stderr)
	}
	return out.Level(level).With().Timestamp().Str("service", "reportgate").Logger()
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
