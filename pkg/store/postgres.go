package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// PostgresConfig is read from the environment. URL wins over the
// individual fields when set.
type PostgresConfig struct {
	URL        string `env:"DATABASE_URL"`
	User       string `env:"DATABASE_USER" envDefault:"reportgate"`
	Password   string `env:"POSTGRES_PASSWORD"`
	Host       string `env:"DATABASE_HOST" envDefault:"localhost"`
	Port       int    `env:"DATABASE_PORT" envDefault:"5432"`
	Name       string `env:"DATABASE_NAME" envDefault:"reportgate"`
	SSLMode    string `env:"DATABASE_SSLMODE" envDefault:"disable"`
	RequireTLS bool   `env:"DATABASE_REQUIRE_TLS"`
	MaxConns   int32  `env:"DATABASE_MAX_CONNS" envDefault:"10"`
}

func NewPostgresPool(ctx context.Context, c PostgresConfig) (*pgxpool.Pool, error) {
	dsn := c.DSN()
	if c.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = c.MaxConns
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = time.Minute * 5
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "reportgate"
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

// DSN returns URL, or a postgres:// URL assembled from the fields.
func (c PostgresConfig) DSN() string {
	if dsn := strings.TrimSpace(c.URL); dsn != "" {
		return dsn
	}
	user := strings.TrimSpace(c.User)
	if user == "" {
		user = "reportgate"
	}
	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port <= 0 {
		port = 5432
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = "reportgate"
	}
	sslmode := strings.TrimSpace(c.SSLMode)
	if sslmode == "" {
		sslmode = "disable"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + name,
	}
	if c.Password != "" {
		uri.User = url.UserPassword(user, c.Password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}
