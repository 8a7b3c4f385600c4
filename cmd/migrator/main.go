package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"reportgate/pkg/config"
	"reportgate/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

type migratorConfig struct {
	Postgres   store.PostgresConfig
	Dir        string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	TimeoutSec int    `env:"MIGRATIONS_TIMEOUT_SEC" envDefault:"20"`
	DryRun     bool   `env:"MIGRATIONS_DRY_RUN"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
}

// Testable variables for main()
var (
	exitFn   = os.Exit
	openDBFn = func(ctx context.Context, cfg store.PostgresConfig) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, cfg)
	}
)

var errChecksumMismatch = errors.New("applied migration changed on disk")

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "migrator").Logger()
	var cfg migratorConfig
	if err := config.ParseEnv(&cfg); err != nil {
		log.Error().Err(err).Msg("config")
		exitFn(1)
		return
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pool, err := openDBFn(ctx, cfg.Postgres)
	if err != nil {
		log.Error().Err(err).Msg("db")
		exitFn(1)
		return
	}
	defer pool.Close()

	m := &migrator{db: pool, files: os.DirFS(cfg.Dir), log: log, dryRun: cfg.DryRun}
	if _, err := m.run(ctx); err != nil {
		log.Error().Err(err).Str("dir", cfg.Dir).Msg("migration")
		exitFn(1)
	}
}

type migrator struct {
	db     migrationDB
	files  fs.FS
	log    zerolog.Logger
	dryRun bool
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// run applies every *.sql file in name order that schema_migrations has not
// recorded, each in its own transaction. It returns the applied names, or
// the pending names in dry-run mode.
func (m *migrator) run(ctx context.Context) ([]string, error) {
	if m.db == nil {
		return nil, fmt.Errorf("db required")
	}
	if m.files == nil {
		return nil, fmt.Errorf("migrations dir required")
	}

	if _, err := m.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(m.files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	var done []string
	for _, name := range files {
		body, err := fs.ReadFile(m.files, name)
		if err != nil {
			return done, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := checksum(body)

		var applied string
		err = m.db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&applied)
		switch {
		case err == nil:
			if applied != "" && applied != sum {
				return done, fmt.Errorf("%w: %s", errChecksumMismatch, name)
			}
			m.log.Debug().Str("file", name).Msg("already applied")
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return done, fmt.Errorf("migration lookup: %w", err)
		}

		if m.dryRun {
			m.log.Info().Str("file", name).Msg("pending migration")
			done = append(done, name)
			continue
		}
		if err := m.apply(ctx, name, string(body), sum); err != nil {
			return done, err
		}
		m.log.Info().Str("file", name).Str("checksum", sum[:12]).Msg("applied migration")
		done = append(done, name)
	}

	m.log.Info().Int("files", len(files)).Int("applied", len(done)).Bool("dry_run", m.dryRun).Msg("migrations complete")
	return done, nil
}

func (m *migrator) apply(ctx context.Context, name, sql, sum string) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, sql); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, name, sum); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}
