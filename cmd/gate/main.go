package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reportgate/pkg/access"
	"reportgate/pkg/actions"
	"reportgate/pkg/audit"
	"reportgate/pkg/auth"
	"reportgate/pkg/config"
	"reportgate/pkg/httpx"
	"reportgate/pkg/metrics"
	"reportgate/pkg/models"
	"reportgate/pkg/onyx"
	"reportgate/pkg/ratelimit"
	"reportgate/pkg/statebus"
	"reportgate/pkg/store"
	"reportgate/pkg/stream"
	"reportgate/pkg/telemetry"

	"github.com/rs/zerolog"
)

// Testable variables for main()
var (
	exitFn          = os.Exit
	loadConfigFn    = config.Load
	initTelemetryFn = telemetry.Init
	openRepoFn      = openPostgresRepository
	openRedisFn     = store.NewRedis
	newConsumerFn   = func(cfg statebus.KafkaConfig) (statebus.Consumer, error) { return statebus.NewKafkaConsumer(cfg) }
	serveFn         = serve
)

var errNoSource = errors.New("no report source configured")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, err := loadConfigFn()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gate: %v\n", err)
		exitFn(1)
		return
	}
	log := cfg.Logger()
	if err := runGate(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("gate stopped")
		exitFn(1)
	}
}

// repository is what the service needs from Postgres.
type repository interface {
	actions.ReportSource
	LoadPolicies(ctx context.Context) (models.Policies, error)
	LoadBetas(ctx context.Context) (models.Betas, error)
}

// openPostgresRepository returns the report repository and the pool backing
// it, which also serves the audit writer.
func openPostgresRepository(ctx context.Context, cfg store.PostgresConfig) (repository, audit.DB, func(), error) {
	pool, err := store.NewPostgresPool(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return store.NewReportRepository(pool), pool, pool.Close, nil
}

func runGate(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	shutdown, err := initTelemetryFn(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	reg := metrics.NewRegistry()

	storeOpts := []onyx.Option{
		onyx.WithLogger(log),
		onyx.WithMaxEvictableKeys(cfg.Onyx.MaxEvictableKeys),
	}
	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewInMemory(cfg.RateLimit.Window())
	}
	if cfg.Onyx.Backend == config.BackendRedis {
		client, err := openRedisFn(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = client.Close() }()
		storeOpts = append(storeOpts, onyx.WithBackend(store.NewCache(ctx, client, cfg.Onyx.KeyPrefix), cfg.Onyx.TTL()))
		if cfg.RateLimit.Enabled {
			rl := ratelimit.NewRedis(client, cfg.RateLimit.Window())
			rl.Log = log
			limiter = rl
		}
	}
	st := onyx.New(storeOpts...)

	source, repo, db, closeSource, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	if closeSource != nil {
		defer closeSource()
	}
	if repo != nil && cfg.Onyx.Warmup {
		if err := warmup(ctx, st, repo); err != nil {
			log.Warn().Err(err).Msg("onyx warmup failed")
		}
	}

	dispatcher := actions.NewDispatcher(ctx, st, timedSource{source: source, metrics: reg},
		actions.WithLogger(log),
		actions.WithOpenHook(func(reportID string, err error) {
			if err != nil {
				return
			}
			log.Debug().Str("report_id", reportID).Msg("report opened")
		}),
	)
	defer dispatcher.Wait()

	if cfg.Kafka.Enabled {
		consumer, err := newConsumerFn(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() { _ = consumer.Close() }()
		go statebus.Run(ctx, consumer, st, log.With().Str("component", "statebus").Logger(), time.Second, func(u statebus.Update, err error) {
			reg.IncBusMessage(u.Op, err)
		})
	}

	authMw, err := auth.Middleware(cfg.AuthMode, cfg.AuthSecret,
		auth.WithIssuer(cfg.AuthIssuer),
		auth.WithAudience(cfg.AuthAudience),
	)
	if err != nil {
		return err
	}

	srv := &Server{
		Store:              st,
		Dispatcher:         dispatcher,
		Hub:                stream.NewHub(),
		Metrics:            reg,
		Log:                log,
		Checker:            access.Default,
		Hydrate:            cfg.Source.Kind != config.SourceNone,
		GateTimeout:        cfg.HTTP.GateTimeout(),
		DefaultLanguage:    cfg.DefaultLanguage,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WSOriginPatterns:   cfg.WSAllowedOrigins,
		AuthMiddleware:     authMw,
		RateLimiter:        limiter,
		RateLimitPerWindow: cfg.RateLimit.PerWindow,
	}
	if cfg.Audit.Enabled && db != nil {
		srv.Audit = &audit.Writer{DB: db, HashSalt: []byte(cfg.Audit.HashSalt), Redact: cfg.Audit.Redact}
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout(),
		ReadTimeout:       cfg.HTTP.ReadTimeout(),
		WriteTimeout:      cfg.HTTP.WriteTimeout(),
		IdleTimeout:       cfg.HTTP.IdleTimeout(),
	}
	log.Info().Str("addr", cfg.Addr).Str("source", cfg.Source.Kind).Str("backend", cfg.Onyx.Backend).Msg("reportgate listening")
	return serveFn(ctx, server, cfg.HTTP.ShutdownTimeout())
}

func openSource(ctx context.Context, cfg config.Config) (actions.ReportSource, repository, audit.DB, func(), error) {
	switch cfg.Source.Kind {
	case config.SourcePostgres:
		repo, db, closeRepo, err := openRepoFn(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return repo, repo, db, closeRepo, nil
	case config.SourceRemote:
		client := telemetry.InstrumentClient(&http.Client{Timeout: cfg.Source.Timeout()})
		return &actions.RemoteSource{
			BaseURL: cfg.Source.URL,
			Client:  client,
			Token:   cfg.Source.Token,
			Retry: httpx.Retry{
				Attempts: cfg.Source.Retries,
				Delay:    cfg.Source.RetryDelay(),
				MaxDelay: cfg.Source.RetryMaxDelay(),
			},
		}, nil, nil, nil, nil
	default:
		return noSource{}, nil, nil, nil, nil
	}
}

type noSource struct{}

func (noSource) LoadReport(ctx context.Context, reportID string) (models.ReportBundle, error) {
	return models.ReportBundle{}, errNoSource
}

// timedSource records load latency and outcome.
type timedSource struct {
	source  actions.ReportSource
	metrics *metrics.Registry
}

func (t timedSource) LoadReport(ctx context.Context, reportID string) (models.ReportBundle, error) {
	start := time.Now()
	b, err := t.source.LoadReport(ctx, reportID)
	if err != nil && errors.Is(err, store.ErrNotFound) {
		t.metrics.ObserveFetch(time.Since(start), nil)
	} else {
		t.metrics.ObserveFetch(time.Since(start), err)
	}
	return b, err
}

// warmup seeds the access inputs every gate depends on.
func warmup(ctx context.Context, st *onyx.Store, repo repository) error {
	policies, err := repo.LoadPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	members := make(map[string]json.RawMessage, len(policies))
	for id, p := range policies {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode policy %s: %w", id, err)
		}
		members[id] = raw
	}
	if err := st.MergeCollection(ctx, models.CollectionPolicy, members); err != nil {
		return err
	}
	betas, err := repo.LoadBetas(ctx)
	if err != nil {
		return fmt.Errorf("load betas: %w", err)
	}
	raw, err := json.Marshal(betas)
	if err != nil {
		return fmt.Errorf("encode betas: %w", err)
	}
	return st.Set(ctx, models.KeyBetas, raw)
}

// serve runs server until ctx is done, then drains it.
func serve(ctx context.Context, server *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
