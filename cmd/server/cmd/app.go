package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/casafeed/server/internal/apify"
	"github.com/casafeed/server/internal/config"
	"github.com/casafeed/server/internal/domain/listings"
	"github.com/casafeed/server/internal/domain/reconcile"
	"github.com/casafeed/server/internal/storage/postgres"
)

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}

// app holds the wired domain stack shared by serve and the one-shot commands.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	repo    *postgres.Repository
	apify   *apify.Client
	service *reconcile.Service
}

type appOptions struct {
	// requireScraper fails fast when Apify credentials are missing.
	requireScraper bool
	// awaitBatches makes completion handling poll until the scrape finishes.
	awaitBatches bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	logger := config.NewLogger(cfg.Logging)

	if err := cfg.ValidateScraper(); err != nil {
		if opts.requireScraper {
			return nil, err
		}
		logger.Warn().Err(err).Msg("scraper not configured; starting runs will fail")
	}

	pool, err := postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, err
	}
	repo, err := postgres.NewRepository(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	client := apify.NewClient(cfg.Apify.BaseURL, cfg.Apify.Token, cfg.Apify.ActorID,
		apify.WithTimeout(cfg.Apify.Timeout),
		apify.WithRateLimit(cfg.Apify.RateLimit),
		apify.WithMaxItems(cfg.Apify.MaxItems),
		apify.WithPolling(cfg.Apify.PollInterval, cfg.Apify.PollAttempts),
	)

	var fetcher reconcile.Fetcher = client
	if opts.awaitBatches {
		fetcher = awaitingFetcher{client: client}
	}

	engine := reconcile.NewEngine(repo.Listings(), repo.Ownership(), repo.Audit(), repo.Runs())
	service := reconcile.NewService(engine, repo.Runs(), repo.Agencies(), client, fetcher, reconcile.ServiceConfig{
		DefaultOperation:    cfg.Apify.Operation,
		DefaultMaxItems:     cfg.Apify.MaxItems,
		DispatchConcurrency: cfg.Jobs.DispatchConcurrency,
		StaleAfter:          cfg.Jobs.StaleAfter,
		MaxRunAge:           cfg.Jobs.MaxRunAge,
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		repo:    repo,
		apify:   client,
		service: service,
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
}

// withLogger returns ctx carrying the app logger for zerolog.Ctx.
func (a *app) withLogger(ctx context.Context) context.Context {
	return a.logger.WithContext(ctx)
}

// awaitingFetcher blocks until the scrape finishes instead of reporting it
// as not ready.
type awaitingFetcher struct {
	client *apify.Client
}

func (f awaitingFetcher) GetCompletedBatch(ctx context.Context, dispatchID string) ([]listings.Item, error) {
	return f.client.AwaitBatch(ctx, dispatchID)
}

// newSlogLogger builds the log/slog logger River requires, honouring the
// same level and format settings as zerolog.
func newSlogLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug", "trace":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error", "fatal", "panic":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "console") {
		return slog.New(slog.NewTextHandler(out, opts)).With("component", "river")
	}
	return slog.New(slog.NewJSONHandler(out, opts)).With("component", "river")
}

// printResult writes v as indented JSON under --json, otherwise calls text.
func printResult(out io.Writer, v any, text func(io.Writer)) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}
