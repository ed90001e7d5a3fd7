package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/casafeed/server/internal/api"
	"github.com/casafeed/server/internal/api/handlers"
	"github.com/casafeed/server/internal/api/middleware"
	"github.com/casafeed/server/internal/email"
	"github.com/casafeed/server/internal/jobs"
	"github.com/casafeed/server/internal/metrics"
	"github.com/casafeed/server/internal/telemetry"
)

type serveOptions struct {
	host      string
	port      int
	noWorkers bool
}

func newServeCommand() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and job workers",
		Long: `Start the HTTP API, the Apify webhook receiver and the River job workers.

Completion webhooks are queued as reconcile_run jobs. With --no-workers the
server reconciles webhook deliveries inline and schedules nothing.

Examples:
  # Start with configuration from the environment
  server serve

  # Start on a specific port with console logs
  server serve --port 9090 --log-format console`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "server host address (default: 0.0.0.0)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "server port (default: 3000)")
	cmd.Flags().BoolVar(&opts.noWorkers, "no-workers", false, "do not start River workers; handle webhooks inline")
	return cmd
}

func runServer(ctx context.Context, opts serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	a, err := newApp(startCtx, appOptions{})
	cancel()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	logger := a.logger
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	logger.Info().Str("version", Version).Str("env", cfg.Environment).Msg("starting casafeed server")

	metrics.Init(Version, GitCommit, BuildDate)

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := shutdownTracing(stopCtx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	dbCollector := metrics.NewDBCollector(a.pool)
	collectorCtx, collectorCancel := context.WithCancel(context.Background())
	go dbCollector.Start(collectorCtx, 15*time.Second)
	defer collectorCancel()
	defer dbCollector.Stop()

	var riverClient *river.Client[pgx.Tx]
	var queue jobs.Inserter
	if !opts.noWorkers {
		riverClient, err = newRiverClient(a, logger)
		if err != nil {
			return err
		}
		if err := riverClient.Start(ctx); err != nil {
			return fmt.Errorf("river workers failed to start: %w", err)
		}
		logger.Info().Bool("daily_dispatch", cfg.Jobs.DailyDispatch).Msg("river workers started")
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := riverClient.Stop(stopCtx); err != nil {
				logger.Error().Err(err).Msg("river workers shutdown error")
			} else {
				logger.Info().Msg("river workers stopped")
			}
		}()
		queue = riverClient
	} else {
		logger.Warn().Msg("river workers disabled; webhooks are reconciled inline")
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	defer limiter.Stop()

	handler := api.NewRouter(api.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Service:     a.service,
		Queue:       queue,
		Health:      handlers.NewHealthChecker(a.pool, riverClient, Version, GitCommit),
		RateLimiter: limiter,
		Version:     Version,
		GitCommit:   GitCommit,
		BuildDate:   BuildDate,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // inline reconciliation of a full batch
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	return gracefulShutdown(ctx, server, serveErr, logger)
}

func newRiverClient(a *app, logger zerolog.Logger) (*river.Client[pgx.Tx], error) {
	slogger := newSlogLogger(a.cfg.Logging, os.Stdout)

	notifier, err := email.NewNotifier(a.cfg.Alerts, logger)
	if err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}

	client, err := jobs.NewClient(a.pool, jobs.ClientOptions{
		Workers:              jobs.NewWorkers(a.service, logger),
		Logger:               slogger,
		Hooks:                []rivertype.Hook{metrics.NewRiverMetricsHook()},
		PeriodicJobs:         jobs.NewPeriodicJobs(a.cfg.Jobs.DailyDispatch, sweepInterval(a.cfg.Jobs.StaleAfter)),
		Notify:               jobs.EmailAlerts(notifier, slogger),
		ReconcileMaxAttempts: a.cfg.Jobs.ReconcileMaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}

// sweepInterval checks for stale runs four times per staleness window,
// bounded to [5m, 1h].
func sweepInterval(staleAfter time.Duration) time.Duration {
	interval := staleAfter / 4
	if interval < 5*time.Minute {
		return 5 * time.Minute
	}
	if interval > time.Hour {
		return time.Hour
	}
	return interval
}

func gracefulShutdown(ctx context.Context, server *http.Server, serveErr <-chan error, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err, ok := <-serveErr:
		if ok && err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}
