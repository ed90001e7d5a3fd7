package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
)

const (
	JobKindReconcileRun     = "reconcile_run"
	JobKindDispatchAgencies = "dispatch_agencies"
	JobKindStaleRunSweep    = "stale_run_sweep"
)

const (
	ReconcileRunMaxAttempts     = 5
	DispatchAgenciesMaxAttempts = 3
	StaleRunSweepMaxAttempts    = 1
)

// QueueMaintenance runs the periodic jobs so a slow sweep never holds up
// webhook-driven reconciliation.
const QueueMaintenance = "maintenance"

// RetryConfig controls per-kind retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicy implements River's ClientRetryPolicy with per-kind exponential backoff.
type RetryPolicy struct {
	Default RetryConfig
	ByKind  map[string]RetryConfig
}

// NewRetryPolicy returns the default retry policy. A positive
// reconcileAttempts overrides the reconcile_run attempt budget.
func NewRetryPolicy(reconcileAttempts int) *RetryPolicy {
	if reconcileAttempts <= 0 {
		reconcileAttempts = ReconcileRunMaxAttempts
	}
	return &RetryPolicy{
		Default: RetryConfig{
			MaxAttempts: ReconcileRunMaxAttempts,
			BaseDelay:   30 * time.Second,
			MaxDelay:    30 * time.Minute,
		},
		ByKind: map[string]RetryConfig{
			JobKindReconcileRun: {
				MaxAttempts: reconcileAttempts,
				BaseDelay:   1 * time.Minute,
				MaxDelay:    1 * time.Hour,
			},
			JobKindDispatchAgencies: {
				MaxAttempts: DispatchAgenciesMaxAttempts,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    30 * time.Minute,
			},
			JobKindStaleRunSweep: {
				MaxAttempts: StaleRunSweepMaxAttempts,
				BaseDelay:   0,
				MaxDelay:    0,
			},
		},
	}
}

// NextRetry determines the next retry time for a failed job.
func (p *RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	config := p.configFor(job.Kind)
	if config.BaseDelay == 0 {
		return time.Now()
	}

	attempt := job.Attempt
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if job.AttemptedAt != nil {
		return job.AttemptedAt.Add(delay)
	}
	return time.Now().Add(delay)
}

func (p *RetryPolicy) configFor(kind string) RetryConfig {
	if p == nil {
		return RetryConfig{MaxAttempts: ReconcileRunMaxAttempts, BaseDelay: 1 * time.Minute, MaxDelay: 1 * time.Hour}
	}
	if config, ok := p.ByKind[kind]; ok {
		return config
	}
	return p.Default
}

// ClientOptions groups what the River client needs beyond the pool.
type ClientOptions struct {
	Workers              *river.Workers
	Logger               *slog.Logger
	Hooks                []rivertype.Hook
	PeriodicJobs         []*river.PeriodicJob
	Notify               AlertFunc
	ReconcileMaxAttempts int
}

// NewClientConfig builds a River client configuration with retry policy.
func NewClientConfig(opts ClientOptions) *river.Config {
	policy := NewRetryPolicy(opts.ReconcileMaxAttempts)
	config := &river.Config{
		Workers:      opts.Workers,
		RetryPolicy:  policy,
		MaxAttempts:  policy.Default.MaxAttempts,
		PeriodicJobs: opts.PeriodicJobs,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
			QueueMaintenance:   {MaxWorkers: 1},
		},
		Hooks: opts.Hooks,
	}
	if opts.Logger != nil {
		config.Logger = opts.Logger
		config.ErrorHandler = NewAlertingErrorHandler(opts.Logger, opts.Notify)
	}
	return config
}

// NewClient creates a River client using pgx v5.
func NewClient(pool *pgxpool.Pool, opts ClientOptions) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), NewClientConfig(opts))
}

// NewInsertOnlyClient creates a client that can enqueue jobs but does not
// work them (CLI commands).
func NewInsertOnlyClient(pool *pgxpool.Pool) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), &river.Config{})
}

// Migrate applies River's own schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("init river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{}); err != nil {
		return fmt.Errorf("migrate river schema: %w", err)
	}
	return nil
}

// NewPeriodicJobs creates the periodic schedule:
// - daily agency dispatch, when enabled
// - stale run sweep every sweepEvery (hourly when zero)
func NewPeriodicJobs(dailyDispatch bool, sweepEvery time.Duration) []*river.PeriodicJob {
	if sweepEvery <= 0 {
		sweepEvery = time.Hour
	}

	periodic := []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(sweepEvery),
			func() (river.JobArgs, *river.InsertOpts) {
				return StaleRunSweepArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
	}
	if dailyDispatch {
		periodic = append(periodic, river.NewPeriodicJob(
			river.PeriodicInterval(24*time.Hour),
			func() (river.JobArgs, *river.InsertOpts) {
				return DispatchAgenciesArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		))
	}
	return periodic
}
