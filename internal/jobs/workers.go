package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"

	"github.com/casafeed/server/internal/domain/reconcile"
)

const (
	// DefaultUnknownDispatchGrace is how long a reconcile job keeps snoozing
	// when its dispatch id is not attached to a run yet. A webhook can beat
	// the AttachDispatch write that follows a successful dispatch.
	DefaultUnknownDispatchGrace = 2 * time.Minute

	unknownDispatchSnooze = 30 * time.Second
)

// RunService is the slice of reconcile.Service the workers drive.
type RunService interface {
	HandleCompletionEvent(ctx context.Context, dispatchID string) (reconcile.Outcome, error)
	DispatchAll(ctx context.Context) (reconcile.DispatchSummary, error)
	SweepStale(ctx context.Context) (reconcile.SweepSummary, error)
}

// Inserter is satisfied by *river.Client.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// ReconcileRunArgs asks for the batch of one finished scrape to be applied.
type ReconcileRunArgs struct {
	DispatchID string `json:"dispatch_id"`
}

func (ReconcileRunArgs) Kind() string { return JobKindReconcileRun }

// InsertOpts collapses duplicate webhook deliveries into one job.
func (ReconcileRunArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		UniqueOpts: river.UniqueOpts{
			ByArgs:   true,
			ByPeriod: time.Hour,
		},
	}
}

// DispatchAgenciesArgs starts a run for every enabled agency.
type DispatchAgenciesArgs struct{}

func (DispatchAgenciesArgs) Kind() string { return JobKindDispatchAgencies }

func (DispatchAgenciesArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMaintenance, MaxAttempts: DispatchAgenciesMaxAttempts}
}

// StaleRunSweepArgs re-drives runs whose completion webhook was lost.
type StaleRunSweepArgs struct{}

func (StaleRunSweepArgs) Kind() string { return JobKindStaleRunSweep }

func (StaleRunSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMaintenance, MaxAttempts: StaleRunSweepMaxAttempts}
}

// EnqueueReconcile inserts a reconcile_run job. Duplicate deliveries inside
// the uniqueness window are reported as skipped, not as errors.
func EnqueueReconcile(ctx context.Context, client Inserter, dispatchID string) (skipped bool, err error) {
	if dispatchID == "" {
		return false, fmt.Errorf("dispatch id is required")
	}
	res, err := client.Insert(ctx, ReconcileRunArgs{DispatchID: dispatchID}, nil)
	if err != nil {
		return false, fmt.Errorf("enqueue reconcile for dispatch %q: %w", dispatchID, err)
	}
	return res != nil && res.UniqueSkippedAsDuplicate, nil
}

// ReconcileRunWorker applies a completed scrape batch to the catalog.
// Transient failures are returned for River to retry; everything else is
// final and cancels the job.
type ReconcileRunWorker struct {
	river.WorkerDefaults[ReconcileRunArgs]
	Service RunService
	Logger  zerolog.Logger
	// UnknownDispatchGrace defaults to DefaultUnknownDispatchGrace.
	UnknownDispatchGrace time.Duration
}

func (ReconcileRunWorker) Kind() string { return JobKindReconcileRun }

func (w ReconcileRunWorker) Work(ctx context.Context, job *river.Job[ReconcileRunArgs]) error {
	if job == nil {
		return fmt.Errorf("reconcile job missing")
	}
	if w.Service == nil {
		return river.JobCancel(fmt.Errorf("run service not configured"))
	}

	logger := w.Logger.With().
		Int64("job_id", job.ID).
		Int("attempt", job.Attempt).
		Str("dispatch_id", job.Args.DispatchID).
		Logger()
	ctx = logger.WithContext(ctx)

	outcome, err := w.Service.HandleCompletionEvent(ctx, job.Args.DispatchID)
	if err != nil {
		switch reconcile.KindOf(err) {
		case reconcile.KindPermanent, reconcile.KindValidation, reconcile.KindConflict, reconcile.KindNotFound:
			logger.Warn().Err(err).Str("category", string(reconcile.KindOf(err))).Msg("reconcile job cancelled")
			return river.JobCancel(err)
		}
		return err
	}

	if !outcome.Processed && outcome.Reason == reconcile.ReasonUnknownDispatch {
		grace := w.UnknownDispatchGrace
		if grace == 0 {
			grace = DefaultUnknownDispatchGrace
		}
		if time.Since(job.CreatedAt) < grace {
			logger.Debug().Msg("dispatch id not attached yet, snoozing")
			return river.JobSnooze(unknownDispatchSnooze)
		}
	}

	logger.Info().Str("reason", outcome.Reason).Bool("processed", outcome.Processed).Msg("reconcile job done")
	return nil
}

// DispatchAgenciesWorker runs the daily dispatch. Per-agency failures are
// part of the summary and do not fail the job.
type DispatchAgenciesWorker struct {
	river.WorkerDefaults[DispatchAgenciesArgs]
	Service RunService
	Logger  zerolog.Logger
}

func (DispatchAgenciesWorker) Kind() string { return JobKindDispatchAgencies }

func (w DispatchAgenciesWorker) Work(ctx context.Context, job *river.Job[DispatchAgenciesArgs]) error {
	if w.Service == nil {
		return river.JobCancel(fmt.Errorf("run service not configured"))
	}
	ctx = w.Logger.WithContext(ctx)

	summary, err := w.Service.DispatchAll(ctx)
	if err != nil {
		return err
	}
	for _, failure := range summary.Failed {
		w.Logger.Warn().
			Str("agency_id", failure.AgencyID).
			Str("category", string(failure.Category)).
			Str("error", failure.Error).
			Msg("agency dispatch failed")
	}
	return nil
}

// StaleRunSweepWorker recovers runs stuck in pending or running.
type StaleRunSweepWorker struct {
	river.WorkerDefaults[StaleRunSweepArgs]
	Service RunService
	Logger  zerolog.Logger
}

func (StaleRunSweepWorker) Kind() string { return JobKindStaleRunSweep }

func (w StaleRunSweepWorker) Work(ctx context.Context, job *river.Job[StaleRunSweepArgs]) error {
	if w.Service == nil {
		return river.JobCancel(fmt.Errorf("run service not configured"))
	}
	ctx = w.Logger.WithContext(ctx)

	if _, err := w.Service.SweepStale(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// NewWorkers registers every worker against service.
func NewWorkers(service RunService, logger zerolog.Logger) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker[ReconcileRunArgs](workers, ReconcileRunWorker{Service: service, Logger: logger})
	river.AddWorker[DispatchAgenciesArgs](workers, DispatchAgenciesWorker{Service: service, Logger: logger})
	river.AddWorker[StaleRunSweepArgs](workers, StaleRunSweepWorker{Service: service, Logger: logger})
	return workers
}
