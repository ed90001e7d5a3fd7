package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/casafeed/server/internal/domain/agencies"
	"github.com/casafeed/server/internal/domain/ids"
	"github.com/casafeed/server/internal/domain/listings"
	"github.com/casafeed/server/internal/domain/runs"
	"github.com/casafeed/server/internal/metrics"
)

// DispatchParams is the scrape request for one agency.
type DispatchParams struct {
	RunID     string
	AgencyID  string
	Points    json.RawMessage
	Operation string
	MaxItems  int
}

// Dispatcher starts a scrape and returns its dispatch id.
type Dispatcher interface {
	Dispatch(ctx context.Context, params DispatchParams) (string, error)
}

// Fetcher returns the items of a finished scrape. Implementations report
// ErrBatchNotReady, ErrBatchNotFound or ErrBatchAborted (possibly wrapped).
type Fetcher interface {
	GetCompletedBatch(ctx context.Context, dispatchID string) ([]listings.Item, error)
}

// Event outcome reasons.
const (
	ReasonReconciled      = "reconciled"
	ReasonMarkedFailed    = "marked_failed"
	ReasonUnknownDispatch = "unknown_dispatch"
	ReasonAlreadyTerminal = "already_terminal"
)

// StartResult identifies a dispatched run.
type StartResult struct {
	RunID      string `json:"run_id"`
	AgencyID   string `json:"agency_id"`
	DispatchID string `json:"dispatch_id"`
}

// Outcome is the result of handling a completion or failure event.
// Processed is false for no-op deliveries.
type Outcome struct {
	Processed bool
	Reason    string
	Run       *runs.Run
}

// AgencyFailure records one agency the daily dispatch could not start.
type AgencyFailure struct {
	AgencyID string `json:"agency_id"`
	Category Kind   `json:"category"`
	Error    string `json:"error"`
}

// DispatchSummary is the result of DispatchAll.
type DispatchSummary struct {
	Started []StartResult   `json:"started"`
	Failed  []AgencyFailure `json:"failed"`
}

// SweepSummary is the result of SweepStale.
type SweepSummary struct {
	Checked    int `json:"checked"`
	Reconciled int `json:"reconciled"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
}

// ServiceConfig tunes the service.
type ServiceConfig struct {
	DefaultOperation    string
	DefaultMaxItems     int
	DispatchConcurrency int
	StaleAfter          time.Duration
	MaxRunAge           time.Duration
	SweepLimit          int
}

// Service is the boundary used by the HTTP API, the job workers and the CLI.
type Service struct {
	engine     *Engine
	tracker    runs.Tracker
	agencies   agencies.Repository
	dispatcher Dispatcher
	fetcher    Fetcher
	cfg        ServiceConfig

	newID func() (string, error)
	now   func() time.Time
}

func NewService(engine *Engine, tracker runs.Tracker, agencyRepo agencies.Repository, dispatcher Dispatcher, fetcher Fetcher, cfg ServiceConfig) *Service {
	if cfg.DispatchConcurrency <= 0 {
		cfg.DispatchConcurrency = 4
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 100
	}
	return &Service{
		engine:     engine,
		tracker:    tracker,
		agencies:   agencyRepo,
		dispatcher: dispatcher,
		fetcher:    fetcher,
		cfg:        cfg,
		newID:      ids.NewULID,
		now:        time.Now,
	}
}

// StartRun creates a pending run, dispatches the scrape and binds the
// returned dispatch id. The run row exists before the scraper can possibly
// report completion.
func (s *Service) StartRun(ctx context.Context, agencyID string) (StartResult, error) {
	const op = "start run"

	agencyID = strings.TrimSpace(agencyID)
	if agencyID == "" {
		return StartResult{}, newError(KindValidation, op, errors.New("agency id is required"))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.Service.StartRun")
	defer span.End()
	span.SetAttributes(attribute.String("agency.id", agencyID))

	agency, err := s.agencies.Get(ctx, agencyID)
	if err != nil {
		if errors.Is(err, agencies.ErrNotFound) {
			return StartResult{}, newError(KindNotFound, op, fmt.Errorf("agency %q: %w", agencyID, err))
		}
		return StartResult{}, newError(KindTransient, op, fmt.Errorf("get agency: %w", err))
	}
	if len(agency.Points) == 0 {
		return StartResult{}, newError(KindValidation, op, fmt.Errorf("agency %q has no points configured", agencyID))
	}

	runID, err := s.newID()
	if err != nil {
		return StartResult{}, newError(KindTransient, op, fmt.Errorf("generate run id: %w", err))
	}
	run, err := s.tracker.Create(ctx, runs.CreateParams{ID: runID, AgencyID: agency.ID})
	if err != nil {
		return StartResult{}, newError(KindTransient, op, fmt.Errorf("create run: %w", err))
	}

	logger := zerolog.Ctx(ctx).With().Str("run_id", run.ID).Str("agency_id", agency.ID).Logger()

	dispatchID, err := s.dispatcher.Dispatch(ctx, s.dispatchParams(run.ID, agency))
	if err == nil && strings.TrimSpace(dispatchID) == "" {
		err = errors.New("scraper returned an empty run id")
	}
	if err != nil {
		reason := "dispatch failed: " + err.Error()
		if _, markErr := s.tracker.MarkFailed(context.WithoutCancel(ctx), run.ID, reason); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to mark undispatched run as failed")
		} else {
			metrics.RunsFinalized.WithLabelValues(string(runs.StateFailed)).Inc()
		}
		logger.Warn().Err(err).Msg("scrape dispatch failed")
		return StartResult{}, newError(KindDispatch, op, err)
	}

	// The scraper already accepted the job; losing the binding would drop its batch.
	if _, err := s.tracker.AttachDispatch(context.WithoutCancel(ctx), run.ID, dispatchID); err != nil {
		logger.Error().Err(err).Str("dispatch_id", dispatchID).Msg("dispatched scrape could not be bound to its run")
		if errors.Is(err, runs.ErrDuplicateDispatch) {
			return StartResult{}, newError(KindConflict, op, fmt.Errorf("dispatch %s: %w", dispatchID, err))
		}
		return StartResult{}, newError(KindTransient, op, fmt.Errorf("attach dispatch %s: %w", dispatchID, err))
	}

	metrics.RunsStarted.Inc()
	logger.Info().Str("dispatch_id", dispatchID).Msg("scrape dispatched")

	return StartResult{RunID: run.ID, AgencyID: agency.ID, DispatchID: dispatchID}, nil
}

func (s *Service) dispatchParams(runID string, agency *agencies.Agency) DispatchParams {
	params := DispatchParams{
		RunID:     runID,
		AgencyID:  agency.ID,
		Points:    agency.Points,
		Operation: agency.Operation,
		MaxItems:  agency.MaxItems,
	}
	if params.Operation == "" {
		params.Operation = s.cfg.DefaultOperation
	}
	if params.MaxItems <= 0 {
		params.MaxItems = s.cfg.DefaultMaxItems
	}
	return params
}

// HandleCompletionEvent reconciles the batch of a finished scrape. Unknown
// dispatch ids and runs that already finished are acknowledged as no-ops.
// A batch that can never be read marks the run failed and returns a
// permanent error.
func (s *Service) HandleCompletionEvent(ctx context.Context, dispatchID string) (Outcome, error) {
	const op = "handle completion"

	dispatchID = strings.TrimSpace(dispatchID)
	if dispatchID == "" {
		return Outcome{}, newError(KindValidation, op, errors.New("dispatch id is required"))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.Service.HandleCompletionEvent")
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.id", dispatchID))

	logger := zerolog.Ctx(ctx).With().Str("dispatch_id", dispatchID).Logger()

	run, outcome, err := s.lookup(ctx, op, dispatchID)
	if err != nil || run == nil {
		return outcome, err
	}
	logger = logger.With().Str("run_id", run.ID).Str("agency_id", run.AgencyID).Logger()
	ctx = logger.WithContext(ctx)

	items, err := s.fetcher.GetCompletedBatch(ctx, dispatchID)
	if err != nil {
		classified := classifyFetch(op, err)
		if classified.Kind == KindPermanent {
			return s.fail(ctx, run, "fetch batch: "+err.Error(), classified)
		}
		logger.Warn().Err(err).Msg("batch not available yet")
		return Outcome{}, classified
	}

	result, err := s.engine.Reconcile(ctx, run, items)
	if err != nil {
		if KindOf(err) == KindPermanent {
			return s.fail(ctx, run, err.Error(), err)
		}
		return Outcome{}, err
	}

	return Outcome{Processed: true, Reason: ReasonReconciled, Run: result.Run}, nil
}

// HandleFailureEvent marks the run behind dispatchID as failed. Unknown ids
// and terminal runs are no-ops.
func (s *Service) HandleFailureEvent(ctx context.Context, dispatchID, reason string) (Outcome, error) {
	const op = "handle failure"

	dispatchID = strings.TrimSpace(dispatchID)
	if dispatchID == "" {
		return Outcome{}, newError(KindValidation, op, errors.New("dispatch id is required"))
	}
	if reason == "" {
		reason = "scrape failed"
	}

	run, outcome, err := s.lookup(ctx, op, dispatchID)
	if err != nil || run == nil {
		return outcome, err
	}

	failed, err := s.tracker.MarkFailed(ctx, run.ID, reason)
	if err != nil {
		if errors.Is(err, runs.ErrAlreadyTerminal) {
			return Outcome{Reason: ReasonAlreadyTerminal, Run: failed}, nil
		}
		return Outcome{}, newError(KindTransient, op, fmt.Errorf("mark run %s failed: %w", run.ID, err))
	}
	metrics.RunsFinalized.WithLabelValues(string(runs.StateFailed)).Inc()
	zerolog.Ctx(ctx).Warn().
		Str("run_id", run.ID).
		Str("dispatch_id", dispatchID).
		Str("reason", reason).
		Msg("run marked failed")

	return Outcome{Processed: true, Reason: ReasonMarkedFailed, Run: failed}, nil
}

// lookup resolves dispatchID to a non-terminal run. A nil run with a nil
// error means the event is a no-op described by the returned Outcome.
func (s *Service) lookup(ctx context.Context, op, dispatchID string) (*runs.Run, Outcome, error) {
	run, err := s.tracker.FindByDispatchID(ctx, dispatchID)
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			zerolog.Ctx(ctx).Info().Str("dispatch_id", dispatchID).Msg("event for unknown dispatch id ignored")
			return nil, Outcome{Reason: ReasonUnknownDispatch}, nil
		}
		return nil, Outcome{}, newError(KindTransient, op, fmt.Errorf("find run: %w", err))
	}
	if run.State.IsTerminal() {
		zerolog.Ctx(ctx).Info().
			Str("dispatch_id", dispatchID).
			Str("run_id", run.ID).
			Str("state", string(run.State)).
			Msg("event for finished run ignored")
		return nil, Outcome{Reason: ReasonAlreadyTerminal, Run: run}, nil
	}
	return run, Outcome{}, nil
}

// fail marks run failed and returns cause as a permanent error. A run that
// another pass already finished is reported as that pass left it.
func (s *Service) fail(ctx context.Context, run *runs.Run, reason string, cause error) (Outcome, error) {
	failed, err := s.tracker.MarkFailed(context.WithoutCancel(ctx), run.ID, reason)
	switch {
	case errors.Is(err, runs.ErrAlreadyTerminal):
		return Outcome{Reason: ReasonAlreadyTerminal, Run: failed}, nil
	case err != nil:
		return Outcome{}, newError(KindTransient, "mark failed", fmt.Errorf("run %s: %w", run.ID, err))
	}
	metrics.RunsFinalized.WithLabelValues(string(runs.StateFailed)).Inc()
	zerolog.Ctx(ctx).Error().Err(cause).Str("run_id", run.ID).Msg("run failed permanently")

	var classified *Error
	if !errors.As(cause, &classified) {
		cause = newError(KindPermanent, "reconcile", cause)
	}
	return Outcome{Processed: true, Reason: ReasonMarkedFailed, Run: failed}, cause
}

// DispatchAll starts a run for every enabled agency with bounded
// concurrency. One agency failing does not stop the others.
func (s *Service) DispatchAll(ctx context.Context) (DispatchSummary, error) {
	list, err := s.agencies.List(ctx, true)
	if err != nil {
		return DispatchSummary{}, newError(KindTransient, "dispatch all", fmt.Errorf("list agencies: %w", err))
	}

	var (
		mu      sync.Mutex
		summary = DispatchSummary{Started: []StartResult{}, Failed: []AgencyFailure{}}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.DispatchConcurrency)
	for _, agency := range list {
		g.Go(func() error {
			started, err := s.StartRun(gctx, agency.ID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed = append(summary.Failed, AgencyFailure{
					AgencyID: agency.ID,
					Category: KindOf(err),
					Error:    err.Error(),
				})
				return nil
			}
			summary.Started = append(summary.Started, started)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(summary.Started, func(i, j int) bool { return summary.Started[i].AgencyID < summary.Started[j].AgencyID })
	sort.Slice(summary.Failed, func(i, j int) bool { return summary.Failed[i].AgencyID < summary.Failed[j].AgencyID })

	zerolog.Ctx(ctx).Info().
		Int("agencies", len(list)).
		Int("started", len(summary.Started)).
		Int("failed", len(summary.Failed)).
		Msg("daily dispatch complete")

	return summary, nil
}

// SweepStale re-drives runs whose completion event never arrived. Runs
// older than MaxRunAge, and pending runs that never got a dispatch id, are
// marked failed.
func (s *Service) SweepStale(ctx context.Context) (SweepSummary, error) {
	now := s.now()
	stale, err := s.tracker.ListStale(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.SweepLimit)
	if err != nil {
		return SweepSummary{}, newError(KindTransient, "sweep stale", fmt.Errorf("list stale runs: %w", err))
	}

	logger := zerolog.Ctx(ctx)
	summary := SweepSummary{Checked: len(stale)}

	for i := range stale {
		run := &stale[i]

		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		var reason string
		switch {
		case s.cfg.MaxRunAge > 0 && now.Sub(run.CreatedAt) > s.cfg.MaxRunAge:
			reason = fmt.Sprintf("no completion after %s", s.cfg.MaxRunAge)
		case run.DispatchID == nil:
			reason = "dispatch id never attached"
		}
		if reason != "" {
			if _, err := s.tracker.MarkFailed(ctx, run.ID, reason); err != nil && !errors.Is(err, runs.ErrAlreadyTerminal) {
				logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to expire stale run")
				continue
			} else if err == nil {
				metrics.RunsFinalized.WithLabelValues(string(runs.StateFailed)).Inc()
			}
			summary.Failed++
			continue
		}

		outcome, err := s.HandleCompletionEvent(ctx, *run.DispatchID)
		switch {
		case err == nil && outcome.Processed:
			summary.Reconciled++
		case KindOf(err) == KindPermanent:
			summary.Failed++
		case err != nil:
			summary.Pending++
			logger.Debug().Err(err).Str("run_id", run.ID).Msg("stale run still pending")
		}
	}

	logger.Info().
		Int("checked", summary.Checked).
		Int("reconciled", summary.Reconciled).
		Int("failed", summary.Failed).
		Int("pending", summary.Pending).
		Msg("stale run sweep complete")

	return summary, nil
}

// Run returns a run by id.
func (s *Service) Run(ctx context.Context, runID string) (*runs.Run, error) {
	normalized, err := ids.Normalize(runID)
	if err != nil {
		return nil, newError(KindValidation, "get run", fmt.Errorf("run id %q: %w", runID, err))
	}
	run, err := s.tracker.Get(ctx, normalized)
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			return nil, newError(KindNotFound, "get run", err)
		}
		return nil, newError(KindTransient, "get run", err)
	}
	return run, nil
}

// AgencyRuns returns an agency's most recent runs, optionally filtered by state.
func (s *Service) AgencyRuns(ctx context.Context, params runs.ListParams) ([]runs.Run, error) {
	const op = "list runs"

	if strings.TrimSpace(params.AgencyID) == "" {
		return nil, newError(KindValidation, op, errors.New("agency id is required"))
	}
	if params.State != "" && !params.State.Valid() {
		return nil, newError(KindValidation, op, fmt.Errorf("unknown state %q", params.State))
	}
	if params.Limit <= 0 || params.Limit > 200 {
		params.Limit = 50
	}

	if _, err := s.agencies.Get(ctx, params.AgencyID); err != nil {
		if errors.Is(err, agencies.ErrNotFound) {
			return nil, newError(KindNotFound, op, err)
		}
		return nil, newError(KindTransient, op, err)
	}

	list, err := s.tracker.ListByAgency(ctx, params)
	if err != nil {
		return nil, newError(KindTransient, op, err)
	}
	return list, nil
}
