package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/casafeed/server/internal/domain/listings"
	"github.com/casafeed/server/internal/domain/runs"
	"github.com/casafeed/server/internal/metrics"
)

const tracerName = "github.com/casafeed/server/internal/domain/reconcile"

// Item outcomes, used as the reconcile_items_total label.
const (
	outcomeNew     = "new"
	outcomeLinked  = "linked"
	outcomeForeign = "foreign"
)

// Result summarizes one reconciliation pass.
type Result struct {
	Run    *runs.Run
	Counts runs.Counts

	// Inserted is the number of listings this pass added to the catalog.
	Inserted int
	// Foreign is the number of items sourced by another agency.
	Foreign int
}

// Engine applies a batch of scraped items to the catalog and finalizes the
// run. Every write it issues is an upsert or insert-or-ignore, so a pass can
// be repeated in full after any failure and produce the same counts.
type Engine struct {
	store   listings.Store
	ledger  listings.Ledger
	audit   listings.AuditLog
	tracker runs.Tracker
	now     func() time.Time
}

func NewEngine(store listings.Store, ledger listings.Ledger, audit listings.AuditLog, tracker runs.Tracker) *Engine {
	return &Engine{
		store:   store,
		ledger:  ledger,
		audit:   audit,
		tracker: tracker,
		now:     time.Now,
	}
}

// Reconcile processes items for run and finalizes it as succeeded.
//
// A malformed item fails the pass before anything is written. Store errors
// are transient. Finalizing a run that already succeeded with different
// counts yields a conflict.
func (e *Engine) Reconcile(ctx context.Context, run *runs.Run, items []listings.Item) (Result, error) {
	const op = "reconcile"

	if run == nil {
		return Result{}, newError(KindValidation, op, errors.New("run is required"))
	}
	if run.State.IsTerminal() {
		return Result{}, newError(KindConflict, op, fmt.Errorf("run %s: %w", run.ID, runs.ErrAlreadyTerminal))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.Engine.Reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("agency.id", run.AgencyID),
		attribute.Int("batch.size", len(items)),
	)

	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	logger := zerolog.Ctx(ctx).With().
		Str("run_id", run.ID).
		Str("agency_id", run.AgencyID).
		Logger()

	normalized := make([]listings.Listing, 0, len(items))
	for i, item := range items {
		listing, err := listings.Normalize(item)
		if err != nil {
			span.SetStatus(codes.Error, "malformed batch")
			return Result{}, newError(KindPermanent, op, fmt.Errorf("item %d: %w", i, err))
		}
		normalized = append(normalized, listing)
	}

	var (
		result  Result
		counted = make(map[string]struct{}, len(normalized))
	)
	for _, listing := range normalized {
		outcome, inserted, err := e.applyItem(ctx, run, listing, counted)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "item failed")
			return Result{}, err
		}
		if inserted {
			result.Inserted++
		}
		switch outcome {
		case outcomeNew:
			result.Counts.New++
		case outcomeForeign:
			result.Foreign++
		}
		result.Counts.Total++
		metrics.ReconcileItems.WithLabelValues(outcome).Inc()
	}

	finalized, err := e.tracker.Finalize(ctx, run.ID, result.Counts)
	if err != nil {
		if errors.Is(err, runs.ErrConflict) {
			metrics.FinalizeConflicts.Inc()
			logger.Error().
				Int("total_items", result.Counts.Total).
				Int("new_items", result.Counts.New).
				Msg("run already finalized with different counts")
			span.SetStatus(codes.Error, "finalize conflict")
			return Result{}, newError(KindConflict, op, err)
		}
		span.SetStatus(codes.Error, "finalize failed")
		return Result{}, newError(KindTransient, op, fmt.Errorf("finalize run %s: %w", run.ID, err))
	}
	metrics.RunsFinalized.WithLabelValues(string(runs.StateSucceeded)).Inc()

	result.Run = finalized
	span.SetAttributes(
		attribute.Int("run.total_items", result.Counts.Total),
		attribute.Int("run.new_items", result.Counts.New),
	)
	logger.Info().
		Int("total_items", result.Counts.Total).
		Int("new_items", result.Counts.New).
		Int("inserted", result.Inserted).
		Int("foreign", result.Foreign).
		Msg("run reconciled")

	return result, nil
}

// applyItem runs the per-item steps in order: read, upsert, audit, then the
// ownership decision. counted holds listing ids already counted as new in
// this pass so a batch repeating an id counts it once.
func (e *Engine) applyItem(ctx context.Context, run *runs.Run, listing listings.Listing, counted map[string]struct{}) (string, bool, error) {
	const op = "reconcile item"

	existing, err := e.store.Get(ctx, listing.ID)
	if err != nil && !errors.Is(err, listings.ErrNotFound) {
		return "", false, newError(KindTransient, op, fmt.Errorf("get listing %s: %w", listing.ID, err))
	}

	stored, err := e.store.Upsert(ctx, listings.UpsertParams{
		Listing:        listing,
		SourceAgencyID: run.AgencyID,
		SeenAt:         e.now().UTC(),
	})
	if err != nil {
		return "", false, newError(KindTransient, op, fmt.Errorf("upsert listing %s: %w", listing.ID, err))
	}

	if err := e.audit.RecordSeen(ctx, run.ID, listing.ID); err != nil {
		return "", false, newError(KindTransient, op, fmt.Errorf("record seen %s: %w", listing.ID, err))
	}

	if existing != nil && existing.SourceAgencyID != stored.SourceAgencyID {
		zerolog.Ctx(ctx).Error().
			Str("listing_id", listing.ID).
			Str("before", existing.SourceAgencyID).
			Str("after", stored.SourceAgencyID).
			Msg("listing provenance changed on upsert")
	}
	inserted := existing == nil && stored.SourceAgencyID == run.AgencyID

	// The stored provenance decides ownership: under concurrent first
	// sight only the agency whose insert won may link.
	if stored.SourceAgencyID != run.AgencyID {
		return outcomeForeign, inserted, nil
	}

	link, err := e.ledger.TryLink(ctx, run.AgencyID, listing.ID, run.ID)
	if err != nil {
		return "", false, newError(KindTransient, op, fmt.Errorf("link listing %s: %w", listing.ID, err))
	}
	if link.Created {
		metrics.ListingsNew.Inc()
	}
	if !link.NewForRun {
		return outcomeLinked, inserted, nil
	}
	if _, seen := counted[listing.ID]; seen {
		return outcomeLinked, inserted, nil
	}
	counted[listing.ID] = struct{}{}
	return outcomeNew, inserted, nil
}
