package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/casafeed/server/internal/domain/runs"
)

var _ runs.Tracker = (*RunRepository)(nil)

// RunRepository implements runs.Tracker. State transitions are guarded in
// SQL so concurrent callers cannot move a run out of a terminal state.
type RunRepository struct {
	conn
}

const runColumns = `id, agency_id, dispatch_id, state, total_items, new_items, failure_reason,
       created_at, started_at, completed_at, updated_at`

func (r *RunRepository) Create(ctx context.Context, params runs.CreateParams) (_ *runs.Run, err error) {
	defer observe("create_run", time.Now(), &err)

	row := r.queryer().QueryRow(ctx, `
INSERT INTO agency_runs (id, agency_id, state)
VALUES ($1, $2, 'pending')
RETURNING `+runColumns, params.ID, params.AgencyID)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("create run for agency %q: %w", params.AgencyID, err)
	}
	return run, nil
}

func (r *RunRepository) AttachDispatch(ctx context.Context, runID, dispatchID string) (_ *runs.Run, err error) {
	defer observe("attach_dispatch", time.Now(), &err)

	row := r.queryer().QueryRow(ctx, `
UPDATE agency_runs
   SET dispatch_id = $2,
       state = 'running',
       started_at = now(),
       updated_at = now()
 WHERE id = $1
   AND state = 'pending'
RETURNING `+runColumns, runID, dispatchID)
	run, err := scanRun(row)
	if err == nil {
		return run, nil
	}
	if isUniqueViolation(err, "agency_runs_dispatch_id_key") {
		return nil, runs.ErrDuplicateDispatch
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("attach dispatch to run %s: %w", runID, err)
	}

	current, err := r.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.DispatchID != nil && *current.DispatchID == dispatchID {
		return current, nil
	}
	if current.State.IsTerminal() {
		return current, runs.ErrAlreadyTerminal
	}
	return nil, runs.ErrConflict
}

func (r *RunRepository) FindByDispatchID(ctx context.Context, dispatchID string) (_ *runs.Run, err error) {
	defer observe("find_run_by_dispatch", time.Now(), &err)

	row := r.queryer().QueryRow(ctx, `SELECT `+runColumns+` FROM agency_runs WHERE dispatch_id = $1`, dispatchID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, runs.ErrNotFound
		}
		return nil, fmt.Errorf("find run by dispatch %q: %w", dispatchID, err)
	}
	return run, nil
}

func (r *RunRepository) Get(ctx context.Context, runID string) (*runs.Run, error) {
	row := r.queryer().QueryRow(ctx, `SELECT `+runColumns+` FROM agency_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, runs.ErrNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

func (r *RunRepository) Finalize(ctx context.Context, runID string, counts runs.Counts) (_ *runs.Run, err error) {
	defer observe("finalize_run", time.Now(), &err)

	if counts.Total < 0 || counts.New < 0 || counts.New > counts.Total {
		return nil, fmt.Errorf("finalize run %s: invalid counts %+v", runID, counts)
	}

	row := r.queryer().QueryRow(ctx, `
UPDATE agency_runs
   SET state = 'succeeded',
       total_items = $2,
       new_items = $3,
       completed_at = now(),
       updated_at = now()
 WHERE id = $1
   AND state IN ('pending', 'running')
RETURNING `+runColumns, runID, counts.Total, counts.New)
	run, err := scanRun(row)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("finalize run %s: %w", runID, err)
	}

	current, err := r.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Matches(counts) {
		return current, nil
	}
	return nil, fmt.Errorf("run %s is %s with total=%d new=%d: %w",
		runID, current.State, current.TotalItems, current.NewItems, runs.ErrConflict)
}

func (r *RunRepository) MarkFailed(ctx context.Context, runID, reason string) (_ *runs.Run, err error) {
	defer observe("mark_run_failed", time.Now(), &err)

	row := r.queryer().QueryRow(ctx, `
UPDATE agency_runs
   SET state = 'failed',
       failure_reason = $2,
       completed_at = now(),
       updated_at = now()
 WHERE id = $1
   AND state IN ('pending', 'running')
RETURNING `+runColumns, runID, textOrNil(reason))
	run, err := scanRun(row)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("mark run %s failed: %w", runID, err)
	}

	current, err := r.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return current, runs.ErrAlreadyTerminal
}

func (r *RunRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]runs.Run, error) {
	rows, err := r.queryer().Query(ctx, `
SELECT `+runColumns+`
  FROM agency_runs
 WHERE state IN ('pending', 'running')
   AND updated_at < $1
 ORDER BY updated_at
 LIMIT $2
`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	return collectRuns(rows)
}

func (r *RunRepository) ListByAgency(ctx context.Context, params runs.ListParams) ([]runs.Run, error) {
	rows, err := r.queryer().Query(ctx, `
SELECT `+runColumns+`
  FROM agency_runs
 WHERE agency_id = $1
   AND ($2 = '' OR state = $2)
 ORDER BY created_at DESC, id DESC
 LIMIT $3
`, params.AgencyID, string(params.State), params.Limit)
	if err != nil {
		return nil, fmt.Errorf("list runs for agency %q: %w", params.AgencyID, err)
	}
	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]runs.Run, error) {
	defer rows.Close()

	var out []runs.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanRun(row pgx.Row) (*runs.Run, error) {
	var (
		run   runs.Run
		state string
	)
	if err := row.Scan(
		&run.ID,
		&run.AgencyID,
		&run.DispatchID,
		&state,
		&run.TotalItems,
		&run.NewItems,
		&run.FailureReason,
		&run.CreatedAt,
		&run.StartedAt,
		&run.CompletedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	run.State = runs.State(state)
	return &run, nil
}
