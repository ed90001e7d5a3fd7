package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casafeed/server/internal/domain/ids"
	"github.com/casafeed/server/internal/domain/runs"
)

func TestRunRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertAgency(t, ctx, repo, "agency-a")

	tracker := repo.Runs()
	run, err := tracker.Create(ctx, runs.CreateParams{ID: ids.NewULID(), AgencyID: "agency-a"})
	require.NoError(t, err)
	assert.Equal(t, runs.StatePending, run.State)
	assert.Nil(t, run.DispatchID)
	assert.Nil(t, run.StartedAt)

	running, err := tracker.AttachDispatch(ctx, run.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, runs.StateRunning, running.State)
	require.NotNil(t, running.DispatchID)
	assert.Equal(t, "d1", *running.DispatchID)
	assert.NotNil(t, running.StartedAt)

	found, err := tracker.FindByDispatchID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, found.ID)

	done, err := tracker.Finalize(ctx, run.ID, runs.Counts{Total: 3, New: 2})
	require.NoError(t, err)
	assert.Equal(t, runs.StateSucceeded, done.State)
	assert.Equal(t, 3, done.TotalItems)
	assert.Equal(t, 2, done.NewItems)
	assert.NotNil(t, done.CompletedAt)
}

func TestRunRepository_AttachDispatch(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertAgency(t, ctx, repo, "agency-a")
	tracker := repo.Runs()

	first := insertRunningRun(t, ctx, repo, "agency-a", "d1")

	t.Run("same dispatch is idempotent", func(t *testing.T) {
		again, err := tracker.AttachDispatch(ctx, first.ID, "d1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	})

	t.Run("different dispatch on running run conflicts", func(t *testing.T) {
		_, err := tracker.AttachDispatch(ctx, first.ID, "d2")
		require.ErrorIs(t, err, runs.ErrConflict)
	})

	t.Run("dispatch id already owned by another run", func(t *testing.T) {
		second, err := tracker.Create(ctx, runs.CreateParams{ID: ids.NewULID(), AgencyID: "agency-a"})
		require.NoError(t, err)
		_, err = tracker.AttachDispatch(ctx, second.ID, "d1")
		require.ErrorIs(t, err, runs.ErrDuplicateDispatch)
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := tracker.AttachDispatch(ctx, ids.NewULID(), "d9")
		require.ErrorIs(t, err, runs.ErrNotFound)
	})
}

func TestRunRepository_FinalizeIsGuarded(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertAgency(t, ctx, repo, "agency-a")
	tracker := repo.Runs()

	run := insertRunningRun(t, ctx, repo, "agency-a", "d1")
	_, err := tracker.Finalize(ctx, run.ID, runs.Counts{Total: 2, New: 2})
	require.NoError(t, err)

	again, err := tracker.Finalize(ctx, run.ID, runs.Counts{Total: 2, New: 2})
	require.NoError(t, err, "matching finalize is a no-op")
	assert.Equal(t, 2, again.NewItems)

	_, err = tracker.Finalize(ctx, run.ID, runs.Counts{Total: 2, New: 0})
	require.ErrorIs(t, err, runs.ErrConflict)

	stored, err := tracker.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.NewItems, "conflicting finalize must not overwrite counts")

	failed, err := tracker.MarkFailed(ctx, run.ID, "late failure")
	require.ErrorIs(t, err, runs.ErrAlreadyTerminal)
	require.NotNil(t, failed)
	assert.Equal(t, runs.StateSucceeded, failed.State)
}

func TestRunRepository_FinalizeRejectsInvalidCounts(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertAgency(t, ctx, repo, "agency-a")

	run := insertRunningRun(t, ctx, repo, "agency-a", "d1")
	_, err := repo.Runs().Finalize(ctx, run.ID, runs.Counts{Total: 1, New: 2})
	require.Error(t, err)

	stored, err := repo.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StateRunning, stored.State)
}

func TestRunRepository_MarkFailed(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertAgency(t, ctx, repo, "agency-a")
	tracker := repo.Runs()

	run, err := tracker.Create(ctx, runs.CreateParams{ID: ids.NewULID(), AgencyID: "agency-a"})
	require.NoError(t, err)

	failed, err := tracker.MarkFailed(ctx, run.ID, "dispatch rejected")
	require.NoError(t, err)
	assert.Equal(t, runs.StateFailed, failed.State)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, "dispatch rejected", *failed.FailureReason)

	_, err = tracker.Finalize(ctx, run.ID, runs.Counts{Total: 1, New: 1})
	require.ErrorIs(t, err, runs.ErrConflict)

	_, err = tracker.MarkFailed(ctx, ids.NewULID(), "nope")
	require.ErrorIs(t, err, runs.ErrNotFound)
}

func TestRunRepository_ConcurrentFinalize(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertAgency(t, ctx, repo, "agency-a")
	run := insertRunningRun(t, ctx, repo, "agency-a", "d1")

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := repo.Runs().Finalize(ctx, run.ID, runs.Counts{Total: 5, New: 4})
			errs <- err
		}()
	}
	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}

	stored, err := repo.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.NewItems)
}

func TestRunRepository_Listing(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertAgency(t, ctx, repo, "agency-a")
	insertAgency(t, ctx, repo, "agency-b")
	tracker := repo.Runs()

	old := insertRunningRun(t, ctx, repo, "agency-a", "d1")
	fresh := insertRunningRun(t, ctx, repo, "agency-a", "d2")
	done := insertRunningRun(t, ctx, repo, "agency-b", "d3")
	_, err := tracker.Finalize(ctx, done.ID, runs.Counts{})
	require.NoError(t, err)

	_, err = repo.pool.Exec(ctx, `UPDATE agency_runs SET updated_at = now() - interval '3 hours' WHERE id = ANY($1)`,
		[]string{old.ID, done.ID})
	require.NoError(t, err)

	stale, err := tracker.ListStale(ctx, time.Now().Add(-2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	all, err := tracker.ListByAgency(ctx, runs.ListParams{AgencyID: "agency-a", Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, fresh.ID, all[0].ID, "newest run first")

	succeeded, err := tracker.ListByAgency(ctx, runs.ListParams{AgencyID: "agency-b", State: runs.StateSucceeded, Limit: 10})
	require.NoError(t, err)
	require.Len(t, succeeded, 1)

	none, err := tracker.ListByAgency(ctx, runs.ListParams{AgencyID: "agency-a", State: runs.StateFailed, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRunRepository_CountsCheckConstraint(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t)
	insertAgency(t, ctx, repo, "agency-a")
	run := insertRunningRun(t, ctx, repo, "agency-a", "d1")

	_, err := repo.pool.Exec(ctx, `UPDATE agency_runs SET total_items = 1, new_items = 2 WHERE id = $1`, run.ID)
	require.Error(t, err)
	assert.False(t, errors.Is(err, runs.ErrConflict))
}
