package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casafeed/server/internal/domain/ids"
	"github.com/casafeed/server/internal/domain/listings"
	"github.com/casafeed/server/internal/domain/runs"
)

func TestStartRun_CreatesRunBeforeDispatch(t *testing.T) {
	h := newHarness("A")
	ctx := context.Background()

	h.dispatcher.before = func(params DispatchParams) {
		run, err := h.tracker.Get(ctx, params.RunID)
		require.NoError(t, err, "run row must exist when the scrape is dispatched")
		assert.Equal(t, runs.StatePending, run.State)
		assert.Nil(t, run.DispatchID)
	}

	started, err := h.service.StartRun(ctx, " A ")
	require.NoError(t, err)

	assert.True(t, ids.IsULID(started.RunID))
	assert.Equal(t, "A", started.AgencyID)
	assert.Equal(t, "d1", started.DispatchID)

	run, err := h.tracker.Get(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StateRunning, run.State)
	require.NotNil(t, run.DispatchID)
	assert.Equal(t, "d1", *run.DispatchID)
	assert.NotNil(t, run.StartedAt)

	require.Len(t, h.dispatcher.calls, 1)
	call := h.dispatcher.calls[0]
	assert.Equal(t, "vendita", call.Operation)
	assert.Equal(t, 50, call.MaxItems)
	assert.JSONEq(t, `[[45.46,9.18]]`, string(call.Points))
}

func TestStartRun_CallerCancelledAfterDispatch(t *testing.T) {
	h := newHarness("A")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller goes away while the scraper is accepting the job.
	h.dispatcher.before = func(DispatchParams) { cancel() }

	started, err := h.service.StartRun(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "d1", started.DispatchID)

	run, err := h.tracker.Get(context.Background(), started.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StateRunning, run.State)
	require.NotNil(t, run.DispatchID)
	assert.Equal(t, "d1", *run.DispatchID)

	h.fetcher.setBatch("d1", listings.Item{"id": "x1", "price": map[string]any{"raw": 100.0}})
	outcome, err := h.service.HandleCompletionEvent(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, outcome.Processed)
	require.NotNil(t, outcome.Run)
	assert.Equal(t, 1, outcome.Run.TotalItems)
	assert.Equal(t, 1, outcome.Run.NewItems)
}

func TestStartRun_AgencyOverrides(t *testing.T) {
	h := newHarness("A")
	agency := h.agencies.rows["A"]
	agency.Operation = "affitto"
	agency.MaxItems = 10
	h.agencies.rows["A"] = agency

	_, err := h.service.StartRun(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "affitto", h.dispatcher.calls[0].Operation)
	assert.Equal(t, 10, h.dispatcher.calls[0].MaxItems)
}

func TestStartRun_Errors(t *testing.T) {
	t.Run("empty agency id", func(t *testing.T) {
		h := newHarness("A")
		_, err := h.service.StartRun(context.Background(), "  ")
		assert.Equal(t, KindValidation, KindOf(err))
		assert.Empty(t, h.tracker.rows)
	})

	t.Run("unknown agency", func(t *testing.T) {
		h := newHarness("A")
		_, err := h.service.StartRun(context.Background(), "Z")
		assert.Equal(t, KindNotFound, KindOf(err))
		assert.Empty(t, h.tracker.rows)
		assert.Empty(t, h.dispatcher.calls)
	})

	t.Run("agency without points", func(t *testing.T) {
		h := newHarness("A")
		agency := h.agencies.rows["A"]
		agency.Points = nil
		h.agencies.rows["A"] = agency

		_, err := h.service.StartRun(context.Background(), "A")
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("dispatch failure marks run failed", func(t *testing.T) {
		h := newHarness("A")
		h.dispatcher.fail["A"] = errors.New("actor input invalid")

		_, err := h.service.StartRun(context.Background(), "A")
		require.Error(t, err)
		assert.Equal(t, KindDispatch, KindOf(err))

		require.Len(t, h.tracker.rows, 1)
		for _, run := range h.tracker.rows {
			assert.Equal(t, runs.StateFailed, run.State)
			require.NotNil(t, run.FailureReason)
			assert.Contains(t, *run.FailureReason, "actor input invalid")
		}
	})

	t.Run("store unavailable", func(t *testing.T) {
		h := newHarness("A")
		h.faults.failOn("runs.create", 1)

		_, err := h.service.StartRun(context.Background(), "A")
		assert.Equal(t, KindTransient, KindOf(err))
		assert.Empty(t, h.dispatcher.calls)
	})
}

func TestHandleCompletionEvent_Scenarios(t *testing.T) {
	h := newHarness("A", "B")
	ctx := context.Background()

	startedA, err := h.service.StartRun(ctx, "A")
	require.NoError(t, err)
	h.fetcher.setBatch(startedA.DispatchID, item("x1", 100), item("x2", 200))

	outcome, err := h.service.HandleCompletionEvent(ctx, startedA.DispatchID)
	require.NoError(t, err)
	assert.True(t, outcome.Processed)
	assert.Equal(t, ReasonReconciled, outcome.Reason)
	assert.Equal(t, 2, outcome.Run.TotalItems)
	assert.Equal(t, 2, outcome.Run.NewItems)

	startedB, err := h.service.StartRun(ctx, "B")
	require.NoError(t, err)
	h.fetcher.setBatch(startedB.DispatchID, item("x1", 150))

	outcome, err = h.service.HandleCompletionEvent(ctx, startedB.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Run.TotalItems)
	assert.Equal(t, 0, outcome.Run.NewItems)
	assert.Equal(t, 150.0, *h.listings.rows["x1"].Price)
	assert.Equal(t, "A", h.listings.rows["x1"].SourceAgencyID)
	assert.Equal(t, 0, h.ledger.count("B"))

	// duplicate delivery of the first completion event
	fetches := h.fetcher.calls
	outcome, err = h.service.HandleCompletionEvent(ctx, startedA.DispatchID)
	require.NoError(t, err)
	assert.False(t, outcome.Processed)
	assert.Equal(t, ReasonAlreadyTerminal, outcome.Reason)
	assert.Equal(t, 2, outcome.Run.NewItems)
	assert.Equal(t, fetches, h.fetcher.calls, "terminal runs are not re-fetched")

	runA, err := h.tracker.Get(ctx, startedA.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, runA.NewItems)
}

func TestHandleCompletionEvent_UnknownDispatchIsNoop(t *testing.T) {
	h := newHarness("A")

	outcome, err := h.service.HandleCompletionEvent(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, outcome.Processed)
	assert.Equal(t, ReasonUnknownDispatch, outcome.Reason)

	assert.Empty(t, h.tracker.rows)
	assert.Empty(t, h.listings.rows)
	assert.Empty(t, h.ledger.rows)
	assert.Zero(t, h.fetcher.calls)
}

func TestHandleCompletionEvent_EmptyDispatchID(t *testing.T) {
	h := newHarness("A")
	_, err := h.service.HandleCompletionEvent(context.Background(), " ")
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestHandleCompletionEvent_FetchErrors(t *testing.T) {
	t.Run("not ready is transient", func(t *testing.T) {
		h := newHarness("A")
		started, err := h.service.StartRun(context.Background(), "A")
		require.NoError(t, err)
		h.fetcher.setErr(started.DispatchID, fmt.Errorf("status RUNNING: %w", ErrBatchNotReady))

		_, err = h.service.HandleCompletionEvent(context.Background(), started.DispatchID)
		assert.Equal(t, KindTransient, KindOf(err))

		run, _ := h.tracker.Get(context.Background(), started.RunID)
		assert.Equal(t, runs.StateRunning, run.State)
	})

	t.Run("aborted scrape fails the run", func(t *testing.T) {
		h := newHarness("A")
		started, err := h.service.StartRun(context.Background(), "A")
		require.NoError(t, err)
		h.fetcher.setErr(started.DispatchID, fmt.Errorf("status ABORTED: %w", ErrBatchAborted))

		outcome, err := h.service.HandleCompletionEvent(context.Background(), started.DispatchID)
		assert.Equal(t, KindPermanent, KindOf(err))
		assert.True(t, outcome.Processed)
		assert.Equal(t, runs.StateFailed, outcome.Run.State)
		assert.Zero(t, outcome.Run.TotalItems, "failed runs carry no partial counts")
	})

	t.Run("malformed batch fails the run", func(t *testing.T) {
		h := newHarness("A")
		started, err := h.service.StartRun(context.Background(), "A")
		require.NoError(t, err)
		h.fetcher.setBatch(started.DispatchID, item("x1", 1), listings.Item{"id": ""})

		outcome, err := h.service.HandleCompletionEvent(context.Background(), started.DispatchID)
		assert.Equal(t, KindPermanent, KindOf(err))
		assert.Equal(t, runs.StateFailed, outcome.Run.State)
		assert.Empty(t, h.listings.rows)
	})
}

func TestHandleCompletionEvent_RetryAfterTransientStoreFailure(t *testing.T) {
	h := newHarness("A")
	ctx := context.Background()
	started, err := h.service.StartRun(ctx, "A")
	require.NoError(t, err)
	h.fetcher.setBatch(started.DispatchID, item("x1", 1), item("x2", 2))
	h.faults.failOn("ledger.link", 2)

	_, err = h.service.HandleCompletionEvent(ctx, started.DispatchID)
	require.True(t, IsRetryable(err))

	outcome, err := h.service.HandleCompletionEvent(ctx, started.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Run.NewItems)
}

func TestHandleFailureEvent(t *testing.T) {
	h := newHarness("A")
	ctx := context.Background()
	started, err := h.service.StartRun(ctx, "A")
	require.NoError(t, err)

	outcome, err := h.service.HandleFailureEvent(ctx, started.DispatchID, "ACTOR.RUN.TIMED_OUT")
	require.NoError(t, err)
	assert.True(t, outcome.Processed)
	assert.Equal(t, runs.StateFailed, outcome.Run.State)

	outcome, err = h.service.HandleFailureEvent(ctx, started.DispatchID, "again")
	require.NoError(t, err)
	assert.False(t, outcome.Processed)
	assert.Equal(t, ReasonAlreadyTerminal, outcome.Reason)

	outcome, err = h.service.HandleFailureEvent(ctx, "unknown", "")
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownDispatch, outcome.Reason)

	h.fetcher.setBatch(started.DispatchID, item("x1", 1))
	outcome, err = h.service.HandleCompletionEvent(ctx, started.DispatchID)
	require.NoError(t, err)
	assert.False(t, outcome.Processed, "failed runs are not reconciled")
}

func TestDispatchAll(t *testing.T) {
	h := newHarness("A", "B", "C", "D")
	disabled := h.agencies.rows["D"]
	disabled.Enabled = false
	h.agencies.rows["D"] = disabled
	h.dispatcher.fail["B"] = errors.New("HTTP 400")

	summary, err := h.service.DispatchAll(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Started, 2)
	assert.Equal(t, "A", summary.Started[0].AgencyID)
	assert.Equal(t, "C", summary.Started[1].AgencyID)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "B", summary.Failed[0].AgencyID)
	assert.Equal(t, KindDispatch, summary.Failed[0].Category)
	assert.Len(t, h.dispatcher.calls, 3)
}

func TestSweepStale(t *testing.T) {
	h := newHarness("A")
	ctx := context.Background()

	ready, err := h.service.StartRun(ctx, "A")
	require.NoError(t, err)
	h.fetcher.setBatch(ready.DispatchID, item("x1", 1))

	waiting, err := h.service.StartRun(ctx, "A")
	require.NoError(t, err)
	h.fetcher.setErr(waiting.DispatchID, ErrBatchNotReady)

	ancient, err := h.service.StartRun(ctx, "A")
	require.NoError(t, err)
	old, _ := h.tracker.Get(ctx, ancient.RunID)
	old.CreatedAt = old.CreatedAt.Add(-48 * time.Hour)
	h.tracker.set(*old)

	orphan, err := h.tracker.Create(ctx, runs.CreateParams{ID: "ORPHAN", AgencyID: "A"})
	require.NoError(t, err)

	h.clock.Advance(3 * time.Hour)
	fresh, err := h.service.StartRun(ctx, "A")
	require.NoError(t, err)

	summary, err := h.service.SweepStale(ctx)
	require.NoError(t, err)

	assert.Equal(t, SweepSummary{Checked: 4, Reconciled: 1, Failed: 2, Pending: 1}, summary)

	for runID, want := range map[string]runs.State{
		ready.RunID:   runs.StateSucceeded,
		waiting.RunID: runs.StateRunning,
		ancient.RunID: runs.StateFailed,
		orphan.ID:     runs.StateFailed,
		fresh.RunID:   runs.StateRunning,
	} {
		run, err := h.tracker.Get(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, want, run.State, runID)
	}
}

func TestRunAndAgencyRuns(t *testing.T) {
	h := newHarness("A")
	ctx := context.Background()
	started, err := h.service.StartRun(ctx, "A")
	require.NoError(t, err)

	run, err := h.service.Run(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, started.RunID, run.ID)

	_, err = h.service.Run(ctx, "not-a-ulid")
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = h.service.Run(ctx, "01HYX3KQW7ERTV9XNBM2P8QJZF")
	assert.Equal(t, KindNotFound, KindOf(err))

	list, err := h.service.AgencyRuns(ctx, runs.ListParams{AgencyID: "A"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = h.service.AgencyRuns(ctx, runs.ListParams{AgencyID: "Z"})
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = h.service.AgencyRuns(ctx, runs.ListParams{AgencyID: "A", State: "done"})
	assert.Equal(t, KindValidation, KindOf(err))
}
