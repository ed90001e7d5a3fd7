package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/casafeed/server/internal/domain/agencies"
	"github.com/casafeed/server/internal/domain/listings"
	"github.com/casafeed/server/internal/domain/runs"
)

var errStoreDown = errors.New("store unavailable")

// faults injects one failure into the nth call of an operation.
type faults struct {
	mu    sync.Mutex
	calls map[string]int
	plan  map[string]int
}

func newFaults() *faults {
	return &faults{calls: map[string]int{}, plan: map[string]int{}}
}

// failOn makes call number n (1-based) of op fail once.
func (f *faults) failOn(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plan[op] = f.calls[op] + n
}

func (f *faults) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if target, ok := f.plan[op]; ok && f.calls[op] == target {
		delete(f.plan, op)
		return fmt.Errorf("%s: %w", op, errStoreDown)
	}
	return nil
}

type memListings struct {
	mu     sync.Mutex
	rows   map[string]listings.Listing
	faults *faults
}

func (m *memListings) Get(ctx context.Context, id string) (*listings.Listing, error) {
	if err := m.faults.hit("listings.get"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, listings.ErrNotFound
	}
	return &row, nil
}

func (m *memListings) Upsert(ctx context.Context, params listings.UpsertParams) (*listings.Listing, error) {
	if err := m.faults.hit("listings.upsert"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := params.Listing
	if prev, ok := m.rows[next.ID]; ok {
		next.FirstSeenAt = prev.FirstSeenAt
		next.SourceAgencyID = prev.SourceAgencyID
	} else {
		next.FirstSeenAt = params.SeenAt
		next.SourceAgencyID = params.SourceAgencyID
	}
	next.UpdatedAt = params.SeenAt
	m.rows[next.ID] = next
	return &next, nil
}

type linkKey struct{ agency, listing string }

type memLedger struct {
	mu     sync.Mutex
	rows   map[linkKey]string
	faults *faults
}

func (m *memLedger) TryLink(ctx context.Context, agencyID, listingID, runID string) (listings.LinkResult, error) {
	if err := m.faults.hit("ledger.link"); err != nil {
		return listings.LinkResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := linkKey{agencyID, listingID}
	if discoveredBy, ok := m.rows[key]; ok {
		return listings.LinkResult{NewForRun: discoveredBy == runID}, nil
	}
	m.rows[key] = runID
	return listings.LinkResult{Created: true, NewForRun: true}, nil
}

func (m *memLedger) Exists(ctx context.Context, agencyID, listingID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[linkKey{agencyID, listingID}]
	return ok, nil
}

func (m *memLedger) count(agencyID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.rows {
		if key.agency == agencyID {
			n++
		}
	}
	return n
}

type seenKey struct{ run, listing string }

type memAudit struct {
	mu     sync.Mutex
	rows   map[seenKey]struct{}
	faults *faults
}

func (m *memAudit) RecordSeen(ctx context.Context, runID, listingID string) error {
	if err := m.faults.hit("audit.seen"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[seenKey{runID, listingID}] = struct{}{}
	return nil
}

func (m *memAudit) count(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.rows {
		if key.run == runID {
			n++
		}
	}
	return n
}

type memTracker struct {
	mu     sync.Mutex
	rows   map[string]runs.Run
	now    func() time.Time
	faults *faults
}

func (m *memTracker) Create(ctx context.Context, params runs.CreateParams) (*runs.Run, error) {
	if err := m.faults.hit("runs.create"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	run := runs.Run{ID: params.ID, AgencyID: params.AgencyID, State: runs.StatePending, CreatedAt: now, UpdatedAt: now}
	m.rows[run.ID] = run
	return &run, nil
}

func (m *memTracker) AttachDispatch(ctx context.Context, runID, dispatchID string) (*runs.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.rows {
		if other.ID != runID && other.DispatchID != nil && *other.DispatchID == dispatchID {
			return nil, runs.ErrDuplicateDispatch
		}
	}
	run, ok := m.rows[runID]
	if !ok {
		return nil, runs.ErrNotFound
	}
	if run.State != runs.StatePending {
		return nil, runs.ErrAlreadyTerminal
	}
	now := m.now()
	run.DispatchID = &dispatchID
	run.State = runs.StateRunning
	run.StartedAt = &now
	run.UpdatedAt = now
	m.rows[runID] = run
	return &run, nil
}

func (m *memTracker) FindByDispatchID(ctx context.Context, dispatchID string) (*runs.Run, error) {
	if err := m.faults.hit("runs.find"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.rows {
		if run.DispatchID != nil && *run.DispatchID == dispatchID {
			return &run, nil
		}
	}
	return nil, runs.ErrNotFound
}

func (m *memTracker) Get(ctx context.Context, runID string) (*runs.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.rows[runID]
	if !ok {
		return nil, runs.ErrNotFound
	}
	return &run, nil
}

func (m *memTracker) Finalize(ctx context.Context, runID string, counts runs.Counts) (*runs.Run, error) {
	if err := m.faults.hit("runs.finalize"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.rows[runID]
	if !ok {
		return nil, runs.ErrNotFound
	}
	if run.State.IsTerminal() {
		if run.Matches(counts) {
			return &run, nil
		}
		return nil, runs.ErrConflict
	}
	now := m.now()
	run.State = runs.StateSucceeded
	run.TotalItems = counts.Total
	run.NewItems = counts.New
	run.CompletedAt = &now
	run.UpdatedAt = now
	m.rows[runID] = run
	return &run, nil
}

func (m *memTracker) MarkFailed(ctx context.Context, runID, reason string) (*runs.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.rows[runID]
	if !ok {
		return nil, runs.ErrNotFound
	}
	if run.State.IsTerminal() {
		return &run, runs.ErrAlreadyTerminal
	}
	now := m.now()
	run.State = runs.StateFailed
	run.FailureReason = &reason
	run.CompletedAt = &now
	run.UpdatedAt = now
	m.rows[runID] = run
	return &run, nil
}

func (m *memTracker) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]runs.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []runs.Run
	for _, run := range m.rows {
		if !run.State.IsTerminal() && run.UpdatedAt.Before(cutoff) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTracker) ListByAgency(ctx context.Context, params runs.ListParams) ([]runs.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []runs.Run
	for _, run := range m.rows {
		if run.AgencyID == params.AgencyID && (params.State == "" || run.State == params.State) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

// set overwrites a run, for arranging sweep scenarios.
func (m *memTracker) set(run runs.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[run.ID] = run
}

type memAgencies struct {
	mu   sync.Mutex
	rows map[string]agencies.Agency
}

func (m *memAgencies) Get(ctx context.Context, id string) (*agencies.Agency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, agencies.ErrNotFound
	}
	return &row, nil
}

func (m *memAgencies) List(ctx context.Context, enabledOnly bool) ([]agencies.Agency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agencies.Agency
	for _, row := range m.rows {
		if enabledOnly && !row.Enabled {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memAgencies) Upsert(ctx context.Context, params agencies.UpsertParams) (*agencies.Agency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := agencies.Agency{
		ID:        params.ID,
		Name:      params.Name,
		Points:    params.Points,
		Operation: params.Operation,
		MaxItems:  params.MaxItems,
		Enabled:   params.Enabled,
	}
	m.rows[row.ID] = row
	return &row, nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	next   int
	calls  []DispatchParams
	fail   map[string]error
	before func(params DispatchParams)
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, params DispatchParams) (string, error) {
	if d.before != nil {
		d.before(params)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, params)
	if err, ok := d.fail[params.AgencyID]; ok {
		return "", err
	}
	d.next++
	return fmt.Sprintf("d%d", d.next), nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	batches map[string][]listings.Item
	errs    map[string]error
	calls   int
}

func (f *fakeFetcher) GetCompletedBatch(ctx context.Context, dispatchID string) ([]listings.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[dispatchID]; ok {
		return nil, err
	}
	items, ok := f.batches[dispatchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return items, nil
}

func (f *fakeFetcher) setBatch(dispatchID string, items ...listings.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[dispatchID] = items
	delete(f.errs, dispatchID)
}

func (f *fakeFetcher) setErr(dispatchID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[dispatchID] = err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock      *testClock
	faults     *faults
	listings   *memListings
	ledger     *memLedger
	audit      *memAudit
	tracker    *memTracker
	agencies   *memAgencies
	dispatcher *fakeDispatcher
	fetcher    *fakeFetcher
	engine     *Engine
	service    *Service
}

func newHarness(agencyIDs ...string) *harness {
	clock := &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	f := newFaults()
	h := &harness{
		clock:      clock,
		faults:     f,
		listings:   &memListings{rows: map[string]listings.Listing{}, faults: f},
		ledger:     &memLedger{rows: map[linkKey]string{}, faults: f},
		audit:      &memAudit{rows: map[seenKey]struct{}{}, faults: f},
		tracker:    &memTracker{rows: map[string]runs.Run{}, now: clock.Now, faults: f},
		agencies:   &memAgencies{rows: map[string]agencies.Agency{}},
		dispatcher: &fakeDispatcher{fail: map[string]error{}},
		fetcher:    &fakeFetcher{batches: map[string][]listings.Item{}, errs: map[string]error{}},
	}
	for _, id := range agencyIDs {
		h.agencies.rows[id] = agencies.Agency{
			ID:      id,
			Name:    "Agency " + id,
			Points:  []byte(`[[45.46,9.18]]`),
			Enabled: true,
		}
	}

	h.engine = NewEngine(h.listings, h.ledger, h.audit, h.tracker)
	h.engine.now = clock.Now
	h.service = NewService(h.engine, h.tracker, h.agencies, h.dispatcher, h.fetcher, ServiceConfig{
		DefaultOperation:    "vendita",
		DefaultMaxItems:     50,
		DispatchConcurrency: 2,
		StaleAfter:          2 * time.Hour,
		MaxRunAge:           24 * time.Hour,
	})
	h.service.now = clock.Now

	return h
}

func item(id string, price float64) listings.Item {
	return listings.Item{
		"id":    id,
		"title": "Listing " + id,
		"price": map[string]any{"raw": price},
	}
}
