// Package runs tracks the lifecycle of scrape runs.
package runs

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrConflict is returned when a terminal run is finalized with
	// different counts or state.
	ErrConflict = errors.New("run already finalized with different outcome")
	// ErrAlreadyTerminal is returned when a terminal run is asked to change
	// state. Callers treat it as a no-op.
	ErrAlreadyTerminal = errors.New("run already terminal")
	// ErrDuplicateDispatch is returned when a dispatch id is already bound
	// to another run.
	ErrDuplicateDispatch = errors.New("dispatch id already bound to a run")
)

// State is the lifecycle state of a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed:
		return true
	}
	return false
}

// Run is one scrape attempt for one agency.
type Run struct {
	ID         string
	AgencyID   string
	DispatchID *string
	State      State

	// Counters stay zero until the run succeeds and are then set once.
	TotalItems int
	NewItems   int

	FailureReason *string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Counts is the result of reconciling a run's batch.
type Counts struct {
	Total int `json:"total"`
	New   int `json:"new"`
}

// Matches reports whether r is succeeded with exactly these counts.
func (r *Run) Matches(c Counts) bool {
	if r == nil || r.State != StateSucceeded {
		return false
	}
	return r.TotalItems == c.Total && r.NewItems == c.New
}

// CreateParams describes a new pending run.
type CreateParams struct {
	ID       string
	AgencyID string
}

// ListParams filters and paginates runs for one agency, newest first.
type ListParams struct {
	AgencyID string
	State    State
	Limit    int
}

// Tracker persists runs and enforces their state machine:
// pending -> running -> succeeded|failed, pending -> failed.
type Tracker interface {
	// Create inserts a pending run with no dispatch id.
	Create(ctx context.Context, params CreateParams) (*Run, error)

	// AttachDispatch binds the scraper's dispatch id and moves the run to
	// running. Returns ErrDuplicateDispatch when the id belongs to another run.
	AttachDispatch(ctx context.Context, runID, dispatchID string) (*Run, error)

	// FindByDispatchID returns the run bound to dispatchID, or ErrNotFound.
	FindByDispatchID(ctx context.Context, dispatchID string) (*Run, error)

	// Get returns a run by id, or ErrNotFound.
	Get(ctx context.Context, runID string) (*Run, error)

	// Finalize sets succeeded with counts. Finalizing an already succeeded
	// run with identical counts returns it unchanged; any other terminal
	// row yields ErrConflict.
	Finalize(ctx context.Context, runID string, counts Counts) (*Run, error)

	// MarkFailed moves a non-terminal run to failed with a reason. When the
	// run already finished it returns the stored run and ErrAlreadyTerminal.
	MarkFailed(ctx context.Context, runID, reason string) (*Run, error)

	// ListStale returns non-terminal runs last updated before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Run, error)

	// ListByAgency returns an agency's runs, newest first.
	ListByAgency(ctx context.Context, params ListParams) ([]Run, error)
}
