// Package listings defines the global listing catalog, the per-agency
// ownership ledger and the per-run audit log.
package listings

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a listing does not exist.
var ErrNotFound = errors.New("listing not found")

// Listing is one real-estate item, keyed by the scraper's item id.
// FirstSeenAt and SourceAgencyID are provenance: written on insert, never
// updated afterwards.
type Listing struct {
	ID       string
	Title    *string
	City     *string
	Province *string
	Price    *float64
	URL      *string
	Raw      json.RawMessage

	FirstSeenAt    time.Time
	SourceAgencyID string
	UpdatedAt      time.Time
}

// UpsertParams carries a normalized listing plus the provenance to apply if
// (and only if) the row does not exist yet.
type UpsertParams struct {
	Listing        Listing
	SourceAgencyID string
	SeenAt         time.Time
}

// LinkResult reports the outcome of an ownership insert attempt.
type LinkResult struct {
	// Created is true when this call inserted the row.
	Created bool
	// NewForRun is true when the row was inserted by this call or by an
	// earlier pass of the same run. Replayed passes count it again; later
	// runs do not.
	NewForRun bool
}

// Store is the durable listing catalog.
type Store interface {
	// Get returns a listing by id or ErrNotFound.
	Get(ctx context.Context, id string) (*Listing, error)

	// Upsert inserts the listing or refreshes its descriptive fields. The
	// returned listing carries the stored provenance, which is the caller's
	// only reliable source for ownership decisions under concurrency.
	Upsert(ctx context.Context, params UpsertParams) (*Listing, error)
}

// Ledger records which agencies have which listings in their catalog.
// At most one row exists per (agency, listing).
type Ledger interface {
	// TryLink inserts the (agency, listing) fact, attributing it to runID.
	// An existing pair is not an error.
	TryLink(ctx context.Context, agencyID, listingID, runID string) (LinkResult, error)

	// Exists reports whether the pair is already linked.
	Exists(ctx context.Context, agencyID, listingID string) (bool, error)
}

// AuditLog records which listings a run's batch contained.
type AuditLog interface {
	// RecordSeen is idempotent on (runID, listingID).
	RecordSeen(ctx context.Context, runID, listingID string) error
}
