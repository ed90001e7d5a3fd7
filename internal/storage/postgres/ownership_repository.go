package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/casafeed/server/internal/domain/listings"
)

var (
	_ listings.Ledger   = (*OwnershipRepository)(nil)
	_ listings.AuditLog = (*AuditRepository)(nil)
)

// OwnershipRepository implements listings.Ledger on agency_listings.
type OwnershipRepository struct {
	conn
}

// TryLink inserts the pair or reads the existing row in one statement. The
// second arm runs against the statement snapshot, so a row committed by a
// concurrent transaction after the snapshot is invisible to both arms; that
// case falls back to a plain read.
func (r *OwnershipRepository) TryLink(ctx context.Context, agencyID, listingID, runID string) (_ listings.LinkResult, err error) {
	defer observe("try_link", time.Now(), &err)

	var (
		created      bool
		discoveredBy string
	)
	err = r.queryer().QueryRow(ctx, `
WITH ins AS (
    INSERT INTO agency_listings (agency_id, listing_id, discovered_by_run_id)
    VALUES ($1, $2, $3)
    ON CONFLICT (agency_id, listing_id) DO NOTHING
    RETURNING discovered_by_run_id
)
SELECT true, discovered_by_run_id FROM ins
UNION ALL
SELECT false, discovered_by_run_id
  FROM agency_listings
 WHERE agency_id = $1 AND listing_id = $2
LIMIT 1
`, agencyID, listingID, runID).Scan(&created, &discoveredBy)
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		err = r.queryer().QueryRow(ctx, `
SELECT discovered_by_run_id
  FROM agency_listings
 WHERE agency_id = $1 AND listing_id = $2
`, agencyID, listingID).Scan(&discoveredBy)
	}
	if err != nil {
		return listings.LinkResult{}, fmt.Errorf("link agency %q to listing %q: %w", agencyID, listingID, err)
	}

	return listings.LinkResult{
		Created:   created,
		NewForRun: discoveredBy == runID,
	}, nil
}

func (r *OwnershipRepository) Exists(ctx context.Context, agencyID, listingID string) (bool, error) {
	var exists bool
	err := r.queryer().QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM agency_listings WHERE agency_id = $1 AND listing_id = $2
)`, agencyID, listingID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check link agency %q listing %q: %w", agencyID, listingID, err)
	}
	return exists, nil
}

// AuditRepository implements listings.AuditLog on agency_run_listings.
type AuditRepository struct {
	conn
}

func (r *AuditRepository) RecordSeen(ctx context.Context, runID, listingID string) (err error) {
	defer observe("record_seen", time.Now(), &err)

	_, err = r.queryer().Exec(ctx, `
INSERT INTO agency_run_listings (run_id, listing_id)
VALUES ($1, $2)
ON CONFLICT (run_id, listing_id) DO NOTHING
`, runID, listingID)
	if err != nil {
		return fmt.Errorf("record run %s saw listing %q: %w", runID, listingID, err)
	}
	return nil
}

// SeenListingIDs returns the listing ids a run's batch contained.
func (r *AuditRepository) SeenListingIDs(ctx context.Context, runID string) ([]string, error) {
	rows, err := r.queryer().Query(ctx, `
SELECT listing_id FROM agency_run_listings WHERE run_id = $1 ORDER BY listing_id
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list listings seen by run %s: %w", runID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan listings seen by run %s: %w", runID, err)
	}
	return ids, nil
}
