package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/casafeed/server/internal/domain/listings"
)

var _ listings.Store = (*ListingRepository)(nil)

// ListingRepository implements listings.Store. Provenance columns are only
// written by the INSERT arm of the upsert; the trigger in the schema rejects
// any later change to them.
type ListingRepository struct {
	conn
}

const listingColumns = `id, title, city, province, price, url, raw, first_seen_at, source_agency_id, updated_at`

func (r *ListingRepository) Get(ctx context.Context, id string) (_ *listings.Listing, err error) {
	defer observe("get_listing", time.Now(), &err)

	row := r.queryer().QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	listing, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, listings.ErrNotFound
		}
		return nil, fmt.Errorf("get listing %q: %w", id, err)
	}
	return listing, nil
}

func (r *ListingRepository) Upsert(ctx context.Context, params listings.UpsertParams) (_ *listings.Listing, err error) {
	defer observe("upsert_listing", time.Now(), &err)

	l := params.Listing
	if l.ID == "" {
		return nil, fmt.Errorf("upsert listing: empty id")
	}
	if params.SourceAgencyID == "" {
		return nil, fmt.Errorf("upsert listing %q: empty source agency", l.ID)
	}
	seenAt := params.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}

	row := r.queryer().QueryRow(ctx, `
INSERT INTO listings (id, title, city, province, price, url, raw, first_seen_at, source_agency_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $8)
ON CONFLICT (id) DO UPDATE
   SET title      = EXCLUDED.title,
       city       = EXCLUDED.city,
       province   = EXCLUDED.province,
       price      = EXCLUDED.price,
       url        = EXCLUDED.url,
       raw        = EXCLUDED.raw,
       updated_at = EXCLUDED.updated_at
RETURNING `+listingColumns,
		l.ID, l.Title, l.City, l.Province, l.Price, l.URL, jsonOrNil(l.Raw),
		seenAt, params.SourceAgencyID,
	)
	stored, err := scanListing(row)
	if err != nil {
		return nil, fmt.Errorf("upsert listing %q: %w", l.ID, err)
	}
	return stored, nil
}

func scanListing(row pgx.Row) (*listings.Listing, error) {
	var (
		l   listings.Listing
		raw []byte
	)
	if err := row.Scan(
		&l.ID,
		&l.Title,
		&l.City,
		&l.Province,
		&l.Price,
		&l.URL,
		&raw,
		&l.FirstSeenAt,
		&l.SourceAgencyID,
		&l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		l.Raw = raw
	}
	return &l, nil
}
