// Package agencies defines the agencies whose scrape parameters drive runs.
package agencies

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when an agency does not exist.
var ErrNotFound = errors.New("agency not found")

// Agency is an externally owned tenant. Its Points are passed to the scraper
// verbatim, so they stay raw JSON here.
type Agency struct {
	ID        string
	Name      string
	Points    json.RawMessage
	Operation string
	MaxItems  int
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertParams contains the fields used to create or update an agency.
type UpsertParams struct {
	ID        string
	Name      string
	Points    json.RawMessage
	Operation string
	MaxItems  int
	Enabled   bool
}

// Repository defines the persistence interface for agencies.
type Repository interface {
	// Get returns an agency by id or ErrNotFound.
	Get(ctx context.Context, id string) (*Agency, error)

	// List returns agencies ordered by id. With enabledOnly set, disabled
	// agencies are skipped (the daily dispatch uses this).
	List(ctx context.Context, enabledOnly bool) ([]Agency, error)

	// Upsert inserts or updates an agency by id (YAML sync).
	Upsert(ctx context.Context, params UpsertParams) (*Agency, error)
}
