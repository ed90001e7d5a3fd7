// Package storage declares the persistence boundary shared by the CLI, the
// HTTP server and the job workers.
package storage

import (
	"context"

	"github.com/casafeed/server/internal/domain/agencies"
	"github.com/casafeed/server/internal/domain/listings"
	"github.com/casafeed/server/internal/domain/runs"
)

// Repository groups data access by domain.
type Repository interface {
	Agencies() agencies.Repository
	Runs() runs.Tracker
	Listings() listings.Store
	Ownership() listings.Ledger
	Audit() listings.AuditLog

	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Ping(ctx context.Context) error
}
