package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casafeed/server/internal/domain/agencies"
	"github.com/casafeed/server/internal/domain/listings"
	"github.com/casafeed/server/internal/domain/runs"
	"github.com/casafeed/server/internal/storage"
)

var _ storage.Repository = (*Repository)(nil)

// Repository implements storage.Repository with PostgreSQL.
type Repository struct {
	conn
}

// NewRepository creates a PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	return &Repository{conn: conn{pool: pool}}, nil
}

func (r *Repository) Agencies() agencies.Repository {
	return &AgencyRepository{conn: r.conn}
}

func (r *Repository) Runs() runs.Tracker {
	return &RunRepository{conn: r.conn}
}

func (r *Repository) Listings() listings.Store {
	return &ListingRepository{conn: r.conn}
}

func (r *Repository) Ownership() listings.Ledger {
	return &OwnershipRepository{conn: r.conn}
}

func (r *Repository) Audit() listings.AuditLog {
	return &AuditRepository{conn: r.conn}
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx runs fn inside a transaction. Nested calls reuse the outer one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, storage.Repository) error) error {
	if r.tx != nil {
		return fn(ctx, r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txRepo := &Repository{conn: conn{pool: r.pool, tx: tx}}
	if err := fn(ctx, txRepo); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
