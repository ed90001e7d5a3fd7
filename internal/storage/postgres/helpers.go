package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casafeed/server/internal/metrics"
)

const uniqueViolation = "23505"

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// conn bundles a pool with an optional transaction; repositories embed it.
type conn struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func (c conn) queryer() queryer {
	if c.tx != nil {
		return c.tx
	}
	return c.pool
}

// isUniqueViolation reports whether err is a unique violation, optionally on
// a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// observe records query metrics; call it deferred with a pointer to the
// named error result.
func observe(operation string, start time.Time, err *error) {
	var recorded error
	if err != nil && *err != nil && !errors.Is(*err, pgx.ErrNoRows) {
		recorded = *err
	}
	metrics.RecordQuery(operation, start, recorded)
}

// textOrNil maps empty strings to NULL.
func textOrNil(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// jsonOrNil keeps NULL for absent JSON documents.
func jsonOrNil(value []byte) []byte {
	if len(value) == 0 {
		return nil
	}
	return value
}
