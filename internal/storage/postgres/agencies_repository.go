package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/casafeed/server/internal/domain/agencies"
)

var _ agencies.Repository = (*AgencyRepository)(nil)

// AgencyRepository implements agencies.Repository.
type AgencyRepository struct {
	conn
}

const agencyColumns = `id, name, points, operation, max_items, enabled, created_at, updated_at`

func (r *AgencyRepository) Get(ctx context.Context, id string) (*agencies.Agency, error) {
	row := r.queryer().QueryRow(ctx, `SELECT `+agencyColumns+` FROM agencies WHERE id = $1`, id)
	agency, err := scanAgency(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, agencies.ErrNotFound
		}
		return nil, fmt.Errorf("get agency %q: %w", id, err)
	}
	return agency, nil
}

func (r *AgencyRepository) List(ctx context.Context, enabledOnly bool) ([]agencies.Agency, error) {
	rows, err := r.queryer().Query(ctx, `
SELECT `+agencyColumns+`
  FROM agencies
 WHERE NOT $1 OR enabled
 ORDER BY id
`, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list agencies: %w", err)
	}
	defer rows.Close()

	var out []agencies.Agency
	for rows.Next() {
		agency, err := scanAgency(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agency: %w", err)
		}
		out = append(out, *agency)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agencies: %w", err)
	}
	return out, nil
}

func (r *AgencyRepository) Upsert(ctx context.Context, params agencies.UpsertParams) (*agencies.Agency, error) {
	row := r.queryer().QueryRow(ctx, `
INSERT INTO agencies (id, name, points, operation, max_items, enabled)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
   SET name = EXCLUDED.name,
       points = EXCLUDED.points,
       operation = EXCLUDED.operation,
       max_items = EXCLUDED.max_items,
       enabled = EXCLUDED.enabled,
       updated_at = now()
RETURNING `+agencyColumns,
		params.ID, params.Name, []byte(params.Points), params.Operation, params.MaxItems, params.Enabled,
	)
	agency, err := scanAgency(row)
	if err != nil {
		return nil, fmt.Errorf("upsert agency %q: %w", params.ID, err)
	}
	return agency, nil
}

func scanAgency(row pgx.Row) (*agencies.Agency, error) {
	var (
		agency agencies.Agency
		points []byte
	)
	if err := row.Scan(
		&agency.ID,
		&agency.Name,
		&points,
		&agency.Operation,
		&agency.MaxItems,
		&agency.Enabled,
		&agency.CreatedAt,
		&agency.UpdatedAt,
	); err != nil {
		return nil, err
	}
	agency.Points = points
	return &agency, nil
}
