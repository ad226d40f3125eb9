package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/tenant"
)

type siteRepo struct{ db DBTX }

const siteColumns = `id, tenant_id, name, psa_ref, rmm_ref, created_at, updated_at, deleted_at`

func scanSite(row interface{ Scan(...any) error }) (*tenant.Site, error) {
	var s tenant.Site
	if err := row.Scan(&s.ID, &s.TenantID, &s.Name, &s.PSARef, &s.RMMRef, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt); err != nil {
		return nil, translateNotFound(err)
	}
	return &s, nil
}

func (r *siteRepo) Get(ctx context.Context, id uuid.UUID) (*tenant.Site, error) {
	row := r.db.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, id)
	s, err := scanSite(row)
	if err != nil {
		return nil, fmt.Errorf("getting site %s: %w", id, err)
	}
	return s, nil
}

func (r *siteRepo) Create(ctx context.Context, s *tenant.Site) error {
	row := r.db.QueryRow(ctx, `
		INSERT INTO sites (tenant_id, name, psa_ref, rmm_ref)
		VALUES ($1, $2, $3, $4)
		RETURNING `+siteColumns,
		s.TenantID, s.Name, s.PSARef, s.RMMRef)
	created, err := scanSite(row)
	if err != nil {
		return fmt.Errorf("creating site: %w", err)
	}
	*s = *created
	return nil
}

// ListByTenant is the by_tenant index.
func (r *siteRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*tenant.Site, error) {
	rows, err := r.db.Query(ctx, `SELECT `+siteColumns+` FROM sites WHERE tenant_id = $1 AND deleted_at IS NULL`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing sites for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()
	var out []*tenant.Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning site row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
