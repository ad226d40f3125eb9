package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/tenant"
)

type tenantRepo struct{ db DBTX }

const tenantColumns = `id, name, status, concurrent_job_limit, created_at, updated_at, deleted_at`

func scanTenant(row interface{ Scan(...any) error }) (*tenant.Tenant, error) {
	var t tenant.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Status, &t.ConcurrentJobLimit, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt); err != nil {
		return nil, translateNotFound(err)
	}
	return &t, nil
}

func (r *tenantRepo) Get(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if err != nil {
		return nil, fmt.Errorf("getting tenant %s: %w", id, err)
	}
	return t, nil
}

func (r *tenantRepo) Create(ctx context.Context, t *tenant.Tenant) error {
	row := r.db.QueryRow(ctx, `
		INSERT INTO tenants (name, status, concurrent_job_limit)
		VALUES ($1, $2, $3)
		RETURNING `+tenantColumns,
		t.Name, t.Status, t.ConcurrentJobLimit)
	created, err := scanTenant(row)
	if err != nil {
		return fmt.Errorf("creating tenant: %w", err)
	}
	*t = *created
	return nil
}

func (r *tenantRepo) Update(ctx context.Context, t *tenant.Tenant) error {
	row := r.db.QueryRow(ctx, `
		UPDATE tenants SET name = $2, status = $3, concurrent_job_limit = $4, updated_at = now()
		WHERE id = $1
		RETURNING `+tenantColumns,
		t.ID, t.Name, t.Status, t.ConcurrentJobLimit)
	updated, err := scanTenant(row)
	if err != nil {
		return fmt.Errorf("updating tenant %s: %w", t.ID, err)
	}
	*t = *updated
	return nil
}

func (r *tenantRepo) ListActive(ctx context.Context) ([]*tenant.Tenant, error) {
	rows, err := r.db.Query(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE status = 'active' AND deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing active tenants: %w", err)
	}
	defer rows.Close()
	var out []*tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
