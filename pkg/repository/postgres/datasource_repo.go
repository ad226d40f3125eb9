package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/datasource"
)

type dataSourceRepo struct{ db DBTX }

const dataSourceColumns = `id, tenant_id, site_id, integration_id, integration_slug, config,
	is_primary, status, credential_expiration_at, last_sync_at, current_sync_id, last_error,
	created_at, updated_at, deleted_at`

func scanDataSource(row interface{ Scan(...any) error }) (*datasource.DataSource, error) {
	var (
		d           datasource.DataSource
		rawConfig   []byte
		lastSyncRaw []byte
	)
	if err := row.Scan(
		&d.ID, &d.TenantID, &d.SiteID, &d.IntegrationID, &d.IntegrationSlug, &rawConfig,
		&d.IsPrimary, &d.Status, &d.CredentialExpirationAt, &lastSyncRaw, &d.CurrentSyncID, &d.LastError,
		&d.CreatedAt, &d.UpdatedAt, &d.DeletedAt,
	); err != nil {
		return nil, translateNotFound(err)
	}
	d.Config = datasource.NewConfig(rawConfig)
	if len(lastSyncRaw) > 0 {
		_ = json.Unmarshal(lastSyncRaw, &d.LastSyncAt)
	}
	if d.LastSyncAt == nil {
		d.LastSyncAt = map[string]time.Time{}
	}
	return &d, nil
}

func (r *dataSourceRepo) Get(ctx context.Context, id uuid.UUID) (*datasource.DataSource, error) {
	row := r.db.QueryRow(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE id = $1`, id)
	d, err := scanDataSource(row)
	if err != nil {
		return nil, fmt.Errorf("getting data source %s: %w", id, err)
	}
	return d, nil
}

func (r *dataSourceRepo) Create(ctx context.Context, d *datasource.DataSource) error {
	lastSync, _ := json.Marshal(d.LastSyncAt)
	row := r.db.QueryRow(ctx, `
		INSERT INTO data_sources (
			tenant_id, site_id, integration_id, integration_slug, config,
			is_primary, status, credential_expiration_at, last_sync_at, current_sync_id, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+dataSourceColumns,
		d.TenantID, d.SiteID, d.IntegrationID, d.IntegrationSlug, []byte(d.Config.Raw()),
		d.IsPrimary, d.Status, d.CredentialExpirationAt, lastSync, d.CurrentSyncID, d.LastError)
	created, err := scanDataSource(row)
	if err != nil {
		return fmt.Errorf("creating data source: %w", err)
	}
	*d = *created
	return nil
}

func (r *dataSourceRepo) Update(ctx context.Context, d *datasource.DataSource) error {
	lastSync, _ := json.Marshal(d.LastSyncAt)
	row := r.db.QueryRow(ctx, `
		UPDATE data_sources SET
			site_id = $2, config = $3, is_primary = $4, status = $5,
			credential_expiration_at = $6, last_sync_at = $7, current_sync_id = $8,
			last_error = $9, updated_at = now()
		WHERE id = $1
		RETURNING `+dataSourceColumns,
		d.ID, d.SiteID, []byte(d.Config.Raw()), d.IsPrimary, d.Status,
		d.CredentialExpirationAt, lastSync, d.CurrentSyncID, d.LastError)
	updated, err := scanDataSource(row)
	if err != nil {
		return fmt.Errorf("updating data source %s: %w", d.ID, err)
	}
	*d = *updated
	return nil
}

// ListSchedulable is the Scheduler's driving query (§4.3): every active,
// non-expired, non-deleted data source across all tenants.
func (r *dataSourceRepo) ListSchedulable(ctx context.Context, now time.Time) ([]*datasource.DataSource, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+dataSourceColumns+` FROM data_sources
		WHERE status = 'active' AND deleted_at IS NULL
		  AND (credential_expiration_at IS NULL OR credential_expiration_at > $1)`, now)
	if err != nil {
		return nil, fmt.Errorf("listing schedulable data sources: %w", err)
	}
	defer rows.Close()
	var out []*datasource.DataSource
	for rows.Next() {
		d, err := scanDataSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning data source row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListByTenant is the by_tenant index.
func (r *dataSourceRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*datasource.DataSource, error) {
	rows, err := r.db.Query(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE tenant_id = $1 AND deleted_at IS NULL`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing data sources for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()
	var out []*datasource.DataSource
	for rows.Next() {
		d, err := scanDataSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning data source row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
