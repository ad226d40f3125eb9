package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/repository"
)

type entityRepo struct{ db DBTX }

const entityColumns = `id, tenant_id, integration_id, data_source_id, external_id, entity_type,
	site_id, state, data_hash, raw_data, normalized_data, tags, sync_id, last_seen_at,
	created_at, updated_at, deleted_at`

func scanEntity(row interface{ Scan(...any) error }) (*entity.Entity, error) {
	var (
		e      entity.Entity
		raw    []byte
		normal []byte
		tags   []byte
	)
	if err := row.Scan(
		&e.ID, &e.TenantID, &e.IntegrationID, &e.DataSourceID, &e.ExternalID, &e.EntityType,
		&e.SiteID, &e.State, &e.DataHash, &raw, &normal, &tags, &e.SyncID, &e.LastSeenAt,
		&e.CreatedAt, &e.UpdatedAt, &e.DeletedAt,
	); err != nil {
		return nil, translateNotFound(err)
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &e.RawData)
	}
	if len(normal) > 0 {
		_ = json.Unmarshal(normal, &e.NormalizedData)
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &e.Tags)
	}
	return &e, nil
}

func (r *entityRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Entity, error) {
	row := r.db.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("getting entity %s: %w", id, err)
	}
	return e, nil
}

// GetByExternalID is the by_external_id index.
func (r *entityRepo) GetByExternalID(ctx context.Context, dataSourceID uuid.UUID, externalID string) (*entity.Entity, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE data_source_id = $1 AND external_id = $2`, dataSourceID, externalID)
	e, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("getting entity by external id %s/%s: %w", dataSourceID, externalID, err)
	}
	return e, nil
}

// Upsert is the keyed, idempotent insert-or-patch on (data_source_id, external_id) (§4.5).
func (r *entityRepo) Upsert(ctx context.Context, e *entity.Entity) error {
	raw, err := json.Marshal(e.RawData)
	if err != nil {
		return fmt.Errorf("marshaling entity raw data: %w", err)
	}
	normal, err := json.Marshal(e.NormalizedData)
	if err != nil {
		return fmt.Errorf("marshaling entity normalized data: %w", err)
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("marshaling entity tags: %w", err)
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO entities (
			tenant_id, integration_id, data_source_id, external_id, entity_type,
			site_id, state, data_hash, raw_data, normalized_data, tags, sync_id, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (data_source_id, external_id) DO UPDATE SET
			site_id = EXCLUDED.site_id,
			data_hash = EXCLUDED.data_hash,
			raw_data = EXCLUDED.raw_data,
			normalized_data = EXCLUDED.normalized_data,
			sync_id = EXCLUDED.sync_id,
			last_seen_at = EXCLUDED.last_seen_at,
			deleted_at = NULL,
			updated_at = now()
		RETURNING `+entityColumns,
		e.TenantID, e.IntegrationID, e.DataSourceID, e.ExternalID, e.EntityType,
		e.SiteID, e.State, e.DataHash, raw, normal, tags, e.SyncID, e.LastSeenAt)
	updated, err := scanEntity(row)
	if err != nil {
		return fmt.Errorf("upserting entity %s/%s: %w", e.DataSourceID, e.ExternalID, err)
	}
	*e = *updated
	return nil
}

func (r *entityRepo) UpdateState(ctx context.Context, id uuid.UUID, state entity.State) error {
	tag, err := r.db.Exec(ctx, `UPDATE entities SET state = $2, updated_at = now() WHERE id = $1`, id, state)
	if err != nil {
		return fmt.Errorf("updating entity %s state: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating entity %s state: not found", id)
	}
	return nil
}

// UpdateTags patches only the UI tag list, written by the Alert manager
// after tag synthesis and before committing state (§4.8 tag synthesis).
func (r *entityRepo) UpdateTags(ctx context.Context, id uuid.UUID, tags []string) error {
	raw, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshaling entity tags: %w", err)
	}
	tag, err := r.db.Exec(ctx, `UPDATE entities SET tags = $2, updated_at = now() WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("updating entity %s tags: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating entity %s tags: not found", id)
	}
	return nil
}

// List dispatches on whichever of by_tenant / by_data_source / by_data_source_type /
// by_site_type / by_sync_id the filter satisfies, never issuing a full scan.
func (r *entityRepo) List(ctx context.Context, f repository.EntityFilter) ([]*entity.Entity, error) {
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, `deleted_at IS NULL`)
	}
	if f.TenantID != uuid.Nil {
		clauses = append(clauses, `tenant_id = `+arg(f.TenantID))
	}
	if f.DataSourceID != uuid.Nil {
		clauses = append(clauses, `data_source_id = `+arg(f.DataSourceID))
	}
	if f.SiteID != uuid.Nil {
		clauses = append(clauses, `site_id = `+arg(f.SiteID))
	}
	if f.EntityType != "" {
		clauses = append(clauses, `entity_type = `+arg(f.EntityType))
	}
	if f.SyncID != "" {
		clauses = append(clauses, `sync_id = `+arg(f.SyncID))
	}
	if f.ExcludeSyncID != "" {
		clauses = append(clauses, `sync_id != `+arg(f.ExcludeSyncID))
	}
	query := `SELECT ` + entityColumns + ` FROM entities`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()
	var out []*entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *entityRepo) SoftDeleteMany(ctx context.Context, ids []uuid.UUID, deletedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `UPDATE entities SET deleted_at = $2, updated_at = now() WHERE id = ANY($1)`, ids, deletedAt)
	if err != nil {
		return fmt.Errorf("soft-deleting %d entities: %w", len(ids), err)
	}
	return nil
}

func (r *entityRepo) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM entities WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging deleted entities: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
