package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/alert"
	"github.com/meridianmsp/posturepipe/pkg/repository"
)

type alertRepo struct{ db DBTX }

const alertColumns = `id, tenant_id, data_source_id, entity_id, alert_type, severity, status,
	fingerprint, message, metadata, last_seen_at, resolved_at, suppressed_at, suppressed_until,
	created_at, updated_at`

func scanAlert(row interface{ Scan(...any) error }) (*alert.Alert, error) {
	var (
		a   alert.Alert
		raw []byte
	)
	if err := row.Scan(
		&a.ID, &a.TenantID, &a.DataSourceID, &a.EntityID, &a.AlertType, &a.Severity, &a.Status,
		&a.Fingerprint, &a.Message, &raw, &a.LastSeenAt, &a.ResolvedAt, &a.SuppressedAt, &a.SuppressedUntil,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, translateNotFound(err)
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &a.Metadata)
	}
	return &a, nil
}

func (r *alertRepo) Get(ctx context.Context, id uuid.UUID) (*alert.Alert, error) {
	row := r.db.QueryRow(ctx, `SELECT `+alertColumns+` FROM entity_alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err != nil {
		return nil, fmt.Errorf("getting alert %s: %w", id, err)
	}
	return a, nil
}

// List dispatches on whichever of by_entity_status / by_fingerprint /
// by_data_source_status_type / by_tenant_status_severity the filter satisfies.
func (r *alertRepo) List(ctx context.Context, f repository.AlertFilter) ([]*alert.Alert, error) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.EntityID != uuid.Nil {
		clauses = append(clauses, `entity_id = `+arg(f.EntityID))
	}
	if f.Status != "" {
		clauses = append(clauses, `status = `+arg(f.Status))
	}
	if f.Fingerprint != "" {
		clauses = append(clauses, `fingerprint = `+arg(f.Fingerprint))
	}
	if f.DataSourceID != uuid.Nil {
		clauses = append(clauses, `data_source_id = `+arg(f.DataSourceID))
	}
	if len(f.AlertTypes) > 0 {
		clauses = append(clauses, `alert_type = ANY(`+arg(f.AlertTypes)+`)`)
	}
	if f.TenantID != uuid.Nil {
		clauses = append(clauses, `tenant_id = `+arg(f.TenantID))
	}
	if f.Severity != "" {
		clauses = append(clauses, `severity = `+arg(f.Severity))
	}
	query := `SELECT ` + alertColumns + ` FROM entity_alerts`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	defer rows.Close()
	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// BatchUpsert commits one analysis run's alert changes idempotently, keyed by
// alert ID (§4.9 write policy): each alert either already has an ID (an
// update from List) or is a fresh finding keyed by fingerprint.
func (r *alertRepo) BatchUpsert(ctx context.Context, alerts []*alert.Alert) error {
	for _, a := range alerts {
		meta, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling alert metadata: %w", err)
		}
		row := r.db.QueryRow(ctx, `
			INSERT INTO entity_alerts (
				id, tenant_id, data_source_id, entity_id, alert_type, severity, status,
				fingerprint, message, metadata, last_seen_at, resolved_at, suppressed_at, suppressed_until
			) VALUES (COALESCE($1, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (fingerprint) DO UPDATE SET
				severity = EXCLUDED.severity,
				status = EXCLUDED.status,
				message = EXCLUDED.message,
				metadata = EXCLUDED.metadata,
				last_seen_at = EXCLUDED.last_seen_at,
				resolved_at = EXCLUDED.resolved_at,
				suppressed_at = EXCLUDED.suppressed_at,
				suppressed_until = EXCLUDED.suppressed_until,
				updated_at = now()
			RETURNING `+alertColumns,
			nullUUID(a.ID), a.TenantID, a.DataSourceID, a.EntityID, a.AlertType, a.Severity, a.Status,
			a.Fingerprint, a.Message, meta, a.LastSeenAt, a.ResolvedAt, a.SuppressedAt, a.SuppressedUntil)
		updated, err := scanAlert(row)
		if err != nil {
			return fmt.Errorf("upserting alert %s: %w", a.Fingerprint, err)
		}
		*a = *updated
	}
	return nil
}

func (r *alertRepo) PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM entity_alerts WHERE status = 'resolved' AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging resolved alerts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// nullUUID passes nil instead of the zero UUID so COALESCE(..., gen_random_uuid())
// assigns a fresh id for brand-new alerts.
func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
