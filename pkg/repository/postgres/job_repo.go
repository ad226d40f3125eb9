package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/job"
	"github.com/meridianmsp/posturepipe/pkg/repository"
)

type jobRepo struct{ db DBTX }

const jobColumns = `id, tenant_id, sync_id, integration_id, integration_slug, data_source_id,
	action, entity_type, payload, priority, status, attempts, attempts_max,
	scheduled_at, started_at, next_retry_at, error, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*job.Job, error) {
	var (
		j   job.Job
		raw []byte
	)
	if err := row.Scan(
		&j.ID, &j.TenantID, &j.SyncID, &j.IntegrationID, &j.IntegrationSlug, &j.DataSourceID,
		&j.Action, &j.EntityType, &raw, &j.Priority, &j.Status, &j.Attempts, &j.AttemptsMax,
		&j.ScheduledAt, &j.StartedAt, &j.NextRetryAt, &j.Error, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, translateNotFound(err)
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &j.Payload)
	}
	return &j, nil
}

func (r *jobRepo) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return j, nil
}

func (r *jobRepo) Create(ctx context.Context, j *job.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO scheduled_jobs (
			tenant_id, sync_id, integration_id, integration_slug, data_source_id,
			action, entity_type, payload, priority, status, attempts, attempts_max, scheduled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+jobColumns,
		j.TenantID, j.SyncID, j.IntegrationID, j.IntegrationSlug, j.DataSourceID,
		j.Action, j.EntityType, payload, j.Priority, j.Status, j.Attempts, j.AttemptsMax, j.ScheduledAt)
	created, err := scanJob(row)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	*j = *created
	return nil
}

func (r *jobRepo) Update(ctx context.Context, j *job.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}
	row := r.db.QueryRow(ctx, `
		UPDATE scheduled_jobs SET
			status = $2, attempts = $3, started_at = $4, next_retry_at = $5,
			error = $6, payload = $7, updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		j.ID, j.Status, j.Attempts, j.StartedAt, j.NextRetryAt, j.Error, payload)
	updated, err := scanJob(row)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", j.ID, err)
	}
	*j = *updated
	return nil
}

// List dispatches on whichever of by_data_source_status / by_pending_due /
// by_priority_and_scheduled_at the filter satisfies.
func (r *jobRepo) List(ctx context.Context, f repository.JobFilter) ([]*job.Job, error) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.DataSourceID != uuid.Nil {
		clauses = append(clauses, `data_source_id = `+arg(f.DataSourceID))
	}
	if f.Action != "" {
		clauses = append(clauses, `action = `+arg(f.Action))
	}
	if f.Status != "" {
		clauses = append(clauses, `status = `+arg(f.Status))
	}
	if !f.DueBefore.IsZero() {
		clauses = append(clauses, `scheduled_at <= `+arg(f.DueBefore))
	}
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY priority DESC, scheduled_at ASC`
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CompareAndSetStatus claims a job atomically so exactly one worker runs it (§5).
func (r *jobRepo) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to job.Status) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_jobs SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("claiming job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}
