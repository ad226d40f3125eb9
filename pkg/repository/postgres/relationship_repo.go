package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/relationship"
	"github.com/meridianmsp/posturepipe/pkg/repository"
)

type relationshipRepo struct{ db DBTX }

const relationshipColumns = `id, tenant_id, data_source_id, parent_entity_id, child_entity_id,
	relationship_type, sync_id, last_seen_at, created_at, updated_at, deleted_at`

func scanRelationship(row interface{ Scan(...any) error }) (*relationship.Relationship, error) {
	var rel relationship.Relationship
	if err := row.Scan(
		&rel.ID, &rel.TenantID, &rel.DataSourceID, &rel.ParentEntityID, &rel.ChildEntityID,
		&rel.RelationshipType, &rel.SyncID, &rel.LastSeenAt, &rel.CreatedAt, &rel.UpdatedAt, &rel.DeletedAt,
	); err != nil {
		return nil, translateNotFound(err)
	}
	return &rel, nil
}

func (r *relationshipRepo) Get(ctx context.Context, id uuid.UUID) (*relationship.Relationship, error) {
	row := r.db.QueryRow(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id = $1`, id)
	rel, err := scanRelationship(row)
	if err != nil {
		return nil, fmt.Errorf("getting relationship %s: %w", id, err)
	}
	return rel, nil
}

// Upsert is the keyed, idempotent insert-or-touch on (parent, child, type) (§4.6 step 3).
func (r *relationshipRepo) Upsert(ctx context.Context, rel *relationship.Relationship) error {
	row := r.db.QueryRow(ctx, `
		INSERT INTO relationships (
			tenant_id, data_source_id, parent_entity_id, child_entity_id,
			relationship_type, sync_id, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (parent_entity_id, child_entity_id, relationship_type) DO UPDATE SET
			sync_id = EXCLUDED.sync_id,
			last_seen_at = EXCLUDED.last_seen_at,
			deleted_at = NULL,
			updated_at = now()
		RETURNING `+relationshipColumns,
		rel.TenantID, rel.DataSourceID, rel.ParentEntityID, rel.ChildEntityID,
		rel.RelationshipType, rel.SyncID, rel.LastSeenAt)
	updated, err := scanRelationship(row)
	if err != nil {
		return fmt.Errorf("upserting relationship %s->%s: %w", rel.ParentEntityID, rel.ChildEntityID, err)
	}
	*rel = *updated
	return nil
}

// List dispatches on whichever of by_parent / by_parent_type / by_child_type /
// by_data_source_type the filter satisfies.
func (r *relationshipRepo) List(ctx context.Context, f repository.RelationshipFilter) ([]*relationship.Relationship, error) {
	clauses := []string{`deleted_at IS NULL`}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ParentEntityID != uuid.Nil {
		clauses = append(clauses, `parent_entity_id = `+arg(f.ParentEntityID))
	}
	if f.ChildEntityID != uuid.Nil {
		clauses = append(clauses, `child_entity_id = `+arg(f.ChildEntityID))
	}
	if f.RelationshipType != "" {
		clauses = append(clauses, `relationship_type = `+arg(f.RelationshipType))
	}
	if f.DataSourceID != uuid.Nil {
		clauses = append(clauses, `data_source_id = `+arg(f.DataSourceID))
	}
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE ` + strings.Join(clauses, " AND ")
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing relationships: %w", err)
	}
	defer rows.Close()
	var out []*relationship.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning relationship row: %w", err)
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (r *relationshipRepo) SoftDeleteMany(ctx context.Context, ids []uuid.UUID, deletedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `UPDATE relationships SET deleted_at = $2, updated_at = now() WHERE id = ANY($1)`, ids, deletedAt)
	if err != nil {
		return fmt.Errorf("soft-deleting %d relationships: %w", len(ids), err)
	}
	return nil
}

func (r *relationshipRepo) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM relationships WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging deleted relationships: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
