// Package linker materializes relationships between already-processed
// entities (§4.6 C7). One Linker is configured per integration; it is
// subscribed to processed.<type> events for the entity types that
// integration produces edges from.
package linker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/relationship"
	"github.com/meridianmsp/posturepipe/pkg/repository"
)

// Publisher is the narrow slice of queue.Broker the linker needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// ProcessedEvent mirrors processor.ProcessedEvent plus an IntegrationSlug,
// which processor.ProcessedEvent does not carry and the caller fills in;
// redeclared here instead of imported to keep linker decoupled from the
// processor package (both depend only on the wire shape, per §6).
type ProcessedEvent struct {
	SyncID           string      `json:"syncId"`
	TenantID         uuid.UUID   `json:"tenantId"`
	DataSourceID     uuid.UUID   `json:"dataSourceId"`
	IntegrationSlug  string      `json:"integrationSlug"`
	EntityType       entity.Type `json:"entityType"`
	ChangedEntityIDs []uuid.UUID `json:"changedEntityIds"`
}

// LinkedEvent is published downstream to the context loader/analyzer (§6).
type LinkedEvent struct {
	SyncID           string      `json:"syncId"`
	TenantID         uuid.UUID   `json:"tenantId"`
	DataSourceID     uuid.UUID   `json:"dataSourceId"`
	IntegrationSlug  string      `json:"integrationSlug"`
	EntityType       entity.Type `json:"entityType"`
	ChangedEntityIDs []uuid.UUID `json:"changedEntityIds"`
}

// DesiredEdge is one edge the linker's extraction logic derived from an
// entity's normalizedData, before diffing against what's already stored.
type DesiredEdge struct {
	ParentEntityID uuid.UUID
	ChildEntityID  uuid.UUID
	Type           relationship.Type
}

// Extractor derives the desired edge set for one re-synced entity from its
// normalizedData (§4.6 step 2: identity.groups, role.members,
// policy.conditions.users, license.assignedTo, ...). Each integration
// registers the extractors relevant to the entity types it produces.
type Extractor func(e *entity.Entity) []DesiredEdge

// Linker diffs desired vs. existing relationships per data source (§4.6).
type Linker struct {
	store      repository.Store
	broker     Publisher
	extractors map[entity.Type]Extractor
}

// New builds a Linker with the integration's extractor functions, keyed by
// the entity type whose normalizedData they read edges from.
func New(store repository.Store, broker Publisher, extractors map[entity.Type]Extractor) *Linker {
	return &Linker{store: store, broker: broker, extractors: extractors}
}

// HandleProcessed runs the diff algorithm of §4.6 for one processed.<type>
// event and publishes linked.<scope>.
func (l *Linker) HandleProcessed(ctx context.Context, ev ProcessedEvent) error {
	extract, ok := l.extractors[ev.EntityType]
	if !ok {
		return nil // this integration doesn't author edges from this entity type
	}

	var desired []DesiredEdge
	for _, id := range ev.ChangedEntityIDs {
		e, err := l.store.Entities().Get(ctx, id)
		if err != nil {
			continue // entity may have been swept between processed and link; skip
		}
		desired = append(desired, extract(e)...)
	}

	// 1. Load existing relationships scoped to this data source (by_data_source_type).
	existing, err := l.store.Relationships().List(ctx, repository.RelationshipFilter{
		DataSourceID: ev.DataSourceID,
	})
	if err != nil {
		return fmt.Errorf("listing existing relationships: %w", err)
	}

	existingByKey := make(map[relationship.Key]*relationship.Relationship, len(existing))
	for _, r := range existing {
		existingByKey[r.Key()] = r
	}
	desiredKeys := make(map[relationship.Key]bool, len(desired))

	changedEntities := map[uuid.UUID]bool{}

	// 2-3a. Insert edges present in desired but not existing; touch lastSeenAt
	// on edges present in both.
	for _, d := range desired {
		key := relationship.Key{ParentEntityID: d.ParentEntityID, ChildEntityID: d.ChildEntityID, RelationshipType: d.Type}
		desiredKeys[key] = true
		rel := &relationship.Relationship{
			TenantID:         ev.TenantID,
			DataSourceID:     ev.DataSourceID,
			ParentEntityID:   d.ParentEntityID,
			ChildEntityID:    d.ChildEntityID,
			RelationshipType: d.Type,
			SyncID:           ev.SyncID,
		}
		if err := l.store.Relationships().Upsert(ctx, rel); err != nil {
			return fmt.Errorf("upserting relationship %s->%s: %w", d.ParentEntityID, d.ChildEntityID, err)
		}
		changedEntities[d.ParentEntityID] = true
		changedEntities[d.ChildEntityID] = true
	}

	// 3b. Soft-delete edges present in existing but not desired, but only for
	// edges this data source owns the source-of-truth side of (tie-breaking,
	// §4.6: "only the owning linker may delete it" — enforced here simply by
	// scoping existing/desired to this ev.DataSourceID throughout).
	var toDelete []uuid.UUID
	for key, r := range existingByKey {
		if !desiredKeys[key] {
			toDelete = append(toDelete, r.ID)
			changedEntities[r.ParentEntityID] = true
			changedEntities[r.ChildEntityID] = true
		}
	}
	if len(toDelete) > 0 {
		if err := l.store.Relationships().SoftDeleteMany(ctx, toDelete, time.Now()); err != nil {
			return fmt.Errorf("soft-deleting %d relationships: %w", len(toDelete), err)
		}
	}

	ids := make([]uuid.UUID, 0, len(changedEntities))
	for id := range changedEntities {
		ids = append(ids, id)
	}

	return l.broker.Publish(ctx, "linked."+string(ev.EntityType), LinkedEvent{
		SyncID:           ev.SyncID,
		TenantID:         ev.TenantID,
		DataSourceID:     ev.DataSourceID,
		IntegrationSlug:  ev.IntegrationSlug,
		EntityType:       ev.EntityType,
		ChangedEntityIDs: ids,
	})
}
