package linker_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/linker"
	"github.com/meridianmsp/posturepipe/pkg/relationship"
	"github.com/meridianmsp/posturepipe/pkg/repository"
	"github.com/meridianmsp/posturepipe/pkg/repository/memstore"
)

type noopBroker struct{}

func (*noopBroker) Publish(ctx context.Context, topic string, event any) error { return nil }

// groupsExtractor reads a fake normalizedData.groupIds field to derive
// member_of edges, mirroring how an identity->group extractor would read
// Microsoft Graph's memberOf payload (§4.6 step 2).
func groupsExtractor(byExternalID map[string]uuid.UUID) linker.Extractor {
	return func(e *entity.Entity) []linker.DesiredEdge {
		raw, ok := e.NormalizedData["groupIds"]
		if !ok {
			return nil
		}
		ids, _ := raw.([]string)
		var out []linker.DesiredEdge
		for _, extID := range ids {
			gid, ok := byExternalID[extID]
			if !ok {
				continue
			}
			out = append(out, linker.DesiredEdge{ParentEntityID: gid, ChildEntityID: e.ID, Type: relationship.TypeMemberOf})
		}
		return out
	}
}

func TestHandleProcessedInsertsDesiredEdges(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	dsID, tenantID := uuid.New(), uuid.New()
	group := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeGroups, ExternalID: "group-1"}
	require.NoError(t, store.Entities().Upsert(ctx, group))

	user := &entity.Entity{
		ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeIdentities, ExternalID: "user-1",
		NormalizedData: map[string]any{"groupIds": []string{"group-1"}},
	}
	require.NoError(t, store.Entities().Upsert(ctx, user))

	byExternalID := map[string]uuid.UUID{"group-1": group.ID}
	l := linker.New(store, &noopBroker{}, map[entity.Type]linker.Extractor{
		entity.TypeIdentities: groupsExtractor(byExternalID),
	})

	err := l.HandleProcessed(ctx, linker.ProcessedEvent{
		SyncID: "sync-1", TenantID: tenantID, DataSourceID: dsID,
		EntityType: entity.TypeIdentities, ChangedEntityIDs: []uuid.UUID{user.ID},
	})
	require.NoError(t, err)

	rels, err := store.Relationships().List(ctx, repository.RelationshipFilter{DataSourceID: dsID})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, group.ID, rels[0].ParentEntityID)
	assert.Equal(t, user.ID, rels[0].ChildEntityID)
	assert.Equal(t, relationship.TypeMemberOf, rels[0].RelationshipType)
}

func TestHandleProcessedSoftDeletesEdgesNoLongerDesired(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	dsID, tenantID := uuid.New(), uuid.New()
	group := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeGroups, ExternalID: "group-1"}
	require.NoError(t, store.Entities().Upsert(ctx, group))
	user := &entity.Entity{
		ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeIdentities, ExternalID: "user-1",
		NormalizedData: map[string]any{"groupIds": []string{"group-1"}},
	}
	require.NoError(t, store.Entities().Upsert(ctx, user))

	byExternalID := map[string]uuid.UUID{"group-1": group.ID}
	l := linker.New(store, &noopBroker{}, map[entity.Type]linker.Extractor{
		entity.TypeIdentities: groupsExtractor(byExternalID),
	})
	require.NoError(t, l.HandleProcessed(ctx, linker.ProcessedEvent{
		SyncID: "sync-1", TenantID: tenantID, DataSourceID: dsID,
		EntityType: entity.TypeIdentities, ChangedEntityIDs: []uuid.UUID{user.ID},
	}))

	// Re-sync the same user with no groups: the membership edge must be dropped.
	user.NormalizedData = map[string]any{"groupIds": []string{}}
	require.NoError(t, store.Entities().Upsert(ctx, user))
	require.NoError(t, l.HandleProcessed(ctx, linker.ProcessedEvent{
		SyncID: "sync-2", TenantID: tenantID, DataSourceID: dsID,
		EntityType: entity.TypeIdentities, ChangedEntityIDs: []uuid.UUID{user.ID},
	}))

	rels, err := store.Relationships().List(ctx, repository.RelationshipFilter{DataSourceID: dsID})
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestHandleProcessedIgnoresEntityTypesWithoutAnExtractor(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := linker.New(store, &noopBroker{}, map[entity.Type]linker.Extractor{})

	err := l.HandleProcessed(ctx, linker.ProcessedEvent{
		SyncID: "sync-1", EntityType: entity.TypeEndpoints, ChangedEntityIDs: []uuid.UUID{uuid.New()},
	})
	assert.NoError(t, err)
}
