package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/job"
	"github.com/meridianmsp/posturepipe/pkg/relationship"
	"github.com/meridianmsp/posturepipe/pkg/repository"
	"github.com/meridianmsp/posturepipe/pkg/repository/memstore"
)

func relationshipOf(parent, child uuid.UUID) *relationship.Relationship {
	return &relationship.Relationship{ParentEntityID: parent, ChildEntityID: child, RelationshipType: relationship.TypeMemberOf}
}

func TestEntityUpsertIsKeyedOnDataSourceAndExternalID(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	dataSourceID := uuid.New()

	e := &entity.Entity{DataSourceID: dataSourceID, ExternalID: "ext-1", EntityType: entity.TypeIdentities, SyncID: "sync-1"}
	require.NoError(t, store.Entities().Upsert(ctx, e))
	firstID := e.ID
	require.NotEqual(t, uuid.Nil, firstID)

	again := &entity.Entity{DataSourceID: dataSourceID, ExternalID: "ext-1", EntityType: entity.TypeIdentities, SyncID: "sync-2"}
	require.NoError(t, store.Entities().Upsert(ctx, again))
	assert.Equal(t, firstID, again.ID, "upsert on the same external id must reuse the surrogate id")

	fetched, err := store.Entities().GetByExternalID(ctx, dataSourceID, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "sync-2", fetched.SyncID)
}

func TestEntityListExcludeSyncIDFindsSweepCandidates(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	dataSourceID := uuid.New()

	stale := &entity.Entity{DataSourceID: dataSourceID, ExternalID: "stale", EntityType: entity.TypeEndpoints, SyncID: "old-sync"}
	fresh := &entity.Entity{DataSourceID: dataSourceID, ExternalID: "fresh", EntityType: entity.TypeEndpoints, SyncID: "new-sync"}
	require.NoError(t, store.Entities().Upsert(ctx, stale))
	require.NoError(t, store.Entities().Upsert(ctx, fresh))

	candidates, err := store.Entities().List(ctx, repository.EntityFilter{
		DataSourceID:  dataSourceID,
		EntityType:    entity.TypeEndpoints,
		ExcludeSyncID: "new-sync",
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "stale", candidates[0].ExternalID)
}

func TestEntitySoftDeleteExcludedFromListByDefault(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	e := &entity.Entity{DataSourceID: uuid.New(), ExternalID: "x", EntityType: entity.TypeGroups}
	require.NoError(t, store.Entities().Upsert(ctx, e))

	require.NoError(t, store.Entities().SoftDeleteMany(ctx, []uuid.UUID{e.ID}, time.Now()))

	visible, err := store.Entities().List(ctx, repository.EntityFilter{DataSourceID: e.DataSourceID})
	require.NoError(t, err)
	assert.Empty(t, visible)

	withDeleted, err := store.Entities().List(ctx, repository.EntityFilter{DataSourceID: e.DataSourceID, IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, withDeleted, 1)
}

func TestEntityPurgeDeletedBeforeCutoff(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	e := &entity.Entity{DataSourceID: uuid.New(), ExternalID: "x", EntityType: entity.TypeGroups}
	require.NoError(t, store.Entities().Upsert(ctx, e))

	old := time.Now().Add(-100 * 24 * time.Hour)
	require.NoError(t, store.Entities().SoftDeleteMany(ctx, []uuid.UUID{e.ID}, old))

	n, err := store.Entities().PurgeDeletedBefore(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Entities().Get(ctx, e.ID)
	assert.Error(t, err)
}

func TestJobCompareAndSetStatusOnlyOneWinner(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	j := &job.Job{Status: job.StatusPending}
	require.NoError(t, store.Jobs().Create(ctx, j))

	ok1, err := store.Jobs().CompareAndSetStatus(ctx, j.ID, job.StatusPending, job.StatusRunning)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := store.Jobs().CompareAndSetStatus(ctx, j.ID, job.StatusPending, job.StatusRunning)
	require.NoError(t, err)
	assert.False(t, ok2, "a second claim against the same stale expected status must fail")
}

func TestRelationshipUpsertIsKeyedOnParentChildType(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	parent, child := uuid.New(), uuid.New()

	r1 := relationshipOf(parent, child)
	require.NoError(t, store.Relationships().Upsert(ctx, r1))
	r2 := relationshipOf(parent, child)
	require.NoError(t, store.Relationships().Upsert(ctx, r2))

	assert.Equal(t, r1.ID, r2.ID)
}
