package processor_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/processor"
	"github.com/meridianmsp/posturepipe/pkg/repository"
	"github.com/meridianmsp/posturepipe/pkg/repository/memstore"
)

type noopBroker struct{}

func newNoopBroker() *noopBroker { return &noopBroker{} }

func (*noopBroker) Publish(ctx context.Context, topic string, event any) error { return nil }

func TestApplyBatchInsertsThenTreatsIdenticalContentAsUnchanged(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	broker := newNoopBroker()
	p := processor.New(store, broker)

	dsID, tenantID, integID := uuid.New(), uuid.New(), uuid.New()
	ev := processor.FetchedEvent{
		SyncID:        "sync-1",
		TenantID:      tenantID,
		DataSourceID:  dsID,
		IntegrationID: integID,
		EntityType:    entity.TypeIdentities,
		Records: []processor.FetchedRecord{
			{ExternalID: "user-1", RawData: map[string]any{"enabled": true}},
		},
		HasMore: false,
	}
	require.NoError(t, p.ApplyBatch(ctx, ev))

	stored, err := store.Entities().GetByExternalID(ctx, dsID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sync-1", stored.SyncID)

	// Re-applying the same batch with a new syncId but identical content must
	// be a content-hash no-op: data stays the same, only sync bookkeeping moves.
	ev2 := ev
	ev2.SyncID = "sync-2"
	require.NoError(t, p.ApplyBatch(ctx, ev2))
	again, err := store.Entities().GetByExternalID(ctx, dsID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sync-2", again.SyncID)
	assert.Equal(t, stored.ID, again.ID)
}

func TestApplyBatchSweepsEntitiesAbsentFromFinalBatch(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	broker := newNoopBroker()
	p := processor.New(store, broker)

	dsID, tenantID, integID := uuid.New(), uuid.New(), uuid.New()
	seed := processor.FetchedEvent{
		SyncID:        "sync-1",
		TenantID:      tenantID,
		DataSourceID:  dsID,
		IntegrationID: integID,
		EntityType:    entity.TypeIdentities,
		Records: []processor.FetchedRecord{
			{ExternalID: "user-1", RawData: map[string]any{"enabled": true}},
			{ExternalID: "user-2", RawData: map[string]any{"enabled": true}},
		},
		HasMore: false,
	}
	require.NoError(t, p.ApplyBatch(ctx, seed))

	// Next sync only observes user-1; user-2 must be swept (soft-deleted).
	resync := seed
	resync.SyncID = "sync-2"
	resync.Records = []processor.FetchedRecord{
		{ExternalID: "user-1", RawData: map[string]any{"enabled": true}},
	}
	require.NoError(t, p.ApplyBatch(ctx, resync))

	visible, err := store.Entities().List(ctx, repository.EntityFilter{DataSourceID: dsID, EntityType: entity.TypeIdentities})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "user-1", visible[0].ExternalID)
}

func TestApplyBatchSkipsMalformedRecordsWithoutFailingBatch(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := processor.New(store, newNoopBroker())

	dsID := uuid.New()
	ev := processor.FetchedEvent{
		SyncID:       "sync-1",
		DataSourceID: dsID,
		EntityType:   entity.TypeIdentities,
		Records: []processor.FetchedRecord{
			{ExternalID: "", RawData: map[string]any{}}, // malformed: no external id
			{ExternalID: "user-1", RawData: map[string]any{"enabled": true}},
		},
	}
	require.NoError(t, p.ApplyBatch(ctx, ev))

	stored, err := store.Entities().GetByExternalID(ctx, dsID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", stored.ExternalID)
}
