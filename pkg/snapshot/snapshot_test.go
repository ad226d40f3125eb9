package snapshot_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/relationship"
	"github.com/meridianmsp/posturepipe/pkg/repository/memstore"
	"github.com/meridianmsp/posturepipe/pkg/snapshot"
)

func TestLoadBuildsIdentityGroupAndLicenseMaps(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenantID, dsID := uuid.New(), uuid.New()

	group := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeGroups, ExternalID: "group-1", SyncID: "s1"}
	license := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeLicenses, ExternalID: "license-1", SyncID: "s1"}
	user := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeIdentities, ExternalID: "user-1", SyncID: "s1"}
	require.NoError(t, store.Entities().Upsert(ctx, group))
	require.NoError(t, store.Entities().Upsert(ctx, license))
	require.NoError(t, store.Entities().Upsert(ctx, user))

	require.NoError(t, store.Relationships().Upsert(ctx, &relationship.Relationship{
		TenantID: tenantID, DataSourceID: dsID, ParentEntityID: group.ID, ChildEntityID: user.ID,
		RelationshipType: relationship.TypeMemberOf, SyncID: "s1",
	}))
	require.NoError(t, store.Relationships().Upsert(ctx, &relationship.Relationship{
		TenantID: tenantID, DataSourceID: dsID, ParentEntityID: license.ID, ChildEntityID: user.ID,
		RelationshipType: relationship.TypeHasLicense, SyncID: "s1",
	}))

	loader := snapshot.New(store)
	snap, err := loader.Load(ctx, tenantID, dsID, "microsoft-365")
	require.NoError(t, err)

	require.Len(t, snap.IdentityGroups[user.ID], 1)
	assert.Equal(t, group.ID, snap.IdentityGroups[user.ID][0].ID)
	require.Len(t, snap.IdentityLicenses[user.ID], 1)
	assert.Equal(t, license.ID, snap.IdentityLicenses[user.ID][0].ID)
	require.Len(t, snap.GroupMembers[group.ID], 1)
	assert.Equal(t, user.ID, snap.GroupMembers[group.ID][0].ID)
	require.Len(t, snap.LicenseHolders[license.ID], 1)

	assert.Greater(t, snap.QueryCount, 0)
	assert.LessOrEqual(t, snap.QueryCount, 15)
}

func TestLoadExposesByExternalIDAndSecurityDefaults(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenantID, dsID := uuid.New(), uuid.New()

	sd := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypePolicies, ExternalID: "security-defaults", SyncID: "s1"}
	require.NoError(t, store.Entities().Upsert(ctx, sd))

	loader := snapshot.New(store)
	snap, err := loader.Load(ctx, tenantID, dsID, "microsoft-365")
	require.NoError(t, err)

	require.NotNil(t, snap.SecurityDefaults())
	assert.Equal(t, sd.ID, snap.SecurityDefaults().ID)
	assert.Equal(t, sd.ID, snap.ByExternalID["security-defaults"].ID)
}
