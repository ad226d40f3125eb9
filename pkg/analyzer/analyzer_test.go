package analyzer_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmsp/posturepipe/pkg/alert"
	"github.com/meridianmsp/posturepipe/pkg/analyzer"
	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/relationship"
	"github.com/meridianmsp/posturepipe/pkg/repository/memstore"
	"github.com/meridianmsp/posturepipe/pkg/snapshot"
)

func findingsOf(res analyzer.Result, t string) []analyzer.Finding { return res.Findings[t] }

// TestSeedScenarioSecurityDefaultsOnlyFullyCoversAdmins mirrors seed scenario
// 1: 3 identities (1 admin, 2 members), Security Defaults enabled, no CA
// policies. The admin gets no MFA finding; each member gets a medium
// mfa_partial_enforced finding.
func TestSeedScenarioSecurityDefaultsOnlyFullyCoversAdmins(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenantID, dsID := uuid.New(), uuid.New()

	sd := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypePolicies,
		ExternalID: "security-defaults", NormalizedData: map[string]any{"enabled": true}}
	require.NoError(t, store.Entities().Upsert(ctx, sd))

	admin := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeIdentities,
		ExternalID: "admin-1", NormalizedData: map[string]any{"enabled": true, "isAdmin": true}}
	m1 := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeIdentities,
		ExternalID: "member-1", NormalizedData: map[string]any{"enabled": true}}
	m2 := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeIdentities,
		ExternalID: "member-2", NormalizedData: map[string]any{"enabled": true}}
	require.NoError(t, store.Entities().Upsert(ctx, admin))
	require.NoError(t, store.Entities().Upsert(ctx, m1))
	require.NoError(t, store.Entities().Upsert(ctx, m2))

	loader := snapshot.New(store)
	snap, err := loader.Load(ctx, tenantID, dsID, "microsoft-365")
	require.NoError(t, err)
	require.Len(t, snap.Identities(), 3)

	res := analyzer.New().Run(snap)

	mfa := findingsOf(res, analyzer.TypeMFA)
	require.Len(t, mfa, 2)
	for _, f := range mfa {
		assert.Equal(t, "mfa_partial_enforced", f.AlertType)
		assert.Equal(t, alert.SeverityMedium, f.Severity)
		assert.Contains(t, []uuid.UUID{m1.ID, m2.ID}, f.EntityID)
	}
}

func TestSeedScenarioLicenseWasteOnDisabledMember(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenantID, dsID := uuid.New(), uuid.New()

	lic := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeLicenses,
		ExternalID: "E3", NormalizedData: map[string]any{"totalUnits": 10, "consumedUnits": 5}}
	member := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeIdentities,
		ExternalID: "member-1", NormalizedData: map[string]any{"enabled": false}}
	require.NoError(t, store.Entities().Upsert(ctx, lic))
	require.NoError(t, store.Entities().Upsert(ctx, member))
	require.NoError(t, store.Relationships().Upsert(ctx, relationshipOf(lic.ID, member.ID)))

	snap, err := snapshot.New(store).Load(ctx, tenantID, dsID, "microsoft-365")
	require.NoError(t, err)

	res := analyzer.New().Run(snap)
	waste := findingsOf(res, analyzer.TypeLicenseWaste)
	require.Len(t, waste, 1)
	assert.Equal(t, "license_waste:"+member.ID.String()+":E3", waste[0].Fingerprint)
	assert.Equal(t, alert.SeverityMedium, waste[0].Severity)
}

func TestSeedScenarioStaleUserWithLicenseEmitsBothFindings(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenantID, dsID := uuid.New(), uuid.New()

	lastLogin := time.Now().Add(-120 * 24 * time.Hour).Format(time.RFC3339)
	lic := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeLicenses,
		ExternalID: "E5", NormalizedData: map[string]any{"totalUnits": 10, "consumedUnits": 5}}
	user := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeIdentities,
		ExternalID: "user-1", NormalizedData: map[string]any{"enabled": true, "lastLogin": lastLogin}}
	require.NoError(t, store.Entities().Upsert(ctx, lic))
	require.NoError(t, store.Entities().Upsert(ctx, user))
	require.NoError(t, store.Relationships().Upsert(ctx, relationshipOf(lic.ID, user.ID)))

	snap, err := snapshot.New(store).Load(ctx, tenantID, dsID, "microsoft-365")
	require.NoError(t, err)

	res := analyzer.New().Run(snap)
	stale := findingsOf(res, analyzer.TypeStaleUser)
	require.Len(t, stale, 1)
	assert.Equal(t, alert.SeverityMedium, stale[0].Severity)

	waste := findingsOf(res, analyzer.TypeLicenseWaste)
	require.Len(t, waste, 1)
	assert.Equal(t, alert.SeverityLow, waste[0].Severity)
}

func TestSeedScenarioLicenseOveruse(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenantID, dsID := uuid.New(), uuid.New()

	lic := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeLicenses,
		ExternalID: "E3", NormalizedData: map[string]any{"totalUnits": 10, "consumedUnits": 12}}
	require.NoError(t, store.Entities().Upsert(ctx, lic))

	snap, err := snapshot.New(store).Load(ctx, tenantID, dsID, "microsoft-365")
	require.NoError(t, err)

	res := analyzer.New().Run(snap)
	overuse := findingsOf(res, analyzer.TypeLicenseOveruse)
	require.Len(t, overuse, 1)
	assert.Equal(t, alert.SeverityHigh, overuse[0].Severity)
}

func TestLicenseWithZeroTotalAndZeroConsumedIsNotOveruse(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tenantID, dsID := uuid.New(), uuid.New()

	lic := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeLicenses,
		ExternalID: "trial", NormalizedData: map[string]any{"totalUnits": 0, "consumedUnits": 0}}
	require.NoError(t, store.Entities().Upsert(ctx, lic))

	snap, err := snapshot.New(store).Load(ctx, tenantID, dsID, "microsoft-365")
	require.NoError(t, err)

	res := analyzer.New().Run(snap)
	assert.Empty(t, findingsOf(res, analyzer.TypeLicenseOveruse))
}

func relationshipOf(parent, child uuid.UUID) *relationship.Relationship {
	return &relationship.Relationship{ParentEntityID: parent, ChildEntityID: child, RelationshipType: relationship.TypeHasLicense}
}
