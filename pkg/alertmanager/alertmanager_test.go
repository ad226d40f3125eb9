package alertmanager_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmsp/posturepipe/pkg/alert"
	"github.com/meridianmsp/posturepipe/pkg/alertmanager"
	"github.com/meridianmsp/posturepipe/pkg/analyzer"
	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/repository"
	"github.com/meridianmsp/posturepipe/pkg/repository/memstore"
)

func TestReconcileCreatesAlertAndRollsUpEntityState(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	dsID, tenantID := uuid.New(), uuid.New()
	ent := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeIdentities, ExternalID: "user-1"}
	require.NoError(t, store.Entities().Upsert(ctx, ent))

	mgr := alertmanager.New(store)
	res := analyzer.Result{
		TenantID: tenantID, DataSourceID: dsID, AnalysisTypes: []string{analyzer.TypeStaleUser},
		Findings: map[string][]analyzer.Finding{
			analyzer.TypeStaleUser: {{EntityID: ent.ID, AlertType: analyzer.TypeStaleUser, Severity: alert.SeverityMedium, Fingerprint: "stale_user:" + ent.ID.String()}},
		},
	}
	counts, err := mgr.Reconcile(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[alertmanager.OutcomeCreated])

	updated, err := store.Entities().Get(ctx, ent.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateWarn, updated.State)
}

func TestReconcileResolvesStaleAlertsOfDeclaredTypesOnly(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	dsID, tenantID := uuid.New(), uuid.New()
	ent := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeIdentities, ExternalID: "user-1"}
	require.NoError(t, store.Entities().Upsert(ctx, ent))

	mgr := alertmanager.New(store)
	first := analyzer.Result{
		TenantID: tenantID, DataSourceID: dsID, AnalysisTypes: []string{analyzer.TypeStaleUser, analyzer.TypeMFA},
		Findings: map[string][]analyzer.Finding{
			analyzer.TypeStaleUser: {{EntityID: ent.ID, AlertType: analyzer.TypeStaleUser, Severity: alert.SeverityMedium, Fingerprint: "stale_user:" + ent.ID.String()}},
			analyzer.TypeMFA:       {{EntityID: ent.ID, AlertType: "mfa_not_enforced", Severity: alert.SeverityHigh, Fingerprint: "mfa_not_enforced:" + ent.ID.String()}},
		},
	}
	_, err := mgr.Reconcile(ctx, first)
	require.NoError(t, err)

	// Second run declares only stale_user, with no finding: stale_user alert
	// must resolve, but the mfa alert (not in this run's declared types) must
	// remain untouched (explicit-resolution property, §4.9 step 4).
	second := analyzer.Result{
		TenantID: tenantID, DataSourceID: dsID, AnalysisTypes: []string{analyzer.TypeStaleUser},
		Findings: map[string][]analyzer.Finding{},
	}
	counts, err := mgr.Reconcile(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[alertmanager.OutcomeResolved])

	alerts, err := store.Alerts().List(ctx, repository.AlertFilter{EntityID: ent.ID})
	require.NoError(t, err)
	byType := map[string]*alert.Alert{}
	for _, a := range alerts {
		byType[a.AlertType] = a
	}
	assert.Equal(t, alert.StatusResolved, byType[analyzer.TypeStaleUser].Status)
	assert.Equal(t, alert.StatusActive, byType["mfa_not_enforced"].Status)

	// Entity state should now reflect only the still-active mfa alert (high).
	updated, err := store.Entities().Get(ctx, ent.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateHigh, updated.State)
}

func TestReconcileReactivatesResolvedAlertWhenFindingReturns(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	dsID, tenantID := uuid.New(), uuid.New()
	ent := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeIdentities, ExternalID: "user-1"}
	require.NoError(t, store.Entities().Upsert(ctx, ent))

	mgr := alertmanager.New(store)
	finding := analyzer.Finding{EntityID: ent.ID, AlertType: analyzer.TypeStaleUser, Severity: alert.SeverityMedium, Fingerprint: "stale_user:" + ent.ID.String()}
	res := analyzer.Result{TenantID: tenantID, DataSourceID: dsID, AnalysisTypes: []string{analyzer.TypeStaleUser},
		Findings: map[string][]analyzer.Finding{analyzer.TypeStaleUser: {finding}}}
	_, err := mgr.Reconcile(ctx, res)
	require.NoError(t, err)

	empty := analyzer.Result{TenantID: tenantID, DataSourceID: dsID, AnalysisTypes: []string{analyzer.TypeStaleUser}, Findings: map[string][]analyzer.Finding{}}
	_, err = mgr.Reconcile(ctx, empty)
	require.NoError(t, err)

	counts, err := mgr.Reconcile(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[alertmanager.OutcomeReactivated])

	alerts, err := store.Alerts().List(ctx, repository.AlertFilter{EntityID: ent.ID, Fingerprint: finding.Fingerprint})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.StatusActive, alerts[0].Status)
	assert.Nil(t, alerts[0].ResolvedAt)
}

func TestReconcileIsIdempotentUnderReplay(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	dsID, tenantID := uuid.New(), uuid.New()
	ent := &entity.Entity{ID: uuid.New(), TenantID: tenantID, DataSourceID: dsID, EntityType: entity.TypeIdentities, ExternalID: "user-1"}
	require.NoError(t, store.Entities().Upsert(ctx, ent))

	mgr := alertmanager.New(store)
	res := analyzer.Result{TenantID: tenantID, DataSourceID: dsID, AnalysisTypes: []string{analyzer.TypeStaleUser},
		Findings: map[string][]analyzer.Finding{
			analyzer.TypeStaleUser: {{EntityID: ent.ID, AlertType: analyzer.TypeStaleUser, Severity: alert.SeverityMedium, Fingerprint: "stale_user:" + ent.ID.String()}},
		}}

	_, err := mgr.Reconcile(ctx, res)
	require.NoError(t, err)
	_, err = mgr.Reconcile(ctx, res)
	require.NoError(t, err)

	alerts, err := store.Alerts().List(ctx, repository.AlertFilter{EntityID: ent.ID})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}
