package scheduler_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmsp/posturepipe/pkg/catalog"
	"github.com/meridianmsp/posturepipe/pkg/datasource"
	"github.com/meridianmsp/posturepipe/pkg/job"
	"github.com/meridianmsp/posturepipe/pkg/repository"
	"github.com/meridianmsp/posturepipe/pkg/repository/memstore"
)

func TestNextAllowedIsInFutureForJustSyncedType(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	reg := catalog.NewRegistry(catalog.Microsoft365())

	tenantID := uuid.New()
	integ, _ := reg.Get("microsoft-365")
	ds := &datasource.DataSource{
		TenantID:        tenantID,
		IntegrationID:   integ.ID,
		IntegrationSlug: "microsoft-365",
		Status:          datasource.StatusActive,
		LastSyncAt:      map[string]time.Time{"identities": time.Now()},
	}
	require.NoError(t, store.DataSources().Create(ctx, ds))

	nextAllowed := ds.NextAllowed("identities", 60)
	assert.True(t, nextAllowed.After(time.Now()), "a just-synced type should not be immediately due again")
}

func TestJobBackoffAndQueueNaming(t *testing.T) {
	assert.Equal(t, "sync.identities", job.Action("identities"))
	assert.Equal(t, "sync:microsoft-365:identities", job.Queue("microsoft-365", "identities"))
	assert.Equal(t, 30*time.Second, job.Backoff(0))
	assert.Equal(t, 15*time.Minute, job.Backoff(20))
}

func TestListSchedulableExcludesExpiredAndInactive(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	now := time.Now()
	past := now.Add(-time.Hour)

	active := &datasource.DataSource{Status: datasource.StatusActive}
	expired := &datasource.DataSource{Status: datasource.StatusActive, CredentialExpirationAt: &past}
	inactive := &datasource.DataSource{Status: datasource.StatusInactive}
	require.NoError(t, store.DataSources().Create(ctx, active))
	require.NoError(t, store.DataSources().Create(ctx, expired))
	require.NoError(t, store.DataSources().Create(ctx, inactive))

	schedulable, err := store.DataSources().ListSchedulable(ctx, now)
	require.NoError(t, err)
	require.Len(t, schedulable, 1)
	assert.Equal(t, active.ID, schedulable[0].ID)
}

var _ repository.Store = (*memstore.Store)(nil)
