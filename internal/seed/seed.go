// Package seed provisions the demo tenant, site, and data source a fresh
// deployment needs to exercise the pipeline without live vendor credentials
// (SPEC_FULL.md "Demo/seed data loader", §8 seed scenarios).
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/catalog"
	"github.com/meridianmsp/posturepipe/pkg/datasource"
	"github.com/meridianmsp/posturepipe/pkg/repository"
	"github.com/meridianmsp/posturepipe/pkg/tenant"
)

// demoTenantID is fixed, like catalog.Microsoft365's id, so re-running Run
// against an already-seeded database recognizes its own prior work.
var demoTenantID = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
var demoSiteID = uuid.MustParse("00000000-0000-0000-0000-0000000000a2")
var demoDataSourceID = uuid.MustParse("00000000-0000-0000-0000-0000000000a3")

// Run provisions the "Acme Demo Tenant" and a Microsoft-365 data source
// bound to it, idempotently: if the tenant already exists this is a no-op.
func Run(ctx context.Context, store repository.Store, cat *catalog.Registry, logger *slog.Logger) error {
	if _, err := store.Tenants().Get(ctx, demoTenantID); err == nil {
		logger.Info("seed: demo tenant already exists, skipping")
		return nil
	} else if err != repository.ErrNotFound {
		return fmt.Errorf("checking for demo tenant: %w", err)
	}

	t := &tenant.Tenant{
		ID:                 demoTenantID,
		Name:               "Acme Demo Tenant",
		Status:             tenant.StatusActive,
		ConcurrentJobLimit: tenant.DefaultConcurrentJobLimit,
	}
	if err := store.Tenants().Create(ctx, t); err != nil {
		return fmt.Errorf("creating demo tenant: %w", err)
	}
	logger.Info("seed: created demo tenant", "tenantId", t.ID)

	site := &tenant.Site{
		ID:       demoSiteID,
		TenantID: demoTenantID,
		Name:     "Acme HQ",
	}
	if err := store.Sites().Create(ctx, site); err != nil {
		return fmt.Errorf("creating demo site: %w", err)
	}

	integ, ok := cat.Get("microsoft-365")
	if !ok {
		return fmt.Errorf("microsoft-365 integration not registered in catalog")
	}

	cfg, err := json.Marshal(map[string]any{
		"securityDefaultsEnabled": false,
		"domainMappings": []datasource.DomainMapping{
			{Domain: "acme-demo.test", SiteID: site.ID.String()},
		},
	})
	if err != nil {
		return fmt.Errorf("marshaling demo data source config: %w", err)
	}

	ds := &datasource.DataSource{
		ID:              demoDataSourceID,
		TenantID:        demoTenantID,
		IntegrationID:   integ.ID,
		IntegrationSlug: integ.Slug,
		Config:          datasource.NewConfig(cfg),
		IsPrimary:       true,
		Status:          datasource.StatusActive,
	}
	if err := store.DataSources().Create(ctx, ds); err != nil {
		return fmt.Errorf("creating demo data source: %w", err)
	}
	logger.Info("seed: created demo data source", "dataSourceId", ds.ID, "integration", ds.IntegrationSlug)

	return nil
}
