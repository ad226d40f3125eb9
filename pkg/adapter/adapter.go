// Package adapter is the Adapter runtime (C5, §4.4): it drains one sync job
// at a time off the work queue, drives the job's connector through
// pagination, and publishes fetched.<type> batches for the entity processor.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridianmsp/posturepipe/pkg/catalog"
	"github.com/meridianmsp/posturepipe/pkg/connector"
	"github.com/meridianmsp/posturepipe/pkg/datasource"
	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/errkind"
	"github.com/meridianmsp/posturepipe/pkg/job"
	"github.com/meridianmsp/posturepipe/pkg/processor"
	"github.com/meridianmsp/posturepipe/pkg/repository"
)

// Publisher is the narrow slice of queue.Broker the adapter needs, extracted
// so tests can substitute a fake without a live Redis instance (same
// pattern as processor.Publisher/linker.Publisher).
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// Outcomer marks a job finished and applies the §4.3 retry/backoff policy,
// satisfied by *scheduler.Scheduler.
type Outcomer interface {
	MarkOutcome(ctx context.Context, j *job.Job, runErr error) error
}

// defaultRateLimit caps requests per connector at 10/s with a burst of 20,
// conservative enough for every vendor API in the catalog without per-vendor
// tuning (§4.4 "respecting rate limits").
const (
	defaultRateLimit = rate.Limit(10)
	defaultBurst     = 20
)

// Runtime drives connector calls for sync jobs popped off the queue (§4.4).
type Runtime struct {
	store      repository.Store
	publisher  Publisher
	outcomer   Outcomer
	connectors *connector.Registry
	catalog    *catalog.Registry
	log        *slog.Logger

	limiters map[string]*rate.Limiter // keyed by dataSourceId
}

// New builds a Runtime.
func New(store repository.Store, publisher Publisher, outcomer Outcomer, connectors *connector.Registry, cat *catalog.Registry, log *slog.Logger) *Runtime {
	return &Runtime{
		store:      store,
		publisher:  publisher,
		outcomer:   outcomer,
		connectors: connectors,
		catalog:    cat,
		log:        log,
		limiters:   map[string]*rate.Limiter{},
	}
}

func (r *Runtime) limiterFor(dataSourceID string) *rate.Limiter {
	if l, ok := r.limiters[dataSourceID]; ok {
		return l
	}
	l := rate.NewLimiter(defaultRateLimit, defaultBurst)
	r.limiters[dataSourceID] = l
	return l
}

// RunJob executes one sync job end to end (§4.4 steps 1-7): health check,
// paginated fetch, fetched.<type> publish per page, and data source sync
// bookkeeping. The result is reported to Outcomer so the scheduler can apply
// its retry policy.
func (r *Runtime) RunJob(ctx context.Context, j *job.Job) error {
	runErr := r.runJob(ctx, j)
	if err := r.outcomer.MarkOutcome(ctx, j, runErr); err != nil {
		return fmt.Errorf("recording outcome for job %s: %w", j.ID, err)
	}
	return runErr
}

func (r *Runtime) runJob(ctx context.Context, j *job.Job) error {
	ds, err := r.store.DataSources().Get(ctx, j.DataSourceID)
	if err != nil {
		return fmt.Errorf("loading data source %s: %w", j.DataSourceID, err)
	}

	conn, err := r.connectors.Build(ctx, ds.IntegrationSlug, ds.Config.Raw(), nil)
	if err != nil {
		return errkind.Classify(errkind.Credential, fmt.Errorf("building connector for %s: %w", ds.IntegrationSlug, err))
	}

	if err := r.limiterFor(ds.ID.String()).Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limit: %w", err)
	}
	if err := conn.CheckHealth(ctx); err != nil {
		return errkind.Classify(errkind.Credential, fmt.Errorf("health check for %s: %w", ds.IntegrationSlug, err))
	}

	cursor := ""
	for {
		if err := r.limiterFor(ds.ID.String()).Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limit: %w", err)
		}
		page, err := fetchPage(ctx, conn, entity.Type(j.EntityType), cursor)
		if err != nil {
			return errkind.Classify(errkind.Transient, fmt.Errorf("fetching %s page: %w", j.EntityType, err))
		}

		if err := r.publishPage(ctx, j, ds, page); err != nil {
			return fmt.Errorf("publishing fetched page: %w", err)
		}

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	now := time.Now()
	if ds.LastSyncAt == nil {
		ds.LastSyncAt = map[string]time.Time{}
	}
	ds.LastSyncAt[j.EntityType] = now
	if ds.Status != datasource.StatusActive {
		ds.Status = datasource.StatusActive
		ds.LastError = ""
	}
	if err := r.store.DataSources().Update(ctx, ds); err != nil {
		return fmt.Errorf("updating data source %s sync state: %w", ds.ID, err)
	}
	return nil
}

// fetchPage dispatches to the connector method matching entityType (§4.4
// step 2). Policies fold in the security-defaults flag as a synthetic
// record, since the connector models it as a single boolean rather than a
// paginated collection.
func fetchPage(ctx context.Context, conn connector.Connector, entityType entity.Type, cursor string) (connector.Page, error) {
	switch entityType {
	case entity.TypeIdentities:
		return conn.GetIdentities(ctx, cursor)
	case entity.TypeGroups:
		return conn.GetGroups(ctx, cursor)
	case entity.TypeRoles:
		return conn.GetRoles(ctx, cursor)
	case entity.TypePolicies:
		return fetchPoliciesPage(ctx, conn, cursor)
	case entity.TypeLicenses:
		return conn.GetSubscribedSkus(ctx, cursor)
	case entity.TypeEndpoints:
		return conn.GetEndpoints(ctx, cursor)
	default:
		return connector.Page{}, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

// fetchPoliciesPage merges conditional access policies with a synthetic
// security-defaults record on the first page only, so the analyzer's
// SecurityDefaults() lookup (§4.7, §4.8) always has something to find.
func fetchPoliciesPage(ctx context.Context, conn connector.Connector, cursor string) (connector.Page, error) {
	page, err := conn.GetConditionalAccessPolicies(ctx, cursor)
	if err != nil {
		return connector.Page{}, err
	}
	if cursor != "" {
		return page, nil
	}
	enabled, err := conn.GetSecurityDefaultsEnabled(ctx)
	if err != nil {
		return connector.Page{}, err
	}
	page.Records = append([]connector.Record{{
		ExternalID: "security-defaults",
		Raw:        map[string]any{"enabled": enabled},
	}}, page.Records...)
	return page, nil
}

func (r *Runtime) publishPage(ctx context.Context, j *job.Job, ds *datasource.DataSource, page connector.Page) error {
	records := make([]processor.FetchedRecord, 0, len(page.Records))
	for _, rec := range page.Records {
		var siteID *string
		if upn, ok := rec.Raw["userPrincipalName"].(string); ok {
			if id := ds.Config.ResolveSiteID(upn); id != "" {
				siteID = &id
			}
		}
		records = append(records, processor.FetchedRecord{
			ExternalID: rec.ExternalID,
			RawData:    rec.Raw,
			SiteID:     siteID,
		})
	}

	return r.publisher.Publish(ctx, "fetched."+j.EntityType, processor.FetchedEvent{
		SyncID:        j.SyncID,
		TenantID:      j.TenantID,
		DataSourceID:  j.DataSourceID,
		IntegrationID: j.IntegrationID,
		EntityType:    entity.Type(j.EntityType),
		Records:       records,
		HasMore:       page.HasMore,
		Cursor:        page.NextCursor,
	})
}
