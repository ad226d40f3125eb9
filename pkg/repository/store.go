// Package repository defines the narrow, typed CRUD + indexed-list interface
// (§4.1 C1) that every pipeline stage uses to reach the durable store. No
// collection may be scanned without an index; every indexed list method name
// documents which index it answers.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/agent"
	"github.com/meridianmsp/posturepipe/pkg/alert"
	"github.com/meridianmsp/posturepipe/pkg/datasource"
	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/job"
	"github.com/meridianmsp/posturepipe/pkg/relationship"
	"github.com/meridianmsp/posturepipe/pkg/tenant"
)

// ErrNotFound is returned by Get/GetBy* methods when no row matches. Both
// the memstore and postgres implementations wrap it so callers can test
// with errors.Is regardless of backend.
var ErrNotFound = errors.New("repository: not found")

// Store is the full repository surface, one sub-interface per collection.
type Store interface {
	Tenants() TenantRepo
	Sites() SiteRepo
	DataSources() DataSourceRepo
	Entities() EntityRepo
	Relationships() RelationshipRepo
	Alerts() AlertRepo
	Jobs() JobRepo
	Agents() AgentRepo
}

// TenantRepo is typed CRUD over tenants.
type TenantRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
	Create(ctx context.Context, t *tenant.Tenant) error
	Update(ctx context.Context, t *tenant.Tenant) error
	// ListActive returns all non-deleted, active tenants (used by scheduler sweeps).
	ListActive(ctx context.Context) ([]*tenant.Tenant, error)
}

// SiteRepo is typed CRUD over sites.
type SiteRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*tenant.Site, error)
	Create(ctx context.Context, s *tenant.Site) error
	// ListByTenant is the by_tenant index.
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*tenant.Site, error)
}

// DataSourceRepo is typed CRUD over data sources.
type DataSourceRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*datasource.DataSource, error)
	Create(ctx context.Context, d *datasource.DataSource) error
	Update(ctx context.Context, d *datasource.DataSource) error
	// ListSchedulable returns active, non-expired, non-deleted data sources
	// across all tenants — the Scheduler's top-level driving query (§4.3).
	ListSchedulable(ctx context.Context, now time.Time) ([]*datasource.DataSource, error)
	// ListByTenant is the by_tenant index.
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*datasource.DataSource, error)
}

// EntityFilter narrows EntityRepo.List calls; zero-value fields are unconstrained.
// Every call must set enough fields to hit one of §4.1's required indexes.
type EntityFilter struct {
	TenantID     uuid.UUID
	DataSourceID uuid.UUID
	SiteID       uuid.UUID
	EntityType   entity.Type
	SyncID       string
	ExcludeSyncID string // when set, list entities whose SyncID != this value (sweep candidates)
	IncludeDeleted bool
}

// EntityRepo is typed CRUD + indexed list over entities (§4.1, §3).
type EntityRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*entity.Entity, error)
	// GetByExternalID is the by_external_id index: (dataSourceId, externalId).
	GetByExternalID(ctx context.Context, dataSourceID uuid.UUID, externalID string) (*entity.Entity, error)
	// Upsert is a keyed, idempotent insert-or-patch on (dataSourceId, externalId) (§4.5).
	Upsert(ctx context.Context, e *entity.Entity) error
	// UpdateState patches only the State field (written by the Alert manager, §4.9 step 6).
	UpdateState(ctx context.Context, id uuid.UUID, state entity.State) error
	// UpdateTags patches only the UI tag list (§4.8 tag synthesis).
	UpdateTags(ctx context.Context, id uuid.UUID, tags []string) error
	// List dispatches on whichever of by_tenant / by_data_source /
	// by_data_source_type / by_site_type / by_sync_id the filter satisfies.
	List(ctx context.Context, f EntityFilter) ([]*entity.Entity, error)
	// SoftDeleteMany marks entities deleted as of deletedAt (mark-and-sweep, §4.5).
	SoftDeleteMany(ctx context.Context, ids []uuid.UUID, deletedAt time.Time) error
	// PurgeDeletedBefore hard-deletes rows soft-deleted before cutoff (janitor, §3).
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// RelationshipFilter narrows RelationshipRepo.List calls.
type RelationshipFilter struct {
	ParentEntityID   uuid.UUID
	ChildEntityID    uuid.UUID
	RelationshipType relationship.Type
	DataSourceID     uuid.UUID
	EntityType       entity.Type // not applied by the memstore or postgres List implementations
}

// RelationshipRepo is typed CRUD + indexed list over relationships (§4.1, §3).
type RelationshipRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*relationship.Relationship, error)
	// Upsert is a keyed, idempotent insert-or-touch on the relationship Key (§4.6).
	Upsert(ctx context.Context, r *relationship.Relationship) error
	// List dispatches on whichever of by_parent / by_parent_type /
	// by_child_type / by_data_source_type the filter satisfies.
	List(ctx context.Context, f RelationshipFilter) ([]*relationship.Relationship, error)
	SoftDeleteMany(ctx context.Context, ids []uuid.UUID, deletedAt time.Time) error
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// AlertFilter narrows AlertRepo.List calls.
type AlertFilter struct {
	EntityID     uuid.UUID
	Status       alert.Status
	Fingerprint  string
	DataSourceID uuid.UUID
	AlertTypes   []string
	TenantID     uuid.UUID
	Severity     alert.Severity
}

// AlertRepo is typed CRUD + indexed list over alerts (§4.1, §3).
type AlertRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*alert.Alert, error)
	// List dispatches on whichever of by_entity_status / by_fingerprint /
	// by_data_source_status_type / by_tenant_status_severity the filter satisfies.
	List(ctx context.Context, f AlertFilter) ([]*alert.Alert, error)
	// BatchUpsert commits one analysis run's alert changes idempotently, one
	// row at a time, keyed by alert ID (§4.9 write policy); the batch as a
	// whole is not wrapped in a transaction.
	BatchUpsert(ctx context.Context, alerts []*alert.Alert) error
	PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// JobFilter narrows JobRepo.List calls.
type JobFilter struct {
	DataSourceID uuid.UUID
	Action       string
	Status       job.Status
	DueBefore    time.Time
}

// JobRepo is typed CRUD + indexed list over scheduled jobs (§4.1, §3).
type JobRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)
	Create(ctx context.Context, j *job.Job) error
	Update(ctx context.Context, j *job.Job) error
	// List dispatches on whichever of by_data_source_status / by_pending_due /
	// by_priority_and_scheduled_at the filter satisfies.
	List(ctx context.Context, f JobFilter) ([]*job.Job, error)
	// CompareAndSetStatus performs the pending->running transition under
	// compare-and-set so exactly one worker claims a job (§5).
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to job.Status) (bool, error)
}

// AgentRepo is typed CRUD + indexed list over agents (§4.1, §3).
type AgentRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*agent.Agent, error)
	GetByGUID(ctx context.Context, guid string) (*agent.Agent, error)
	// ListByTenant is the by_tenant index.
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*agent.Agent, error)
	// ListAll seeds the heartbeat manager's in-memory cache at startup (§4.10).
	ListAll(ctx context.Context) ([]*agent.Agent, error)
	// BatchUpsert commits the heartbeat sync worker's coalesced writes (§4.10).
	BatchUpsert(ctx context.Context, agents []*agent.Agent) error
}
