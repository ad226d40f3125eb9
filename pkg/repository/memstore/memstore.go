// Package memstore is an in-memory repository.Store used by pipeline-stage
// unit tests in place of the Postgres-backed implementation (SPEC_FULL.md
// test tooling section). Its List methods accept the same filters as the
// real store but answer them by scanning every row of the collection;
// there are no secondary indexes.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/agent"
	"github.com/meridianmsp/posturepipe/pkg/alert"
	"github.com/meridianmsp/posturepipe/pkg/datasource"
	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/job"
	"github.com/meridianmsp/posturepipe/pkg/relationship"
	"github.com/meridianmsp/posturepipe/pkg/repository"
	"github.com/meridianmsp/posturepipe/pkg/tenant"
)

// Store is the in-memory repository.Store implementation.
type Store struct {
	tenants       *tenantRepo
	sites         *siteRepo
	dataSources   *dataSourceRepo
	entities      *entityRepo
	relationships *relationshipRepo
	alerts        *alertRepo
	jobs          *jobRepo
	agents        *agentRepo
}

// New builds an empty in-memory store.
func New() *Store {
	return &Store{
		tenants:       &tenantRepo{rows: map[uuid.UUID]*tenant.Tenant{}},
		sites:         &siteRepo{rows: map[uuid.UUID]*tenant.Site{}},
		dataSources:   &dataSourceRepo{rows: map[uuid.UUID]*datasource.DataSource{}},
		entities:      &entityRepo{rows: map[uuid.UUID]*entity.Entity{}},
		relationships: &relationshipRepo{rows: map[uuid.UUID]*relationship.Relationship{}},
		alerts:        &alertRepo{rows: map[uuid.UUID]*alert.Alert{}},
		jobs:          &jobRepo{rows: map[uuid.UUID]*job.Job{}},
		agents:        &agentRepo{rows: map[uuid.UUID]*agent.Agent{}},
	}
}

func (s *Store) Tenants() repository.TenantRepo             { return s.tenants }
func (s *Store) Sites() repository.SiteRepo                 { return s.sites }
func (s *Store) DataSources() repository.DataSourceRepo     { return s.dataSources }
func (s *Store) Entities() repository.EntityRepo             { return s.entities }
func (s *Store) Relationships() repository.RelationshipRepo { return s.relationships }
func (s *Store) Alerts() repository.AlertRepo               { return s.alerts }
func (s *Store) Jobs() repository.JobRepo                   { return s.jobs }
func (s *Store) Agents() repository.AgentRepo               { return s.agents }

var errNotFound = repository.ErrNotFound

// --- tenants ---

type tenantRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*tenant.Tenant
}

func (r *tenantRepo) Get(_ context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.rows[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *tenantRepo) Create(_ context.Context, t *tenant.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	cp := *t
	r.rows[t.ID] = &cp
	return nil
}

func (r *tenantRepo) Update(_ context.Context, t *tenant.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[t.ID]; !ok {
		return errNotFound
	}
	cp := *t
	r.rows[t.ID] = &cp
	return nil
}

func (r *tenantRepo) ListActive(_ context.Context) ([]*tenant.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*tenant.Tenant
	for _, t := range r.rows {
		if t.IsSchedulable() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- sites ---

type siteRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*tenant.Site
}

func (r *siteRepo) Get(_ context.Context, id uuid.UUID) (*tenant.Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *siteRepo) Create(_ context.Context, s *tenant.Site) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	r.rows[s.ID] = &cp
	return nil
}

func (r *siteRepo) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]*tenant.Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*tenant.Site
	for _, s := range r.rows {
		if s.TenantID == tenantID && s.DeletedAt == nil {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- data sources ---

type dataSourceRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*datasource.DataSource
}

func (r *dataSourceRepo) Get(_ context.Context, id uuid.UUID) (*datasource.DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.rows[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *dataSourceRepo) Create(_ context.Context, d *datasource.DataSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	cp := *d
	r.rows[d.ID] = &cp
	return nil
}

func (r *dataSourceRepo) Update(_ context.Context, d *datasource.DataSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[d.ID]; !ok {
		return errNotFound
	}
	cp := *d
	r.rows[d.ID] = &cp
	return nil
}

func (r *dataSourceRepo) ListSchedulable(_ context.Context, now time.Time) ([]*datasource.DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*datasource.DataSource
	for _, d := range r.rows {
		if d.IsSchedulable(now) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *dataSourceRepo) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]*datasource.DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*datasource.DataSource
	for _, d := range r.rows {
		if d.TenantID == tenantID && d.DeletedAt == nil {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- entities ---

type entityRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*entity.Entity
}

func (r *entityRepo) Get(_ context.Context, id uuid.UUID) (*entity.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rows[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *entityRepo) GetByExternalID(_ context.Context, dataSourceID uuid.UUID, externalID string) (*entity.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.rows {
		if e.DataSourceID == dataSourceID && e.ExternalID == externalID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, errNotFound
}

func (r *entityRepo) Upsert(_ context.Context, e *entity.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, existing := range r.rows {
		if existing.DataSourceID == e.DataSourceID && existing.ExternalID == e.ExternalID {
			e.ID = id
			e.CreatedAt = existing.CreatedAt
			cp := *e
			r.rows[id] = &cp
			return nil
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	r.rows[e.ID] = &cp
	return nil
}

func (r *entityRepo) UpdateState(_ context.Context, id uuid.UUID, state entity.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return errNotFound
	}
	e.State = state
	e.UpdatedAt = e.UpdatedAt
	return nil
}

func (r *entityRepo) UpdateTags(_ context.Context, id uuid.UUID, tags []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return errNotFound
	}
	e.Tags = append([]string(nil), tags...)
	return nil
}

func (r *entityRepo) List(_ context.Context, f repository.EntityFilter) ([]*entity.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entity.Entity
	for _, e := range r.rows {
		if e.DeletedAt != nil && !f.IncludeDeleted {
			continue
		}
		if f.TenantID != uuid.Nil && e.TenantID != f.TenantID {
			continue
		}
		if f.DataSourceID != uuid.Nil && e.DataSourceID != f.DataSourceID {
			continue
		}
		if f.SiteID != uuid.Nil && (e.SiteID == nil || *e.SiteID != f.SiteID) {
			continue
		}
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.SyncID != "" && e.SyncID != f.SyncID {
			continue
		}
		if f.ExcludeSyncID != "" && e.SyncID == f.ExcludeSyncID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (r *entityRepo) SoftDeleteMany(_ context.Context, ids []uuid.UUID, deletedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if e, ok := r.rows[id]; ok {
			t := deletedAt
			e.DeletedAt = &t
		}
	}
	return nil
}

func (r *entityRepo) PurgeDeletedBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.rows {
		if e.DeletedAt != nil && e.DeletedAt.Before(cutoff) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

// --- relationships ---

type relationshipRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*relationship.Relationship
}

func (r *relationshipRepo) Get(_ context.Context, id uuid.UUID) (*relationship.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rel, ok := r.rows[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *rel
	return &cp, nil
}

func (r *relationshipRepo) Upsert(_ context.Context, rel *relationship.Relationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rel.Key()
	for id, existing := range r.rows {
		if existing.Key() == key {
			rel.ID = id
			rel.CreatedAt = existing.CreatedAt
			cp := *rel
			r.rows[id] = &cp
			return nil
		}
	}
	if rel.ID == uuid.Nil {
		rel.ID = uuid.New()
	}
	cp := *rel
	r.rows[rel.ID] = &cp
	return nil
}

func (r *relationshipRepo) List(_ context.Context, f repository.RelationshipFilter) ([]*relationship.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*relationship.Relationship
	for _, rel := range r.rows {
		if rel.DeletedAt != nil {
			continue
		}
		if f.ParentEntityID != uuid.Nil && rel.ParentEntityID != f.ParentEntityID {
			continue
		}
		if f.ChildEntityID != uuid.Nil && rel.ChildEntityID != f.ChildEntityID {
			continue
		}
		if f.RelationshipType != "" && rel.RelationshipType != f.RelationshipType {
			continue
		}
		if f.DataSourceID != uuid.Nil && rel.DataSourceID != f.DataSourceID {
			continue
		}
		cp := *rel
		out = append(out, &cp)
	}
	return out, nil
}

func (r *relationshipRepo) SoftDeleteMany(_ context.Context, ids []uuid.UUID, deletedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if rel, ok := r.rows[id]; ok {
			t := deletedAt
			rel.DeletedAt = &t
		}
	}
	return nil
}

func (r *relationshipRepo) PurgeDeletedBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rel := range r.rows {
		if rel.DeletedAt != nil && rel.DeletedAt.Before(cutoff) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

// --- alerts ---

type alertRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*alert.Alert
}

func (r *alertRepo) Get(_ context.Context, id uuid.UUID) (*alert.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *alertRepo) List(_ context.Context, f repository.AlertFilter) ([]*alert.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	typeSet := map[string]bool{}
	for _, t := range f.AlertTypes {
		typeSet[t] = true
	}
	var out []*alert.Alert
	for _, a := range r.rows {
		if f.EntityID != uuid.Nil && a.EntityID != f.EntityID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Fingerprint != "" && a.Fingerprint != f.Fingerprint {
			continue
		}
		if f.DataSourceID != uuid.Nil && a.DataSourceID != f.DataSourceID {
			continue
		}
		if len(typeSet) > 0 && !typeSet[a.AlertType] {
			continue
		}
		if f.TenantID != uuid.Nil && a.TenantID != f.TenantID {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (r *alertRepo) BatchUpsert(_ context.Context, alerts []*alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range alerts {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		cp := *a
		r.rows[a.ID] = &cp
	}
	return nil
}

func (r *alertRepo) PurgeResolvedBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, a := range r.rows {
		if a.Status == alert.StatusResolved && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

// --- jobs ---

type jobRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*job.Job
}

func (r *jobRepo) Get(_ context.Context, id uuid.UUID) (*job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.rows[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *jobRepo) Create(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	cp := *j
	r.rows[j.ID] = &cp
	return nil
}

func (r *jobRepo) Update(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[j.ID]; !ok {
		return errNotFound
	}
	cp := *j
	r.rows[j.ID] = &cp
	return nil
}

func (r *jobRepo) List(_ context.Context, f repository.JobFilter) ([]*job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*job.Job
	for _, j := range r.rows {
		if f.DataSourceID != uuid.Nil && j.DataSourceID != f.DataSourceID {
			continue
		}
		if f.Action != "" && j.Action != f.Action {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if !f.DueBefore.IsZero() && j.ScheduledAt.After(f.DueBefore) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (r *jobRepo) CompareAndSetStatus(_ context.Context, id uuid.UUID, from, to job.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.rows[id]
	if !ok {
		return false, errNotFound
	}
	if j.Status != from {
		return false, nil
	}
	j.Status = to
	return true, nil
}

// --- agents ---

type agentRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*agent.Agent
}

func (r *agentRepo) Get(_ context.Context, id uuid.UUID) (*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *agentRepo) GetByGUID(_ context.Context, guid string) (*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.rows {
		if a.Metadata.GUID == guid {
			cp := *a
			return &cp, nil
		}
	}
	return nil, errNotFound
}

func (r *agentRepo) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*agent.Agent
	for _, a := range r.rows {
		if a.TenantID == tenantID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *agentRepo) ListAll(_ context.Context) ([]*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(r.rows))
	for _, a := range r.rows {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (r *agentRepo) BatchUpsert(_ context.Context, agents []*agent.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		if a.ID == uuid.Nil {
			for _, existing := range r.rows {
				if existing.Metadata.GUID == a.Metadata.GUID {
					a.ID = existing.ID
					break
				}
			}
		}
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		cp := *a
		r.rows[a.ID] = &cp
	}
	return nil
}

