// Package snapshot is the context loader (§4.7 C8): it assembles a coherent
// in-memory view of one data source's entities and relationships so the
// analyzer can run every posture check in a single pass without per-check
// round-trips to the store.
package snapshot

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/internal/telemetry"
	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/relationship"
	"github.com/meridianmsp/posturepipe/pkg/repository"
)

// slowQueryThreshold marks a single indexed query as slow for the
// queryCount/loadTimeMs/slowQueryCount metrics (§4.7 performance contract).
const slowQueryThreshold = 500 * time.Millisecond

// entityTypesForAnalysis are the entity types a Microsoft-365-shaped
// integration's posture checks read (§4.8): identities, groups, roles,
// policies, licenses. Endpoints/firewalls/companies aren't consulted by the
// checks in §4.8, so loading them here would blow the O(15) query budget for
// no benefit.
var entityTypesForAnalysis = []entity.Type{
	entity.TypeIdentities,
	entity.TypeGroups,
	entity.TypeRoles,
	entity.TypePolicies,
	entity.TypeLicenses,
}

// Snapshot is the coherent point-in-time graph handed to the analyzer (§4.7).
type Snapshot struct {
	TenantID        uuid.UUID
	DataSourceID    uuid.UUID
	IntegrationSlug string
	SyncID          string

	ByID         map[uuid.UUID]*entity.Entity
	ByExternalID map[string]*entity.Entity
	ByType       map[entity.Type][]*entity.Entity

	// IdentityGroups maps an identity entity id to the groups it's a
	// member_of, directly only (role/license/policy maps below follow the
	// same "direct edges from relationships" shape; "via group" expansion
	// for policy targeting is done by the analyzer using IdentityGroups).
	IdentityGroups   map[uuid.UUID][]*entity.Entity
	IdentityRoles    map[uuid.UUID][]*entity.Entity
	IdentityLicenses map[uuid.UUID][]*entity.Entity
	IdentityPolicies map[uuid.UUID][]*entity.Entity
	GroupMembers     map[uuid.UUID][]*entity.Entity
	RoleAssignees    map[uuid.UUID][]*entity.Entity
	PolicyTargets    map[uuid.UUID][]*entity.Entity
	LicenseHolders   map[uuid.UUID][]*entity.Entity

	QueryCount     int
	LoadTimeMs     int64
	SlowQueryCount int
}

// Loader loads Snapshots from the durable store (§4.7).
type Loader struct {
	store repository.Store
	now   func() time.Time
}

// New builds a Loader.
func New(store repository.Store) *Loader {
	return &Loader{store: store, now: time.Now}
}

// timedQuery runs one indexed query and folds its latency into the
// in-progress load's metrics.
func (l *Loader) timedQuery(s *Snapshot, integration string, fn func() error) error {
	start := l.now()
	err := fn()
	elapsed := l.now().Sub(start)
	s.QueryCount++
	s.LoadTimeMs += elapsed.Milliseconds()
	if elapsed > slowQueryThreshold {
		s.SlowQueryCount++
		telemetry.ContextLoadSlowQueriesTotal.WithLabelValues(integration).Inc()
	}
	return err
}

// Load builds a Snapshot for (tenantId, dataSourceId, integrationSlug). It
// issues one indexed query per entity type plus one for all of the data
// source's relationships, from which every relationship map is built,
// staying within the §4.7 O(15) budget for the five analyzed entity types.
// If a torn snapshot is detected (mixed syncIds across a type that should be
// single-sync-consistent), it retries once.
func (l *Loader) Load(ctx context.Context, tenantID, dataSourceID uuid.UUID, integrationSlug string) (*Snapshot, error) {
	snap, err := l.load(ctx, tenantID, dataSourceID, integrationSlug)
	if err != nil {
		return nil, err
	}
	if snap.torn() {
		snap, err = l.load(ctx, tenantID, dataSourceID, integrationSlug)
		if err != nil {
			return nil, err
		}
	}
	telemetry.ContextLoadQueryCount.WithLabelValues(integrationSlug).Observe(float64(snap.QueryCount))
	telemetry.ContextLoadDuration.WithLabelValues(integrationSlug).Observe(float64(snap.LoadTimeMs) / 1000)
	return snap, nil
}

func (l *Loader) load(ctx context.Context, tenantID, dataSourceID uuid.UUID, integrationSlug string) (*Snapshot, error) {
	s := &Snapshot{
		TenantID:        tenantID,
		DataSourceID:    dataSourceID,
		IntegrationSlug: integrationSlug,
		ByID:            map[uuid.UUID]*entity.Entity{},
		ByExternalID:    map[string]*entity.Entity{},
		ByType:          map[entity.Type][]*entity.Entity{},
	}

	for _, t := range entityTypesForAnalysis {
		t := t
		if err := l.timedQuery(s, integrationSlug, func() error {
			ents, err := l.store.Entities().List(ctx, repository.EntityFilter{DataSourceID: dataSourceID, EntityType: t})
			if err != nil {
				return err
			}
			s.ByType[t] = ents
			for _, e := range ents {
				s.ByID[e.ID] = e
				s.ByExternalID[e.ExternalID] = e
				if e.SyncID != "" {
					if s.SyncID == "" {
						s.SyncID = e.SyncID
					}
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	rels, err := l.loadRelationships(ctx, s, dataSourceID, integrationSlug)
	if err != nil {
		return nil, err
	}
	s.buildRelationshipMaps(rels)

	return s, nil
}

func (l *Loader) loadRelationships(ctx context.Context, s *Snapshot, dataSourceID uuid.UUID, integrationSlug string) ([]*relationship.Relationship, error) {
	var rels []*relationship.Relationship
	err := l.timedQuery(s, integrationSlug, func() error {
		r, err := l.store.Relationships().List(ctx, repository.RelationshipFilter{DataSourceID: dataSourceID})
		if err != nil {
			return err
		}
		rels = r
		return nil
	})
	return rels, err
}

func (s *Snapshot) buildRelationshipMaps(rels []*relationship.Relationship) {
	s.IdentityGroups = map[uuid.UUID][]*entity.Entity{}
	s.IdentityRoles = map[uuid.UUID][]*entity.Entity{}
	s.IdentityLicenses = map[uuid.UUID][]*entity.Entity{}
	s.IdentityPolicies = map[uuid.UUID][]*entity.Entity{}
	s.GroupMembers = map[uuid.UUID][]*entity.Entity{}
	s.RoleAssignees = map[uuid.UUID][]*entity.Entity{}
	s.PolicyTargets = map[uuid.UUID][]*entity.Entity{}
	s.LicenseHolders = map[uuid.UUID][]*entity.Entity{}

	for _, r := range rels {
		parent, child := s.ByID[r.ParentEntityID], s.ByID[r.ChildEntityID]
		if parent == nil || child == nil {
			continue // edge refers to an entity outside the loaded scope; ignore
		}
		switch r.RelationshipType {
		case relationship.TypeMemberOf:
			// parent=group, child=identity (or group, for nested membership)
			if child.EntityType == entity.TypeIdentities {
				s.IdentityGroups[child.ID] = append(s.IdentityGroups[child.ID], parent)
			}
			s.GroupMembers[parent.ID] = append(s.GroupMembers[parent.ID], child)
		case relationship.TypeAssignedRole:
			// parent=role, child=identity
			s.IdentityRoles[child.ID] = append(s.IdentityRoles[child.ID], parent)
			s.RoleAssignees[parent.ID] = append(s.RoleAssignees[parent.ID], child)
		case relationship.TypeHasLicense:
			// parent=license, child=identity
			s.IdentityLicenses[child.ID] = append(s.IdentityLicenses[child.ID], parent)
			s.LicenseHolders[parent.ID] = append(s.LicenseHolders[parent.ID], child)
		case relationship.TypeAppliesTo:
			// parent=policy, child=identity or group
			if child.EntityType == entity.TypeIdentities {
				s.IdentityPolicies[child.ID] = append(s.IdentityPolicies[child.ID], parent)
			}
			s.PolicyTargets[parent.ID] = append(s.PolicyTargets[parent.ID], child)
		}
	}
}

// torn reports whether any one entity type's loaded rows straddle more than
// one syncId, which happens while a sync of that type is only partly
// committed (§4.7 consistency clause). Each type is synced by its own job
// under its own syncId, so differing syncIds across types are not counted.
func (s *Snapshot) torn() bool {
	for _, ents := range s.ByType {
		seen := map[string]bool{}
		for _, e := range ents {
			if e.SyncID != "" {
				seen[e.SyncID] = true
			}
		}
		if len(seen) > 1 {
			return true
		}
	}
	return false
}

// Identities returns the loaded identity entities.
func (s *Snapshot) Identities() []*entity.Entity { return s.ByType[entity.TypeIdentities] }

// Licenses returns the loaded license entities.
func (s *Snapshot) Licenses() []*entity.Entity { return s.ByType[entity.TypeLicenses] }

// Policies returns the loaded policy entities.
func (s *Snapshot) Policies() []*entity.Entity { return s.ByType[entity.TypePolicies] }

// SecurityDefaults returns the tenant's Security Defaults pseudo-entity, if
// present (external id "security-defaults", per §4.8).
func (s *Snapshot) SecurityDefaults() *entity.Entity {
	return s.ByExternalID["security-defaults"]
}
