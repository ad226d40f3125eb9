// Package catalog holds the Integration catalog: the fixed set of vendor
// integrations the pipeline knows how to sync, independent of any tenant's
// DataSource bindings (§3).
package catalog

import "github.com/google/uuid"

// SupportedType describes one entity type an integration can sync, with the
// scheduling defaults §4.3 falls back to when a data source doesn't override
// them.
type SupportedType struct {
	Type        string
	IsGlobal    bool // true if the entity type is tenant-global rather than per-site
	Priority    int  // higher first; default 5
	RateMinutes int  // minimum minutes between syncs; default 60
}

const (
	DefaultPriority    = 5
	DefaultRateMinutes = 60
)

// EffectivePriority returns Priority, falling back to DefaultPriority.
func (s SupportedType) EffectivePriority() int {
	if s.Priority <= 0 {
		return DefaultPriority
	}
	return s.Priority
}

// EffectiveRateMinutes returns RateMinutes, falling back to DefaultRateMinutes.
func (s SupportedType) EffectiveRateMinutes() int {
	if s.RateMinutes <= 0 {
		return DefaultRateMinutes
	}
	return s.RateMinutes
}

// Integration is a catalog entry: slug, category, and the entity types it can sync.
type Integration struct {
	ID             uuid.UUID
	Slug           string
	Category       string // identity, endpoint, psa, firewall, ...
	SupportedTypes []SupportedType
}

// TypeConfig looks up the SupportedType entry for a given entity type.
func (i Integration) TypeConfig(entityType string) (SupportedType, bool) {
	for _, st := range i.SupportedTypes {
		if st.Type == entityType {
			return st, true
		}
	}
	return SupportedType{}, false
}

// Registry is the in-process catalog of known integrations, keyed by slug.
// Populated once at process start (§9 "module-level mutable state" — the
// license catalog is the one example given; this registry is the same shape:
// loaded once, read-only thereafter).
type Registry struct {
	bySlug map[string]Integration
}

// NewRegistry builds a catalog registry from a fixed list of integrations.
func NewRegistry(integrations ...Integration) *Registry {
	r := &Registry{bySlug: make(map[string]Integration, len(integrations))}
	for _, ig := range integrations {
		r.bySlug[ig.Slug] = ig
	}
	return r
}

// Get returns the integration for a slug.
func (r *Registry) Get(slug string) (Integration, bool) {
	ig, ok := r.bySlug[slug]
	return ig, ok
}

// All returns every registered integration.
func (r *Registry) All() []Integration {
	out := make([]Integration, 0, len(r.bySlug))
	for _, ig := range r.bySlug {
		out = append(out, ig)
	}
	return out
}

// microsoft365ID is fixed rather than random so every process in a
// deployment agrees on the integration's identity without a shared sequence.
var microsoft365ID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Microsoft365 is the reference integration used by the seed data and by
// example scenarios in spec.md §8 (identities, groups, roles, policies,
// licenses, all tenant-global).
func Microsoft365() Integration {
	return Integration{
		ID:       microsoft365ID,
		Slug:     "microsoft-365",
		Category: "identity",
		SupportedTypes: []SupportedType{
			{Type: "identities", IsGlobal: true, Priority: 8, RateMinutes: 60},
			{Type: "groups", IsGlobal: true, Priority: 6, RateMinutes: 120},
			{Type: "roles", IsGlobal: true, Priority: 6, RateMinutes: 240},
			{Type: "policies", IsGlobal: true, Priority: 7, RateMinutes: 120},
			{Type: "licenses", IsGlobal: true, Priority: 5, RateMinutes: 240},
		},
	}
}
