// Package connector defines the capability interface (§4.4 C3) every
// integration adapter drives: a small set of typed fetch methods plus a
// health check, all returning errors classified through pkg/errkind so the
// adapter runtime can decide retry vs. mark-broken without string matching.
package connector

import "context"

// Record is one raw item returned by a connector, keyed by the integration's
// own identifier (§3 Entity.externalId).
type Record struct {
	ExternalID string
	Raw        map[string]any
}

// Page is one page of a cursor-paginated fetch (§4.4 step 2).
type Page struct {
	Records    []Record
	NextCursor string
	HasMore    bool
}

// TenantInfo is a remote tenant/org the connector's credentials can see,
// used by the "getTenants" discovery capability for MSP-wide integrations.
type TenantInfo struct {
	ExternalID string
	Name       string
}

// Connector is the capability surface a single data source's credentials
// are checked and fetched through (§4.4). Not every integration implements
// every method meaningfully; unsupported capabilities return ErrUnsupported.
type Connector interface {
	// CheckHealth validates credentials without fetching data (§4.4 step 1).
	CheckHealth(ctx context.Context) error

	GetIdentities(ctx context.Context, cursor string) (Page, error)
	GetGroups(ctx context.Context, cursor string) (Page, error)
	GetRoles(ctx context.Context, cursor string) (Page, error)
	GetConditionalAccessPolicies(ctx context.Context, cursor string) (Page, error)
	GetSecurityDefaultsEnabled(ctx context.Context) (bool, error)
	GetSubscribedSkus(ctx context.Context, cursor string) (Page, error)
	GetEndpoints(ctx context.Context, cursor string) (Page, error)
	GetTenants(ctx context.Context) ([]TenantInfo, error)
}

// ErrUnsupported is returned by a capability method an integration doesn't
// implement. It carries no errkind classification of its own, so
// errkind.KindOf reports it as Transient unless a caller classifies it.
var ErrUnsupported = unsupportedErr{}

type unsupportedErr struct{}

func (unsupportedErr) Error() string { return "connector: capability not supported" }

// Factory builds a Connector for one data source's stored configuration and
// credentials. Each integration slug in the catalog (§3 Integration) owns
// exactly one Factory, registered at startup.
type Factory func(ctx context.Context, config, credentials []byte) (Connector, error)

// Registry maps integration slugs to their connector factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register binds a slug to a factory. Call once per integration at startup.
func (r *Registry) Register(slug string, f Factory) {
	r.factories[slug] = f
}

// Build constructs a Connector for the given integration slug, or
// ErrUnsupported if no factory is registered.
func (r *Registry) Build(ctx context.Context, slug string, config, credentials []byte) (Connector, error) {
	f, ok := r.factories[slug]
	if !ok {
		return nil, ErrUnsupported
	}
	return f(ctx, config, credentials)
}
