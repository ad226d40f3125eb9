// Package tenant models the isolation boundary of §3: a Tenant owns zero or
// more Sites, and every other record in the system carries a tenantId.
package tenant

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// DefaultConcurrentJobLimit is used when a tenant does not override it (§3).
const DefaultConcurrentJobLimit = 5

// Tenant is the top-level isolation boundary (§3).
type Tenant struct {
	ID                 uuid.UUID
	Name               string
	Status             Status
	ConcurrentJobLimit int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// EffectiveConcurrentJobLimit returns ConcurrentJobLimit, falling back to the default.
func (t *Tenant) EffectiveConcurrentJobLimit() int {
	if t.ConcurrentJobLimit <= 0 {
		return DefaultConcurrentJobLimit
	}
	return t.ConcurrentJobLimit
}

// IsSchedulable reports whether jobs may be dispatched for this tenant (§4.3, §5).
func (t *Tenant) IsSchedulable() bool {
	return t.Status == StatusActive && t.DeletedAt == nil
}

// Site is a logical customer under a tenant, optionally cross-linked to a
// PSA/RMM record (§3).
type Site struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	PSARef    *string
	RMMRef    *string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

type contextKey string

const tenantKey contextKey = "posture_tenant"

// NewContext stores the tenant in ctx so pipeline workers can read
// ConcurrentJobLimit without an extra repository round trip.
func NewContext(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

// FromContext extracts the tenant from ctx, or nil if none is set.
func FromContext(ctx context.Context) *Tenant {
	v, _ := ctx.Value(tenantKey).(*Tenant)
	return v
}
