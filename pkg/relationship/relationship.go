// Package relationship models the directed typed edges the Linker (C7)
// materializes between entities (§3 EntityRelationship).
package relationship

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the relationship kinds used by the linkers (§3).
type Type string

const (
	TypeMemberOf     Type = "member_of"     // identity->group or group->group
	TypeAssignedRole Type = "assigned_role" // identity->role
	TypeHasLicense   Type = "has_license"   // identity->license
	TypeAppliesTo    Type = "applies_to"    // policy->identity/group
	TypeParent       Type = "parent"        // integration-specific parent link
)

// Relationship is a directed edge scoped to (tenantId, dataSourceId) (§3).
type Relationship struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	DataSourceID    uuid.UUID
	ParentEntityID  uuid.UUID
	ChildEntityID   uuid.UUID
	RelationshipType Type
	SyncID          string
	LastSeenAt      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// Key identifies an edge independent of its surrogate ID, used by the
// linker's diff algorithm (§4.6 step 3).
type Key struct {
	ParentEntityID   uuid.UUID
	ChildEntityID    uuid.UUID
	RelationshipType Type
}

func (r Relationship) Key() Key {
	return Key{r.ParentEntityID, r.ChildEntityID, r.RelationshipType}
}
