// Package entity models the normalized record (§3 Entity) that every
// connector's raw records are upserted into by the entity processor (C6).
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the normalized entity kinds the pipeline understands (§3).
type Type string

const (
	TypeCompanies  Type = "companies"
	TypeEndpoints  Type = "endpoints"
	TypeIdentities Type = "identities"
	TypeFirewalls  Type = "firewalls"
	TypeGroups     Type = "groups"
	TypeRoles      Type = "roles"
	TypePolicies   Type = "policies"
	TypeLicenses   Type = "licenses"
)

// State is the posture severity rollup on an entity (§3, §4.9 step 6).
type State string

const (
	StateLow      State = "low"
	StateNormal   State = "normal"
	StateWarn     State = "warn"
	StateHigh     State = "high"
	StateCritical State = "critical"
)

var stateRank = map[State]int{
	StateLow:      0,
	StateNormal:   1,
	StateWarn:     2,
	StateHigh:     3,
	StateCritical: 4,
}

// MaxState returns whichever of a, b ranks higher, per the severity ordering
// low < normal < warn < high < critical used by entity state rollup. Note
// spec §4.9 step 6 orders alert severities low<medium<high<critical and maps
// that onto entity State via alert.severityToState; MaxState operates on
// States directly so callers can fold repeatedly.
func MaxState(a, b State) State {
	if stateRank[b] > stateRank[a] {
		return b
	}
	return a
}

// churnProneFields lists, per entity type, the fields excluded from the
// content hash because they change on every sync without representing a
// meaningful update (§3 Entity.dataHash, §4.4 step 4).
var churnProneFields = map[Type][]string{
	TypeIdentities: {"signInActivity", "lastSignInAt", "lastSeenAt"},
	TypeEndpoints:  {"lastSeenAt", "lastCheckinAt", "uptimeSeconds"},
	TypeFirewalls:  {"lastSeenAt", "uptimeSeconds"},
	TypeCompanies:  {"lastSeenAt"},
	TypeGroups:     {"lastSeenAt"},
	TypeRoles:      {"lastSeenAt"},
	TypePolicies:   {"lastSeenAt"},
	TypeLicenses:   {"lastSeenAt", "consumedUnits"},
}

// ComputeDataHash fingerprints raw over a canonical JSON encoding with the
// entity type's churn-prone fields removed, so a no-op resync doesn't look
// like a change (§3, §4.4 step 4).
func ComputeDataHash(t Type, raw map[string]any) string {
	clean := make(map[string]any, len(raw))
	excluded := make(map[string]bool, len(churnProneFields[t]))
	for _, f := range churnProneFields[t] {
		excluded[f] = true
	}
	for k, v := range raw {
		if !excluded[k] {
			clean[k] = v
		}
	}

	keys := make([]string, 0, len(clean))
	for k := range clean {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, clean[k])
	}

	canonical, _ := json.Marshal(ordered)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Entity is the normalized record keyed by (tenantId, integrationId,
// dataSourceId, externalId) (§3).
type Entity struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	IntegrationID   uuid.UUID
	DataSourceID    uuid.UUID
	ExternalID      string
	EntityType      Type
	SiteID          *uuid.UUID
	State           State
	DataHash        string
	RawData         map[string]any
	NormalizedData  map[string]any
	Tags            []string
	SyncID          string
	LastSeenAt      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// HasTag reports whether t is already present among the entity's UI tags.
func (e *Entity) HasTag(t string) bool {
	for _, existing := range e.Tags {
		if existing == t {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the entity's normalized data marks it as an
// administrator, used by the MFA/policy-gap checks (§4.8).
func (e *Entity) IsAdmin() bool {
	v, ok := e.NormalizedData["isAdmin"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IsEnabled reports whether the identity/account is enabled.
func (e *Entity) IsEnabled() bool {
	v, ok := e.NormalizedData["enabled"]
	if !ok {
		return true // absence defaults to enabled; most connectors always set this
	}
	b, _ := v.(bool)
	return b
}

// LastLogin returns the normalized lastLogin timestamp, if present.
func (e *Entity) LastLogin() (time.Time, bool) {
	v, ok := e.NormalizedData["lastLogin"]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
