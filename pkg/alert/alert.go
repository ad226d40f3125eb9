// Package alert models the persisted lifecycle state of a finding (§3
// EntityAlert), deduplicated by fingerprint and owned exclusively by the
// Alert manager (C10).
package alert

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/entity"
)

// Severity orders low < medium < high < critical (§3, §4.9 step 6).
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Max returns whichever of a, b ranks higher.
func Max(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Status is the alert lifecycle state (§3).
type Status string

const (
	StatusActive     Status = "active"
	StatusResolved   Status = "resolved"
	StatusSuppressed Status = "suppressed"
)

// Alert is a per-entity finding with lifecycle state (§3 EntityAlert).
type Alert struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	DataSourceID     uuid.UUID
	EntityID         uuid.UUID
	AlertType        string
	Severity         Severity
	Status           Status
	Fingerprint      string
	Message          string
	Metadata         map[string]any
	LastSeenAt       time.Time
	ResolvedAt       *time.Time
	SuppressedAt     *time.Time
	SuppressedUntil  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsDue reports whether a suppressed alert should return to active (§4.9 step 5).
func (a *Alert) IsDue(now time.Time) bool {
	return a.Status == StatusSuppressed && a.SuppressedUntil != nil && !a.SuppressedUntil.After(now)
}

var severityToState = map[Severity]entity.State{
	SeverityLow:      entity.StateLow,
	SeverityMedium:   entity.StateWarn,
	SeverityHigh:     entity.StateHigh,
	SeverityCritical: entity.StateCritical,
}

// RollupState computes an entity's state as the max severity among its
// active alerts, defaulting to normal when none are active (§4.9 step 6).
func RollupState(active []*Alert) entity.State {
	state := entity.StateNormal
	found := false
	for _, a := range active {
		if a.Status != StatusActive {
			continue
		}
		mapped, ok := severityToState[a.Severity]
		if !ok {
			continue
		}
		if !found {
			state, found = mapped, true
		} else {
			state = entity.MaxState(state, mapped)
		}
	}
	return state
}
