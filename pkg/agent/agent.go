// Package agent models the tenant/site-scoped endpoint agent identity
// tracked by the Heartbeat manager (C11) (§3 Agent).
package agent

import (
	"time"

	"github.com/google/uuid"
)

// Status is agent liveness state (§3).
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// StaleAfter is the threshold past which an online agent is considered
// stale by the 30s scan (§4.10 "stale check", 180s).
const StaleAfter = 180 * time.Second

// Metadata carries the agent's reported identity fields (§3, §4.10).
type Metadata struct {
	GUID       string
	Hostname   string
	Version    string
	IPAddress  string
	ExtAddress string
	MACAddress string
}

// Equal reports whether two Metadata values are identical, used by
// recordHeartbeat to decide whether an update needs to be enqueued (§4.10).
func (m Metadata) Equal(o Metadata) bool {
	return m == o
}

// Agent is a tenant/site-scoped endpoint agent identity (§3).
type Agent struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	SiteID          *uuid.UUID
	Status          Status
	StatusChangedAt time.Time
	LastHeartbeat   time.Time
	Metadata        Metadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsStale reports whether an online agent has gone quiet for too long (§4.10).
func (a *Agent) IsStale(now time.Time) bool {
	return a.Status == StatusOnline && now.Sub(a.LastHeartbeat) > StaleAfter
}
