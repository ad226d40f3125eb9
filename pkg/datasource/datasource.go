// Package datasource models the binding of one catalog integration to one
// tenant, optionally scoped to one site (§3 DataSource).
package datasource

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a data source.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// DomainMapping maps an email/UPN domain suffix to a site, used by the
// adapter's longest-suffix-match site resolution (§4.4 step 5).
type DomainMapping struct {
	Domain string `json:"domain"`
	SiteID string `json:"siteId"`
}

// Config is the opaque, round-trip-preserving configuration blob (§6).
// Known keys are surfaced as typed accessors; unknown keys pass through.
type Config struct {
	raw json.RawMessage
}

// NewConfig wraps raw JSON configuration, preserving unknown keys verbatim.
func NewConfig(raw json.RawMessage) Config {
	if raw == nil {
		raw = json.RawMessage("{}")
	}
	return Config{raw: raw}
}

// Raw returns the underlying JSON, unchanged from what was stored.
func (c Config) Raw() json.RawMessage { return c.raw }

// DomainMappings extracts the domainMappings array, if present.
func (c Config) DomainMappings() []DomainMapping {
	var wrapper struct {
		DomainMappings []DomainMapping `json:"domainMappings"`
	}
	if len(c.raw) == 0 {
		return nil
	}
	_ = json.Unmarshal(c.raw, &wrapper)
	return wrapper.DomainMappings
}

// ResolveSiteID returns the siteId whose domain is the longest suffix match
// of upn, or "" if none match (§4.4 step 5, §8 boundary behavior).
func (c Config) ResolveSiteID(upn string) string {
	best := ""
	bestLen := -1
	for _, m := range c.DomainMappings() {
		if hasSuffixFold(upn, "@"+m.Domain) && len(m.Domain) > bestLen {
			best = m.SiteID
			bestLen = len(m.Domain)
		}
	}
	return best
}

func hasSuffixFold(s, suffix string) bool {
	if len(suffix) > len(s) {
		return false
	}
	tail := s[len(s)-len(suffix):]
	return equalFold(tail, suffix)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// DataSource binds one integration to one tenant, optionally one site (§3).
type DataSource struct {
	ID                    uuid.UUID
	TenantID              uuid.UUID
	SiteID                *uuid.UUID
	IntegrationID         uuid.UUID
	IntegrationSlug       string
	Config                Config
	IsPrimary             bool
	Status                Status
	CredentialExpirationAt *time.Time
	LastSyncAt            map[string]time.Time // per entity type, last *successful* sync (§4.4 step 7)
	CurrentSyncID         *string
	LastError             string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	DeletedAt             *time.Time
}

// IsExpired reports whether the credential has expired.
func (d *DataSource) IsExpired(now time.Time) bool {
	return d.CredentialExpirationAt != nil && d.CredentialExpirationAt.Before(now)
}

// IsSchedulable reports whether the scheduler should consider this data
// source (§4.3: "every active, non-expired data source").
func (d *DataSource) IsSchedulable(now time.Time) bool {
	return d.Status == StatusActive && d.DeletedAt == nil && !d.IsExpired(now)
}

// NextAllowed computes the earliest time a sync of entityType may run next,
// given the rate limit in minutes (§4.3 step 2).
func (d *DataSource) NextAllowed(entityType string, rateMinutes int) time.Time {
	last, ok := d.LastSyncAt[entityType]
	if !ok {
		return time.Time{}
	}
	return last.Add(time.Duration(rateMinutes) * time.Minute)
}
