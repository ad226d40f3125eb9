// Package analyzer is the unified analyzer (§4.8 C9): given one context
// snapshot, it runs every posture check in a single pass and emits one set
// of findings keyed by analysis type.
package analyzer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/alert"
	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/snapshot"
)

// Analysis type names (§4.8).
const (
	TypeMFA            = "mfa"
	TypePolicyGap       = "policy_gap"
	TypeStaleUser       = "stale_user"
	TypeLicenseWaste    = "license_waste"
	TypeLicenseOveruse  = "license_overuse"
)

// AllTypes lists every analysis type the unified analyzer always declares,
// so the Alert manager's explicit-resolution property (§4.9 step 4) can
// resolve alerts of a type that produced zero findings this run.
var AllTypes = []string{TypeMFA, TypePolicyGap, TypeStaleUser, TypeLicenseWaste, TypeLicenseOveruse}

const staleAfter = 90 * 24 * time.Hour

// Finding is one posture observation, pre-alert (§4.8).
type Finding struct {
	EntityID    uuid.UUID
	AlertType   string
	Severity    alert.Severity
	Fingerprint string
	Message     string
	Metadata    map[string]any
}

// TagEdit is the tag synthesis output for one identity (§4.8).
type TagEdit struct {
	EntityID     uuid.UUID
	TagsToAdd    []string
	TagsToRemove []string
}

// Result is the payload published as analysis.unified (§6).
type Result struct {
	SyncID          string
	TenantID        uuid.UUID
	DataSourceID    uuid.UUID
	IntegrationSlug string
	AnalysisTypes   []string
	Findings        map[string][]Finding
	TagEdits        []TagEdit
	EntityCounts    map[string]int
}

// Analyzer runs the posture checks of §4.8 against a context snapshot.
type Analyzer struct {
	now func() time.Time
}

// New builds an Analyzer.
func New() *Analyzer {
	return &Analyzer{now: time.Now}
}

// Run executes every check in AllTypes against snap and returns the
// deterministic finding set plus tag edits (§4.8 determinism clause).
func (a *Analyzer) Run(snap *snapshot.Snapshot) Result {
	now := a.now()
	res := Result{
		SyncID:          snap.SyncID,
		TenantID:        snap.TenantID,
		DataSourceID:    snap.DataSourceID,
		IntegrationSlug: snap.IntegrationSlug,
		AnalysisTypes:   append([]string(nil), AllTypes...),
		Findings:        map[string][]Finding{},
		EntityCounts:    map[string]int{},
	}
	for t, ents := range snap.ByType {
		res.EntityCounts[string(t)] = len(ents)
	}

	identities := snap.Identities()
	// Deterministic ordering: iterate identities sorted by external id so
	// repeated runs over the same snapshot always emit findings in the same
	// order (§4.8 determinism clause).
	sortedIdentities := append([]*entity.Entity(nil), identities...)
	sortByExternalID(sortedIdentities)

	mfaResultByIdentity := map[uuid.UUID]mfaCoverage{}
	adminByIdentity := map[uuid.UUID]bool{}
	for _, id := range sortedIdentities {
		adminByIdentity[id.ID] = a.isAdmin(snap, id)
	}
	for _, id := range sortedIdentities {
		if !id.IsEnabled() {
			continue
		}
		cov := a.mfaCoverage(snap, id, adminByIdentity[id.ID])
		mfaResultByIdentity[id.ID] = cov
		if f, ok := mfaFinding(id, adminByIdentity[id.ID], cov); ok {
			res.Findings[TypeMFA] = append(res.Findings[TypeMFA], f)
		}
	}

	secDefaultsEnabled := false
	if sd := snap.SecurityDefaults(); sd != nil {
		secDefaultsEnabled = sd.IsEnabled()
	}
	for _, id := range sortedIdentities {
		if !id.IsEnabled() {
			continue
		}
		admin := adminByIdentity[id.ID]
		if !admin || secDefaultsEnabled {
			continue
		}
		cov := mfaResultByIdentity[id.ID]
		if cov == coverageNone {
			res.Findings[TypePolicyGap] = append(res.Findings[TypePolicyGap], Finding{
				EntityID:    id.ID,
				AlertType:   TypePolicyGap,
				Severity:    alert.SeverityHigh,
				Fingerprint: fmt.Sprintf("policy_gap:%s", id.ID),
				Message:     "Administrator account has no conditional access policy coverage and Security Defaults is disabled",
			})
		}
	}

	for _, id := range sortedIdentities {
		if !id.IsEnabled() {
			continue
		}
		lastLogin, ok := id.LastLogin()
		if !ok || now.Sub(lastLogin) < staleAfter {
			continue
		}
		admin := adminByIdentity[id.ID]
		hasLicense := len(snap.IdentityLicenses[id.ID]) > 0
		sev := alert.SeverityLow
		switch {
		case admin:
			sev = alert.SeverityCritical
		case hasLicense:
			sev = alert.SeverityMedium
		}
		res.Findings[TypeStaleUser] = append(res.Findings[TypeStaleUser], Finding{
			EntityID:    id.ID,
			AlertType:   TypeStaleUser,
			Severity:    sev,
			Fingerprint: fmt.Sprintf("stale_user:%s", id.ID),
			Message:     fmt.Sprintf("Identity has not signed in since %s", lastLogin.Format(time.RFC3339)),
		})
	}

	for _, id := range sortedIdentities {
		lastLogin, hasLogin := id.LastLogin()
		isStale := hasLogin && now.Sub(lastLogin) >= staleAfter
		if id.IsEnabled() && !isStale {
			continue
		}
		licenses := append([]*entity.Entity(nil), snap.IdentityLicenses[id.ID]...)
		sortByExternalID(licenses)
		for _, lic := range licenses {
			sev := alert.SeverityLow
			if !id.IsEnabled() {
				sev = alert.SeverityMedium
			}
			res.Findings[TypeLicenseWaste] = append(res.Findings[TypeLicenseWaste], Finding{
				EntityID:    id.ID,
				AlertType:   TypeLicenseWaste,
				Severity:    sev,
				Fingerprint: fmt.Sprintf("license_waste:%s:%s", id.ID, lic.ExternalID),
				Message:     fmt.Sprintf("Identity holds unused license %s", lic.ExternalID),
				Metadata:    map[string]any{"licenseSkuId": lic.ExternalID},
			})
		}
	}

	licenses := append([]*entity.Entity(nil), snap.Licenses()...)
	sortByExternalID(licenses)
	for _, lic := range licenses {
		total, _ := asInt(lic.NormalizedData["totalUnits"])
		consumed, _ := asInt(lic.NormalizedData["consumedUnits"])
		if consumed <= total {
			continue
		}
		if total == 0 && consumed == 0 {
			continue // boundary: totalUnits=0 isn't overuse unless consumedUnits>0
		}
		res.Findings[TypeLicenseOveruse] = append(res.Findings[TypeLicenseOveruse], Finding{
			EntityID:    lic.ID,
			AlertType:   TypeLicenseOveruse,
			Severity:    alert.SeverityHigh,
			Fingerprint: fmt.Sprintf("license_overuse:%s", lic.ID),
			Message:     fmt.Sprintf("License %s is overcommitted: %d consumed of %d total", lic.ExternalID, consumed, total),
		})
	}

	res.TagEdits = a.synthesizeTags(sortedIdentities, adminByIdentity, mfaResultByIdentity, res.Findings)

	return res
}

type mfaCoverage int

const (
	coverageNone mfaCoverage = iota
	coveragePartial
	coverageFull
)

// mfaCoverage implements §4.8's MFA derivation: Security Defaults, or any
// conditional-access policy requiring MFA whose targeting includes the
// identity (directly, via "All", or via group membership) and does not
// exclude it.
func (a *Analyzer) mfaCoverage(snap *snapshot.Snapshot, id *entity.Entity, admin bool) mfaCoverage {
	best := coverageNone
	if sd := snap.SecurityDefaults(); sd != nil && sd.IsEnabled() {
		// Security Defaults fully protects privileged sign-ins; ordinary
		// members only get registration-time coverage, not a blanket
		// all-applications challenge, so they read as partial unless a CA
		// policy below upgrades them to full (§4.8).
		if admin {
			best = coverageFull
		} else {
			best = coveragePartial
		}
	}
	if best == coverageFull {
		return best
	}

	groups := snap.IdentityGroups[id.ID]
	for _, pol := range snap.Policies() {
		if !pol.IsEnabled() {
			continue
		}
		requiresMFA, _ := pol.NormalizedData["requiresMFA"].(bool)
		if !requiresMFA {
			continue
		}
		if isExcluded(pol, id.ExternalID) {
			continue
		}
		if !policyTargets(snap, pol, id, groups) {
			continue
		}
		appliesToAllApps, _ := pol.NormalizedData["appliesToAllApps"].(bool)
		cov := coveragePartial
		if appliesToAllApps {
			cov = coverageFull
		}
		if cov > best {
			best = cov
		}
		if best == coverageFull {
			break
		}
	}
	return best
}

func policyTargets(snap *snapshot.Snapshot, pol, id *entity.Entity, groups []*entity.Entity) bool {
	appliesToAll, _ := pol.NormalizedData["appliesToAllUsers"].(bool)
	if appliesToAll {
		return true
	}
	for _, target := range snap.PolicyTargets[pol.ID] {
		if target.ID == id.ID {
			return true
		}
		if target.EntityType == entity.TypeGroups {
			for _, g := range groups {
				if g.ID == target.ID {
					return true
				}
			}
		}
	}
	return false
}

func isExcluded(pol *entity.Entity, externalID string) bool {
	raw, ok := pol.NormalizedData["excludedUserIds"]
	if !ok {
		return false
	}
	ids, _ := raw.([]string)
	for _, id := range ids {
		if id == externalID {
			return true
		}
	}
	return false
}

func mfaFinding(id *entity.Entity, admin bool, cov mfaCoverage) (Finding, bool) {
	switch cov {
	case coverageNone:
		sev := alert.SeverityHigh
		if admin {
			sev = alert.SeverityCritical
		}
		return Finding{
			EntityID:    id.ID,
			AlertType:   "mfa_not_enforced",
			Severity:    sev,
			Fingerprint: fmt.Sprintf("mfa_not_enforced:%s", id.ID),
			Message:     "Identity has no MFA enforcement coverage",
		}, true
	case coveragePartial:
		sev := alert.SeverityMedium
		if admin {
			sev = alert.SeverityHigh
		}
		return Finding{
			EntityID:    id.ID,
			AlertType:   "mfa_partial_enforced",
			Severity:    sev,
			Fingerprint: fmt.Sprintf("mfa_partial_enforced:%s", id.ID),
			Message:     "Identity's MFA enforcement covers only a subset of applications",
		}, true
	default:
		return Finding{}, false
	}
}

// isAdmin derives admin status from assigned roles whose normalized name
// contains "admin" (§4.8), falling back to an explicit connector-supplied
// flag when present.
func (a *Analyzer) isAdmin(snap *snapshot.Snapshot, id *entity.Entity) bool {
	if id.IsAdmin() {
		return true
	}
	for _, role := range snap.IdentityRoles[id.ID] {
		name, _ := role.NormalizedData["name"].(string)
		if strings.Contains(strings.ToLower(name), "admin") {
			return true
		}
	}
	return false
}

// synthesizeTags builds the parallel tag-edit list the Alert manager applies
// before committing entity state (§4.8 tag synthesis).
func (a *Analyzer) synthesizeTags(identities []*entity.Entity, adminByIdentity map[uuid.UUID]bool, mfaByIdentity map[uuid.UUID]mfaCoverage, findings map[string][]Finding) []TagEdit {
	staleIDs := map[uuid.UUID]bool{}
	for _, f := range findings[TypeStaleUser] {
		staleIDs[f.EntityID] = true
	}

	var edits []TagEdit
	for _, id := range identities {
		desired := map[string]bool{}
		if adminByIdentity[id.ID] {
			desired["Admin"] = true
		}
		switch mfaByIdentity[id.ID] {
		case coverageNone:
			desired["No MFA"] = true
		case coveragePartial:
			desired["Partial MFA"] = true
		}
		if staleIDs[id.ID] {
			desired["Stale"] = true
		}

		var add, remove []string
		for _, tag := range []string{"Admin", "No MFA", "Partial MFA", "Stale"} {
			has := id.HasTag(tag)
			want := desired[tag]
			if want && !has {
				add = append(add, tag)
			} else if !want && has {
				remove = append(remove, tag)
			}
		}
		if len(add) > 0 || len(remove) > 0 {
			edits = append(edits, TagEdit{EntityID: id.ID, TagsToAdd: add, TagsToRemove: remove})
		}
	}
	return edits
}

func sortByExternalID(ents []*entity.Entity) {
	for i := 1; i < len(ents); i++ {
		for j := i; j > 0 && ents[j-1].ExternalID > ents[j].ExternalID; j-- {
			ents[j-1], ents[j] = ents[j], ents[j-1]
		}
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
