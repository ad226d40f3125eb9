// Package alertmanager is the Alert manager (§4.9 C10): subscribed to
// analysis.unified, it reconciles one analyzer run's findings against the
// alerts already on file for the same scope (of any status) and rolls up
// each affected entity's state.
package alertmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/alert"
	"github.com/meridianmsp/posturepipe/pkg/analyzer"
	"github.com/meridianmsp/posturepipe/pkg/repository"
)

// Manager reconciles analyzer findings into persisted alert rows (§4.9).
type Manager struct {
	store repository.Store
	now   func() time.Time
}

// New builds a Manager.
func New(store repository.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Outcome classifies what Reconcile did with one alert, for metrics.
type Outcome string

const (
	OutcomeCreated     Outcome = "created"
	OutcomeUpdated     Outcome = "updated"
	OutcomeResolved    Outcome = "resolved"
	OutcomeReactivated Outcome = "reactivated"
)

// Reconcile runs the six-step algorithm of §4.9 for one analysis.unified
// event and returns how many alerts each Outcome applied to.
func (m *Manager) Reconcile(ctx context.Context, res analyzer.Result) (map[Outcome]int, error) {
	now := m.now()

	// Alert types the declared analysis types emit: each check names its
	// alerts after itself, except MFA, which emits two alert types.
	alertTypes := append([]string(nil), res.AnalysisTypes...)
	for _, t := range res.AnalysisTypes {
		if t == analyzer.TypeMFA {
			alertTypes = append(alertTypes, "mfa_not_enforced", "mfa_partial_enforced")
		}
	}

	// Load every alert row ever seen for this (dataSourceId, analysisTypes)
	// scope, not just active ones: fingerprint is a durable natural key, so a
	// finding recurring after resolution must reactivate its original row
	// rather than mint a duplicate (consistent with the fingerprint-unique
	// upsert in the Postgres-backed store).
	existing, err := m.store.Alerts().List(ctx, repository.AlertFilter{
		DataSourceID: res.DataSourceID,
		AlertTypes:   alertTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("loading existing alerts: %w", err)
	}

	byFingerprint := make(map[string]*alert.Alert, len(existing))
	var scoped []*alert.Alert // currently-active rows, for step 4's resolution scan
	for _, a := range existing {
		// Step 5: reactivate suppressed alerts whose window has elapsed,
		// before matching, so they're eligible for patch/resolve below.
		if a.Status == alert.StatusSuppressed && a.IsDue(now) {
			a.Status = alert.StatusActive
			a.SuppressedAt = nil
			a.SuppressedUntil = nil
		}
		byFingerprint[a.Fingerprint] = a
		if a.Status == alert.StatusActive {
			scoped = append(scoped, a)
		}
	}

	seenFingerprints := map[string]bool{}
	var batch []*alert.Alert
	counts := map[Outcome]int{}

	for _, analysisType := range res.AnalysisTypes {
		for _, f := range res.Findings[analysisType] {
			seenFingerprints[f.Fingerprint] = true
			if existing, ok := byFingerprint[f.Fingerprint]; ok {
				existing.Severity = f.Severity
				existing.Message = f.Message
				existing.Metadata = f.Metadata
				existing.LastSeenAt = now
				outcome := OutcomeUpdated
				if existing.Status == alert.StatusResolved {
					existing.Status = alert.StatusActive
					existing.ResolvedAt = nil
					outcome = OutcomeReactivated
				}
				batch = append(batch, existing)
				counts[outcome]++
				continue
			}
			created := &alert.Alert{
				TenantID:     res.TenantID,
				DataSourceID: res.DataSourceID,
				EntityID:     f.EntityID,
				AlertType:    f.AlertType,
				Severity:     f.Severity,
				Status:       alert.StatusActive,
				Fingerprint:  f.Fingerprint,
				Message:      f.Message,
				Metadata:     f.Metadata,
				LastSeenAt:   now,
			}
			batch = append(batch, created)
			counts[OutcomeCreated]++
		}
	}

	// Step 4: explicit resolution — only alerts of analysis types that
	// actually ran this round are eligible for resolution.
	declaredTypes := map[string]bool{}
	for _, t := range alertTypes {
		declaredTypes[t] = true
	}
	for _, a := range scoped {
		if !declaredTypes[a.AlertType] {
			continue
		}
		if seenFingerprints[a.Fingerprint] {
			continue
		}
		if a.Status != alert.StatusActive {
			continue // already handled as suppressed-not-due, or resolved
		}
		resolvedAt := now
		a.Status = alert.StatusResolved
		a.ResolvedAt = &resolvedAt
		batch = append(batch, a)
		counts[OutcomeResolved]++
	}

	if len(batch) > 0 {
		if err := m.store.Alerts().BatchUpsert(ctx, batch); err != nil {
			return nil, fmt.Errorf("committing alert batch: %w", err)
		}
	}

	if err := m.applyTagEdits(ctx, res.TagEdits); err != nil {
		return nil, fmt.Errorf("applying tag edits: %w", err)
	}

	if err := m.rollupEntityStates(ctx, res.DataSourceID, batch); err != nil {
		return nil, fmt.Errorf("rolling up entity state: %w", err)
	}

	return counts, nil
}

func (m *Manager) applyTagEdits(ctx context.Context, edits []analyzer.TagEdit) error {
	for _, e := range edits {
		ent, err := m.store.Entities().Get(ctx, e.EntityID)
		if err != nil {
			return fmt.Errorf("loading entity %s for tag edit: %w", e.EntityID, err)
		}
		tags := applyTagEdit(ent.Tags, e)
		if err := m.store.Entities().UpdateTags(ctx, e.EntityID, tags); err != nil {
			return fmt.Errorf("updating tags for entity %s: %w", e.EntityID, err)
		}
	}
	return nil
}

func applyTagEdit(existing []string, e analyzer.TagEdit) []string {
	remove := map[string]bool{}
	for _, t := range e.TagsToRemove {
		remove[t] = true
	}
	out := make([]string, 0, len(existing)+len(e.TagsToAdd))
	seen := map[string]bool{}
	for _, t := range existing {
		if remove[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, t := range e.TagsToAdd {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// rollupEntityStates recomputes State for every entity touched by this
// batch as the max severity of its currently active alerts (§4.9 step 6).
func (m *Manager) rollupEntityStates(ctx context.Context, dataSourceID uuid.UUID, batch []*alert.Alert) error {
	touched := map[uuid.UUID]bool{}
	for _, a := range batch {
		touched[a.EntityID] = true
	}
	for entityID := range touched {
		alerts, err := m.store.Alerts().List(ctx, repository.AlertFilter{EntityID: entityID, DataSourceID: dataSourceID})
		if err != nil {
			return fmt.Errorf("listing alerts for entity %s: %w", entityID, err)
		}
		state := alert.RollupState(alerts)
		if err := m.store.Entities().UpdateState(ctx, entityID, state); err != nil {
			return fmt.Errorf("updating entity %s state: %w", entityID, err)
		}
	}
	return nil
}
