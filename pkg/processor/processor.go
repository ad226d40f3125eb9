// Package processor is the entity processor (§4.5 C6): subscribed to
// fetched.* events, it upserts records with content-hash change detection
// and, on the final batch of a sync, sweeps entities the sync no longer saw.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/repository"
)

// Publisher is the narrow slice of queue.Broker the processor needs,
// extracted so tests can substitute a fake without a live Redis instance.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// FetchedRecord mirrors one element of a fetched.<type> event's records[] (§6).
type FetchedRecord struct {
	ExternalID string         `json:"externalId"`
	DataHash   string         `json:"dataHash"`
	RawData    map[string]any `json:"rawData"`
	SiteID     *string        `json:"siteId,omitempty"`
}

// FetchedEvent is the payload published by the Adapter runtime (§6).
type FetchedEvent struct {
	SyncID       string          `json:"syncId"`
	TenantID     uuid.UUID       `json:"tenantId"`
	DataSourceID uuid.UUID       `json:"dataSourceId"`
	IntegrationID uuid.UUID      `json:"integrationId"`
	EntityType   entity.Type     `json:"entityType"`
	Records      []FetchedRecord `json:"records"`
	HasMore      bool            `json:"hasMore"`
	Cursor       string          `json:"cursor,omitempty"`
}

// ProcessedEvent is the payload published downstream to the Linker (§6).
type ProcessedEvent struct {
	SyncID            string      `json:"syncId"`
	TenantID          uuid.UUID   `json:"tenantId"`
	DataSourceID      uuid.UUID   `json:"dataSourceId"`
	EntityType        entity.Type `json:"entityType"`
	ChangedEntityIDs  []uuid.UUID `json:"changedEntityIds"`
}

// Outcome classifies what ApplyBatch did with one record, for tests and metrics.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// Processor applies fetched batches to the entity store (§4.5).
type Processor struct {
	store  repository.Store
	broker Publisher
	now    func() time.Time
}

// New builds a Processor.
func New(store repository.Store, broker Publisher) *Processor {
	return &Processor{store: store, broker: broker, now: time.Now}
}

// ApplyBatch processes one fetched.<type> event: upserts each record by
// content hash (§4.5 steps 1-3), and if this is the final batch, sweeps
// entities the sync didn't touch (§4.5 mark-and-sweep). It publishes
// processed.<type> with the ids that actually changed.
func (p *Processor) ApplyBatch(ctx context.Context, ev FetchedEvent) error {
	now := p.now()
	var changed []uuid.UUID

	for _, rec := range ev.Records {
		outcome, e, err := p.applyRecord(ctx, ev, rec, now)
		if err != nil {
			// Schema-kind errors are skip-and-continue per §7; malformed
			// records must not abort the rest of the batch.
			continue
		}
		if outcome != OutcomeUnchanged {
			changed = append(changed, e.ID)
		}
	}

	if !ev.HasMore {
		swept, err := p.sweep(ctx, ev, now)
		if err != nil {
			return fmt.Errorf("sweeping stale entities for %s/%s: %w", ev.DataSourceID, ev.EntityType, err)
		}
		changed = append(changed, swept...)
	}

	return p.broker.Publish(ctx, "processed."+string(ev.EntityType), ProcessedEvent{
		SyncID:           ev.SyncID,
		TenantID:         ev.TenantID,
		DataSourceID:     ev.DataSourceID,
		EntityType:       ev.EntityType,
		ChangedEntityIDs: changed,
	})
}

// applyRecord implements §4.5 steps 1-3 for one record.
func (p *Processor) applyRecord(ctx context.Context, ev FetchedEvent, rec FetchedRecord, now time.Time) (Outcome, *entity.Entity, error) {
	if rec.ExternalID == "" {
		return "", nil, fmt.Errorf("record missing externalId")
	}

	existing, err := p.store.Entities().GetByExternalID(ctx, ev.DataSourceID, rec.ExternalID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", nil, fmt.Errorf("looking up entity %s: %w", rec.ExternalID, err)
	}
	notFound := errors.Is(err, repository.ErrNotFound)

	dataHash := rec.DataHash
	if dataHash == "" {
		dataHash = entity.ComputeDataHash(ev.EntityType, rec.RawData)
	}

	var siteID *uuid.UUID
	if rec.SiteID != nil && *rec.SiteID != "" {
		id, parseErr := uuid.Parse(*rec.SiteID)
		if parseErr == nil {
			siteID = &id
		}
	}

	e := &entity.Entity{
		TenantID:      ev.TenantID,
		IntegrationID: ev.IntegrationID,
		DataSourceID:  ev.DataSourceID,
		ExternalID:    rec.ExternalID,
		EntityType:    ev.EntityType,
		SiteID:        siteID,
		DataHash:      dataHash,
		RawData:       rec.RawData,
		// Connectors emit records pre-shaped to the normalized field names
		// the analyzer and linker extractors read (groupIds, isAdmin,
		// requiresMFA, ...), so normalization here is a pass-through rather
		// than a per-vendor mapping step.
		NormalizedData: rec.RawData,
		SyncID:         ev.SyncID,
		LastSeenAt:     now,
	}

	outcome := OutcomeCreated
	if !notFound {
		e.ID = existing.ID
		e.State = existing.State
		if existing.DataHash == dataHash {
			// Step 3: unchanged content, only touch lastSeenAt/syncId.
			outcome = OutcomeUnchanged
		} else {
			outcome = OutcomeUpdated
		}
	}

	if err := p.store.Entities().Upsert(ctx, e); err != nil {
		return "", nil, fmt.Errorf("upserting entity %s: %w", rec.ExternalID, err)
	}
	return outcome, e, nil
}

// sweep implements the mark-and-sweep half of §4.5: soft-delete any entity
// of (dataSourceId, entityType) whose syncId doesn't match the sync that
// just completed, since it means the record was absent from this sync.
func (p *Processor) sweep(ctx context.Context, ev FetchedEvent, now time.Time) ([]uuid.UUID, error) {
	stale, err := p.store.Entities().List(ctx, repository.EntityFilter{
		DataSourceID:  ev.DataSourceID,
		EntityType:    ev.EntityType,
		ExcludeSyncID: ev.SyncID,
	})
	if err != nil {
		return nil, fmt.Errorf("listing sweep candidates: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(stale))
	for i, e := range stale {
		ids[i] = e.ID
	}
	if err := p.store.Entities().SoftDeleteMany(ctx, ids, now); err != nil {
		return nil, fmt.Errorf("soft-deleting %d entities: %w", len(ids), err)
	}
	return ids, nil
}
