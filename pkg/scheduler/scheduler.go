// Package scheduler implements the sync-job scheduling loop (§4.3 C4): for
// every active, non-expired data source, ensure exactly one pending job per
// supported entity type, respecting rate limits and queue dedup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/catalog"
	"github.com/meridianmsp/posturepipe/pkg/datasource"
	"github.com/meridianmsp/posturepipe/pkg/job"
	"github.com/meridianmsp/posturepipe/pkg/queue"
	"github.com/meridianmsp/posturepipe/pkg/repository"
)

// Clock is injected so tests control "now" deterministically.
type Clock func() time.Time

// Scheduler drives the enqueue algorithm of §4.3.
type Scheduler struct {
	store    repository.Store
	broker   *queue.Broker
	catalog  *catalog.Registry
	log      *slog.Logger
	now      Clock
}

// New builds a Scheduler.
func New(store repository.Store, broker *queue.Broker, reg *catalog.Registry, log *slog.Logger) *Scheduler {
	return &Scheduler{store: store, broker: broker, catalog: reg, log: log, now: time.Now}
}

// Tick runs one scheduling pass over every schedulable data source (§4.3).
// It is meant to be called on a periodic interval (e.g. by robfig/cron).
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	dataSources, err := s.store.DataSources().ListSchedulable(ctx, now)
	if err != nil {
		return fmt.Errorf("listing schedulable data sources: %w", err)
	}
	for _, ds := range dataSources {
		integ, ok := s.catalog.Get(ds.IntegrationSlug)
		if !ok {
			s.log.Warn("scheduler: unknown integration slug", "slug", ds.IntegrationSlug, "dataSourceId", ds.ID)
			continue
		}
		for _, st := range integ.SupportedTypes {
			if err := s.ensurePending(ctx, ds, integ, st, now); err != nil {
				s.log.Error("scheduler: ensure pending job failed",
					"dataSourceId", ds.ID, "entityType", st.Type, "error", err)
			}
		}
	}
	return nil
}

// ensurePending implements the per-(dataSource,type) enqueue algorithm (§4.3).
func (s *Scheduler) ensurePending(ctx context.Context, ds *datasource.DataSource, integ catalog.Integration, st catalog.SupportedType, now time.Time) error {
	action := job.Action(st.Type)
	qName := job.Queue(ds.IntegrationSlug, st.Type)

	// 1. Skip if a pending job already exists for this (dataSource, type).
	pending, err := s.broker.HasPendingFor(ctx, ds.ID.String(), st.Type)
	if err != nil {
		return fmt.Errorf("checking pending: %w", err)
	}
	if pending {
		return nil
	}

	// 2-3. Compute the earliest allowed time and clamp to now.
	nextAllowed := ds.NextAllowed(st.Type, st.EffectiveRateMinutes())
	scheduledAt := now
	if nextAllowed.After(now) {
		scheduledAt = nextAllowed
	}

	// 4. Insert the scheduled job record and enqueue it.
	j := &job.Job{
		ID:              uuid.New(),
		TenantID:        ds.TenantID,
		SyncID:          uuid.NewString(),
		IntegrationID:   integ.ID,
		IntegrationSlug: ds.IntegrationSlug,
		DataSourceID:    ds.ID,
		Action:          action,
		EntityType:      st.Type,
		Priority:        st.EffectivePriority(),
		Status:          job.StatusPending,
		AttemptsMax:     job.DefaultAttemptsMax,
		ScheduledAt:     scheduledAt,
	}
	if err := s.store.Jobs().Create(ctx, j); err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	if err := s.broker.Enqueue(ctx, qName, j); err != nil {
		return fmt.Errorf("enqueuing job %s: %w", j.ID, err)
	}
	return nil
}

// MarkOutcome applies the §4.3 failure policy after a job finishes: success
// completes it; transient failure schedules a retry or, past attemptsMax,
// marks the job broken.
func (s *Scheduler) MarkOutcome(ctx context.Context, j *job.Job, runErr error) error {
	now := s.now()

	// The pending marker's only job is "don't double-enqueue while this is
	// in flight"; clear it regardless of outcome so the next Tick can
	// re-evaluate, whether that means leaving the job alone (completed),
	// scheduling a retry, or (rare) re-enqueuing a broken job by hand.
	if err := s.broker.ClearPendingFor(ctx, j.DataSourceID.String(), j.EntityType); err != nil {
		s.log.Warn("scheduler: clearing pending marker failed", "jobId", j.ID, "error", err)
	}

	if runErr == nil {
		j.Status = job.StatusCompleted
		return s.store.Jobs().Update(ctx, j)
	}
	j.Error = runErr.Error()
	j.Attempts++
	if j.Attempts >= j.EffectiveAttemptsMax() {
		j.Status = job.StatusBroken
		return s.store.Jobs().Update(ctx, j)
	}
	j.Status = job.StatusFailed
	retryAt := now.Add(job.Backoff(j.Attempts))
	j.NextRetryAt = &retryAt
	return s.store.Jobs().Update(ctx, j)
}
