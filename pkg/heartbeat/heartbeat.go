// Package heartbeat is the Heartbeat manager (§4.10 C11): it tracks agent
// liveness in memory, backed by a fast side cache, and batches durable
// writes instead of persisting on every heartbeat.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/internal/telemetry"
	"github.com/meridianmsp/posturepipe/pkg/agent"
	"github.com/meridianmsp/posturepipe/pkg/repository"
)

const (
	staleCheckInterval = 30 * time.Second
	syncInterval       = 5 * time.Minute
	syncBatchThreshold = 50
)

// Cache is the narrow side-cache surface the manager needs, extracted so
// tests can substitute an in-memory fake instead of a live Redis instance.
type Cache interface {
	SetAgent(ctx context.Context, id uuid.UUID, payload []byte) error
	EnqueueUpdate(ctx context.Context, id uuid.UUID, payload []byte) error
	PendingCount(ctx context.Context) (int64, error)
	PopPending(ctx context.Context, n int) ([]uuid.UUID, error)
	GetUpdatePayload(ctx context.Context, id uuid.UUID) ([]byte, bool, error)
	DeleteUpdatePayload(ctx context.Context, id uuid.UUID) error
	Close() error
}

// Manager tracks agent liveness (§4.10).
type Manager struct {
	store repository.Store
	cache Cache
	log   *slog.Logger
	now   func() time.Time

	mu     sync.RWMutex
	agents map[uuid.UUID]*agent.Agent

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	syncMu sync.Mutex // enforces at most one concurrent sync batch
}

// New builds a Manager. Call Seed before Start.
func New(store repository.Store, cache Cache, log *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		cache:  cache,
		log:    log,
		now:    time.Now,
		agents: map[uuid.UUID]*agent.Agent{},
		stopCh: make(chan struct{}),
	}
}

// SetNow overrides the manager's clock; used by tests to simulate staleness.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// Seed loads every agent from the durable store into the in-memory map and
// the side cache (§4.10 "Seed").
func (m *Manager) Seed(ctx context.Context) error {
	agents, err := m.store.Agents().ListAll(ctx)
	if err != nil {
		return fmt.Errorf("seeding agents: %w", err)
	}
	m.mu.Lock()
	for _, a := range agents {
		m.agents[a.ID] = a
	}
	m.mu.Unlock()

	for _, a := range agents {
		payload, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshaling agent %s: %w", a.ID, err)
		}
		if err := m.cache.SetAgent(ctx, a.ID, payload); err != nil {
			return fmt.Errorf("caching agent %s: %w", a.ID, err)
		}
	}
	return nil
}

// RecordHeartbeat updates the cached liveness state for one agent and, if
// anything actually changed, enqueues it for the next batched durable write
// (§4.10 "recordHeartbeat").
func (m *Manager) RecordHeartbeat(ctx context.Context, id uuid.UUID, meta agent.Metadata) error {
	now := m.now()

	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		a = &agent.Agent{ID: id}
		m.agents[id] = a
	}
	changed := !ok || a.Status != agent.StatusOnline || !a.Metadata.Equal(meta)
	if !ok || a.Status != agent.StatusOnline {
		a.StatusChangedAt = now
	}
	a.Status = agent.StatusOnline
	a.LastHeartbeat = now
	a.Metadata = meta
	cp := *a
	m.mu.Unlock()

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat for agent %s: %w", id, err)
	}
	if err := m.cache.SetAgent(ctx, id, payload); err != nil {
		return fmt.Errorf("caching agent %s: %w", id, err)
	}
	if !changed {
		return nil
	}
	if err := m.cache.EnqueueUpdate(ctx, id, payload); err != nil {
		return fmt.Errorf("enqueuing update for agent %s: %w", id, err)
	}
	if n, err := m.cache.PendingCount(ctx); err == nil {
		telemetry.HeartbeatPendingGauge.Set(float64(n))
	}
	return nil
}

// StaleCheckOnce scans cached agents and demotes any online agent that has
// gone quiet past StaleAfter to offline, enqueuing it for sync (§4.10
// "Stale check").
func (m *Manager) StaleCheckOnce(ctx context.Context) (int, error) {
	now := m.now()
	var stale []*agent.Agent

	m.mu.Lock()
	for _, a := range m.agents {
		if a.IsStale(now) {
			a.Status = agent.StatusOffline
			a.StatusChangedAt = now
			cp := *a
			stale = append(stale, &cp)
		}
	}
	m.mu.Unlock()

	for _, a := range stale {
		payload, err := json.Marshal(a)
		if err != nil {
			return 0, fmt.Errorf("marshaling stale agent %s: %w", a.ID, err)
		}
		if err := m.cache.SetAgent(ctx, a.ID, payload); err != nil {
			return 0, fmt.Errorf("caching stale agent %s: %w", a.ID, err)
		}
		if err := m.cache.EnqueueUpdate(ctx, a.ID, payload); err != nil {
			return 0, fmt.Errorf("enqueuing stale agent %s: %w", a.ID, err)
		}
	}
	return len(stale), nil
}

// SyncOnce pops up to syncBatchThreshold pending agent ids, loads their
// payloads, and submits one batched durable write. It is safe to call
// concurrently with itself: syncMu ensures at most one batch runs at a time
// per process (§4.10 invariant 3).
func (m *Manager) SyncOnce(ctx context.Context) (int, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	ids, err := m.cache.PopPending(ctx, syncBatchThreshold)
	if err != nil {
		return 0, fmt.Errorf("popping pending agent updates: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var batch []*agent.Agent
	var ok []uuid.UUID
	for _, id := range ids {
		payload, found, err := m.cache.GetUpdatePayload(ctx, id)
		if err != nil {
			m.log.Error("loading pending heartbeat payload", "agent_id", id, "error", err)
			continue
		}
		if !found {
			continue
		}
		var a agent.Agent
		if err := json.Unmarshal(payload, &a); err != nil {
			m.log.Error("decoding pending heartbeat payload", "agent_id", id, "error", err)
			continue
		}
		batch = append(batch, &a)
		ok = append(ok, id)
	}

	if len(batch) > 0 {
		if err := m.store.Agents().BatchUpsert(ctx, batch); err != nil {
			telemetry.HeartbeatSyncBatchesTotal.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("batch-updating agents: %w", err)
		}
	}
	telemetry.HeartbeatSyncBatchesTotal.WithLabelValues("ok").Inc()

	for _, id := range ok {
		if err := m.cache.DeleteUpdatePayload(ctx, id); err != nil {
			m.log.Error("deleting synced heartbeat payload", "agent_id", id, "error", err)
		}
	}
	if n, err := m.cache.PendingCount(ctx); err == nil {
		telemetry.HeartbeatPendingGauge.Set(float64(n))
	}
	return len(batch), nil
}

// Start launches the 30s stale-check loop and the 5-minute-or-50-pending
// sync worker until Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.runStaleCheckLoop(ctx)
	go m.runSyncLoop(ctx)
}

func (m *Manager) runStaleCheckLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n, err := m.StaleCheckOnce(ctx); err != nil {
				m.log.Error("stale check", "error", err)
			} else if n > 0 {
				m.log.Info("stale check marked agents offline", "count", n)
			}
		}
	}
}

func (m *Manager) runSyncLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	check := time.NewTicker(time.Second)
	defer check.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.syncAndLog(ctx)
		case <-check.C:
			if n, err := m.cache.PendingCount(ctx); err == nil && n >= syncBatchThreshold {
				m.syncAndLog(ctx)
			}
		}
	}
}

func (m *Manager) syncAndLog(ctx context.Context) {
	if n, err := m.SyncOnce(ctx); err != nil {
		m.log.Error("heartbeat sync", "error", err)
	} else if n > 0 {
		m.log.Info("heartbeat sync committed batch", "count", n)
	}
}

// Stop flushes the pending set to the store and then closes the cache
// client; after it returns, no further durable writes occur (§4.10
// "Graceful stop").
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	for {
		n, err := m.SyncOnce(ctx)
		if err != nil {
			return fmt.Errorf("flushing pending heartbeats: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return m.cache.Close()
}
