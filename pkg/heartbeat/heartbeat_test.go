package heartbeat_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmsp/posturepipe/pkg/agent"
	"github.com/meridianmsp/posturepipe/pkg/heartbeat"
	"github.com/meridianmsp/posturepipe/pkg/repository/memstore"
)

// fakeCache is an in-memory stand-in for the Redis-backed side cache
// described in §4.10, so tests exercise the manager's logic without a
// live Redis instance.
type fakeCache struct {
	mu      sync.Mutex
	agents  map[uuid.UUID][]byte
	pending []uuid.UUID
	updates map[uuid.UUID][]byte
	closed  bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		agents:  map[uuid.UUID][]byte{},
		updates: map[uuid.UUID][]byte{},
	}
}

func (c *fakeCache) SetAgent(_ context.Context, id uuid.UUID, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[id] = payload
	return nil
}

func (c *fakeCache) EnqueueUpdate(_ context.Context, id uuid.UUID, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.updates[id]; !ok {
		c.pending = append(c.pending, id)
	}
	c.updates[id] = payload
	return nil
}

func (c *fakeCache) PendingCount(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.pending)), nil
}

func (c *fakeCache) PopPending(_ context.Context, n int) ([]uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.pending) {
		n = len(c.pending)
	}
	out := append([]uuid.UUID(nil), c.pending[:n]...)
	c.pending = c.pending[n:]
	return out, nil
}

func (c *fakeCache) GetUpdatePayload(_ context.Context, id uuid.UUID) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.updates[id]
	return payload, ok, nil
}

func (c *fakeCache) DeleteUpdatePayload(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.updates, id)
	return nil
}

func (c *fakeCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordHeartbeatEnqueuesOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	mgr := heartbeat.New(memstore.New(), cache, testLogger())

	id := uuid.New()
	meta := agent.Metadata{GUID: id.String(), Hostname: "host-1"}
	require.NoError(t, mgr.RecordHeartbeat(ctx, id, meta))

	n, err := cache.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Same metadata, status already online: no new enqueue.
	require.NoError(t, mgr.RecordHeartbeat(ctx, id, meta))
	n, err = cache.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestStaleCheckOnceDemotesQuietAgentsAndEnqueuesThem(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	mgr := heartbeat.New(memstore.New(), cache, testLogger())

	id := uuid.New()
	require.NoError(t, mgr.RecordHeartbeat(ctx, id, agent.Metadata{GUID: id.String()}))
	_, err := mgr.SyncOnce(ctx) // flush the heartbeat-created pending entry first
	require.NoError(t, err)

	future := time.Now().Add(agent.StaleAfter * 2)
	mgr.SetNow(func() time.Time { return future })

	n, err := mgr.StaleCheckOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := cache.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestSyncOnceBatchWritesAndClearsPending(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	store := memstore.New()
	mgr := heartbeat.New(store, cache, testLogger())

	id := uuid.New()
	require.NoError(t, mgr.RecordHeartbeat(ctx, id, agent.Metadata{GUID: id.String(), Hostname: "host-1"}))

	n, err := mgr.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := cache.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending)

	saved, err := store.Agents().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusOnline, saved.Status)
}

func TestStopFlushesPendingThenClosesCache(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	store := memstore.New()
	mgr := heartbeat.New(store, cache, testLogger())

	id := uuid.New()
	require.NoError(t, mgr.RecordHeartbeat(ctx, id, agent.Metadata{GUID: id.String()}))

	require.NoError(t, mgr.Stop(ctx))
	assert.True(t, cache.closed)

	_, err := store.Agents().Get(ctx, id)
	require.NoError(t, err)
}
