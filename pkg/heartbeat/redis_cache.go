package heartbeat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	agentKeyPrefix   = "posture:agent:"
	updateKeyPrefix  = "posture:agent-update:"
	pendingQueueKey  = "posture:agent-pending"
	agentCacheTTL    = 0 // agents live in the cache for the process lifetime; Seed/Stop manage freshness
)

// RedisCache is the production heartbeat.Cache: agent snapshots and pending
// update payloads in plain keys, pending ids in a list that EnqueueUpdate
// appends to with RPUSH and PopPending drains with one LPOP per id, oldest
// first (§4.10 C11's "fast side cache").
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an already-connected Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func agentKey(id uuid.UUID) string  { return agentKeyPrefix + id.String() }
func updateKey(id uuid.UUID) string { return updateKeyPrefix + id.String() }

func (c *RedisCache) SetAgent(ctx context.Context, id uuid.UUID, payload []byte) error {
	if err := c.client.Set(ctx, agentKey(id), payload, agentCacheTTL).Err(); err != nil {
		return fmt.Errorf("setting agent %s: %w", id, err)
	}
	return nil
}

func (c *RedisCache) EnqueueUpdate(ctx context.Context, id uuid.UUID, payload []byte) error {
	if err := c.client.Set(ctx, updateKey(id), payload, agentCacheTTL).Err(); err != nil {
		return fmt.Errorf("storing pending update for %s: %w", id, err)
	}
	if err := c.client.RPush(ctx, pendingQueueKey, id.String()).Err(); err != nil {
		return fmt.Errorf("queuing pending update for %s: %w", id, err)
	}
	return nil
}

func (c *RedisCache) PendingCount(ctx context.Context) (int64, error) {
	n, err := c.client.LLen(ctx, pendingQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("counting pending updates: %w", err)
	}
	return n, nil
}

// PopPending claims up to n pending agent ids, deduplicating repeats: an
// agent whose state changes several times between syncs is enqueued once
// per change, but only needs one durable write.
func (c *RedisCache) PopPending(ctx context.Context, n int) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for len(out) < n {
		raw, err := c.client.LPop(ctx, pendingQueueKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("popping pending update: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

func (c *RedisCache) GetUpdatePayload(ctx context.Context, id uuid.UUID) ([]byte, bool, error) {
	payload, err := c.client.Get(ctx, updateKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading pending update for %s: %w", id, err)
	}
	return payload, true, nil
}

func (c *RedisCache) DeleteUpdatePayload(ctx context.Context, id uuid.UUID) error {
	if err := c.client.Del(ctx, updateKey(id)).Err(); err != nil {
		return fmt.Errorf("deleting pending update for %s: %w", id, err)
	}
	return nil
}

// Close is a no-op: the *redis.Client is shared with the rest of the
// process and is closed by app.go during shutdown, not here.
func (c *RedisCache) Close() error { return nil }
