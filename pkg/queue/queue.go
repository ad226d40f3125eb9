// Package queue is the message fabric (§4.2 C2): named priority/delay work
// queues backed by Redis sorted sets, a dedup marker so the scheduler never
// double-enqueues a pending sync, and topic pub/sub for pipeline events
// (fetched.<type>, processed.<type>, linked.<scope>).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridianmsp/posturepipe/pkg/job"
)

// priorityWeight spaces priority levels far enough apart in the score space
// that no amount of delay crosses between them (callers use small ints).
const priorityWeight = 1 << 40

const pendingMarkerTTL = 30 * time.Minute

// Broker is the Redis-backed work queue and pub/sub fabric.
type Broker struct {
	client *redis.Client
}

// New wraps an already-connected Redis client.
func New(client *redis.Client) *Broker {
	return &Broker{client: client}
}

func pendingMarkerKey(dataSourceID, entityType string) string {
	return fmt.Sprintf("posture:pending:%s:%s", dataSourceID, entityType)
}

func score(j *job.Job) float64 {
	return float64(j.ScheduledAt.Unix()) - float64(j.Priority)*priorityWeight
}

// Enqueue pushes a job onto the named queue, ordered by priority then
// scheduledAt, and sets the (dataSource, entityType) pending marker so
// HasPendingFor can short-circuit duplicate scheduling (§4.3 step 3).
func (b *Broker) Enqueue(ctx context.Context, queueName string, j *job.Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", j.ID, err)
	}
	if err := b.client.ZAdd(ctx, queueName, redis.Z{Score: score(j), Member: payload}).Err(); err != nil {
		return fmt.Errorf("enqueuing job %s onto %s: %w", j.ID, queueName, err)
	}
	markerKey := pendingMarkerKey(j.DataSourceID.String(), j.EntityType)
	if err := b.client.Set(ctx, markerKey, j.ID.String(), pendingMarkerTTL).Err(); err != nil {
		return fmt.Errorf("setting pending marker for %s: %w", markerKey, err)
	}
	return nil
}

// HasPendingFor reports whether a (dataSource, entityType) pair already has
// a job enqueued, so the scheduler skips redundant work (§4.3 step 3).
func (b *Broker) HasPendingFor(ctx context.Context, dataSourceID, entityType string) (bool, error) {
	n, err := b.client.Exists(ctx, pendingMarkerKey(dataSourceID, entityType)).Result()
	if err != nil {
		return false, fmt.Errorf("checking pending marker for %s/%s: %w", dataSourceID, entityType, err)
	}
	return n > 0, nil
}

// ClearPendingFor removes the dedup marker once a job finishes, successfully
// or not, so the next scheduling pass can enqueue again.
func (b *Broker) ClearPendingFor(ctx context.Context, dataSourceID, entityType string) error {
	if err := b.client.Del(ctx, pendingMarkerKey(dataSourceID, entityType)).Err(); err != nil {
		return fmt.Errorf("clearing pending marker for %s/%s: %w", dataSourceID, entityType, err)
	}
	return nil
}

// Dequeue pops the job at the head of queueName (highest priority, then
// earliest scheduledAt) once its scheduledAt has arrived, or returns
// (nil, nil) if the queue is empty or its head is not due yet; a head that
// is not due holds back the jobs behind it. Workers poll this on a short
// interval (§5).
func (b *Broker) Dequeue(ctx context.Context, queueName string) (*job.Job, error) {
	members, err := b.client.ZRangeByScore(ctx, queueName, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    "+inf",
		Offset: 0,
		Count:  1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning queue %s: %w", queueName, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	var j job.Job
	if err := json.Unmarshal([]byte(members[0]), &j); err != nil {
		b.client.ZRem(ctx, queueName, members[0])
		return nil, fmt.Errorf("unmarshaling job from %s: %w", queueName, err)
	}
	if j.ScheduledAt.After(time.Now()) {
		return nil, nil
	}
	removed, err := b.client.ZRem(ctx, queueName, members[0]).Result()
	if err != nil {
		return nil, fmt.Errorf("removing claimed job from %s: %w", queueName, err)
	}
	if removed == 0 {
		// another worker claimed it between ZRangeByScore and ZRem
		return nil, nil
	}
	return &j, nil
}

// Depth returns the number of jobs still on queueName, due or not; jobs
// already claimed by Dequeue are no longer counted.
func (b *Broker) Depth(ctx context.Context, queueName string) (int64, error) {
	n, err := b.client.ZCard(ctx, queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("measuring depth of %s: %w", queueName, err)
	}
	return n, nil
}

// Publish emits a pipeline event (fetched.<type>, processed.<type>,
// linked.<scope>, §4.7-§4.9) to a topic.
func (b *Broker) Publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", topic, err)
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns a channel of raw payloads for the given topics. Callers
// are responsible for unmarshaling into the event shape they expect.
func (b *Broker) Subscribe(ctx context.Context, topics ...string) (<-chan []byte, func() error) {
	sub := b.client.Subscribe(ctx, topics...)
	out := make(chan []byte)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for msg := range ch {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close
}
