// Package job models the ScheduledJob work item (§3) jointly owned by the
// Scheduler (creates) and the Adapter runtime (mutates status).
package job

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Status is the scheduled job lifecycle state (§3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBroken    Status = "broken"
)

// DefaultAttemptsMax is used when a job doesn't set one (§4.4).
const DefaultAttemptsMax = 5

// Job is a unit of scheduled work (§3 ScheduledJob, §6 scheduled-job contract).
type Job struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	SyncID          string
	IntegrationID   uuid.UUID
	IntegrationSlug string
	DataSourceID    uuid.UUID
	Action          string // "sync.<type>"
	EntityType      string
	Payload         map[string]any
	Priority        int
	Status          Status
	Attempts        int
	AttemptsMax     int
	ScheduledAt     time.Time
	StartedAt       *time.Time
	NextRetryAt     *time.Time
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EffectiveAttemptsMax returns AttemptsMax, falling back to the default.
func (j *Job) EffectiveAttemptsMax() int {
	if j.AttemptsMax <= 0 {
		return DefaultAttemptsMax
	}
	return j.AttemptsMax
}

// Backoff computes the retry delay for a failed job: min(30s*2^attempts, 15min) (§4.3).
// Driven by cenkalti/backoff/v5's exponential policy rather than a hand-rolled
// doubling loop; randomization is disabled so the result stays a pure function
// of attempts, matching the deterministic retry contract of §4.3.
func Backoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.MaxInterval = 15 * time.Minute
	b.Multiplier = 2
	b.RandomizationFactor = 0

	var d time.Duration
	for i := 0; i <= attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Action builds the "sync.<type>" action string used in the job contract (§6).
func Action(entityType string) string {
	return "sync." + entityType
}

// Queue builds the work queue name for a (integrationSlug, entityType) pair (§4.2).
func Queue(integrationSlug, entityType string) string {
	return "sync:" + integrationSlug + ":" + entityType
}
