// Package workerpool is the bounded worker pool the Adapter runtime dispatches
// sync jobs through (§4.4, §5 concurrency model), built on
// golang.org/x/sync/errgroup so a panic or cancellation in one worker
// unwinds the whole group instead of leaking goroutines.
package workerpool

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Dequeuer pulls the next unit of work off a named queue, or (nil, nil) when
// nothing is due yet. Satisfied by *queue.Broker.Dequeue.
type Dequeuer[T any] func(ctx context.Context, queueName string) (T, error)

// Pool drains one or more named queues with a bounded number of concurrent
// workers, polling on an interval when a queue comes up empty.
type Pool[T any] struct {
	concurrency  int
	pollInterval time.Duration
	queues       []string
	dequeue      Dequeuer[T]
	handle       func(ctx context.Context, item T) error
	isZero       func(T) bool
}

// New builds a Pool. concurrency bounds how many handle calls run at once
// (§4.4 default 50, configured via ADAPTER_CONCURRENCY).
func New[T any](concurrency int, pollInterval time.Duration, queues []string, dequeue Dequeuer[T], isZero func(T) bool, handle func(ctx context.Context, item T) error) *Pool[T] {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool[T]{
		concurrency:  concurrency,
		pollInterval: pollInterval,
		queues:       queues,
		dequeue:      dequeue,
		handle:       handle,
		isZero:       isZero,
	}
}

// Run drives every queue with up to concurrency workers until ctx is
// canceled. Each worker polls its assigned queues in round-robin order,
// sleeping pollInterval whenever a full pass finds nothing to do.
func (p *Pool[T]) Run(ctx context.Context) error {
	if len(p.queues) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for w := 0; w < p.concurrency; w++ {
		g.Go(func() error {
			return p.worker(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool[T]) worker(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		claimed, err := p.pollOnce(ctx)
		if err != nil {
			return err
		}
		if claimed {
			continue // immediately look for more work
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollOnce tries every queue once and handles the first job claimed.
func (p *Pool[T]) pollOnce(ctx context.Context) (bool, error) {
	for _, q := range p.queues {
		item, err := p.dequeue(ctx, q)
		if err != nil {
			return false, err
		}
		if p.isZero(item) {
			continue
		}
		if err := p.handle(ctx, item); err != nil {
			return true, nil // a failed job doesn't stop the worker; errors are logged by the caller
		}
		return true, nil
	}
	return false, nil
}
