package executor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool caps the number of concurrent outbound calls. A single Pool is shared
// by every component that talks to the execution gateway.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// NewPool creates a Pool admitting at most size concurrent calls.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return int(p.size) }

// Do runs fn once a slot is free. It returns ctx.Err() if ctx ends first.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("executor: pool acquire: %w", err)
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Drain blocks until every in-flight call has returned or ctx ends.
func (p *Pool) Drain(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return err
	}
	p.sem.Release(p.size)
	return nil
}

// ForEach runs fn for every item with at most limit running at once. Errors
// from fn do not stop the others; the first one is returned.
func ForEach[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) error) error {
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, it := range items {
		g.Go(func() error {
			return fn(ctx, it)
		})
	}
	return g.Wait()
}
