package mcp

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// limiter bounds how many calls may be in flight against one server at
// once (spec C9), so one misbehaving tool server can't starve every
// other in-flight agent iteration by exhausting connections/goroutines.
type limiter struct {
	sem *semaphore.Weighted
}

func newLimiter(maxConcurrent int64) *limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &limiter{sem: semaphore.NewWeighted(maxConcurrent)}
}

// acquire blocks until a slot is free or ctx is done, returning a release
// func that must be called exactly once.
func (l *limiter) acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}
