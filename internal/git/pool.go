// Package git bounds the subprocess git operations the Build Manager
// issues while syncing project source trees.
package git

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent git CLI operations with a weighted semaphore.
// Every clone/fetch/checkout a build worker runs goes through one shared
// Pool, so a burst of triggered builds across many projects cannot fork
// an unbounded number of git subprocesses at once.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool allowing at most limit concurrent git
// operations. A limit below 1 is clamped to 1.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn, and releases the slot. It blocks while
// all slots are busy and returns ctx.Err() if the context is cancelled
// before a slot frees up. A nil Pool runs fn directly, so callers that
// never configured a pool don't need a guard.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
