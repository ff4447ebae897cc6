// Package git provides the concurrency gate for git CLI operations against
// the working repository.
package git

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
)

// lockRetry is how often a blocked exclusive acquisition re-polls the lock.
const lockRetry = 50 * time.Millisecond

// Pool bounds concurrent git operations. Within a process a weighted
// semaphore caps parallelism; mutating operations additionally take an
// advisory flock on a lock file beside the repository, serializing the
// orchestrator's reset/init against the structurer's writes even though the
// two run as separate processes on the same working tree.
type Pool struct {
	sem      *semaphore.Weighted
	lockPath string
}

// NewPool creates a Pool that allows at most limit concurrent operations in
// this process only.
func NewPool(limit int) *Pool {
	return NewSharedPool(limit, "")
}

// NewSharedPool creates a Pool whose exclusive operations also hold the
// flock at lockPath, gating every process that names the same file.
func NewSharedPool(limit int, lockPath string) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), lockPath: lockPath}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the pool is nil, fn is executed directly without concurrency control.
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

// RunExclusive acquires a slot plus the cross-process lock, runs fn, and
// releases both. Pools created without a lock path fall back to the
// semaphore alone.
func (p *Pool) RunExclusive(ctx context.Context, fn func() error) error {
	return p.Run(ctx, func() error {
		if p.lockPath == "" {
			return fn()
		}
		f, err := p.flock(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
			_ = f.Close()
		}()
		return fn()
	})
}

// flock takes the exclusive advisory lock, polling until it is free or ctx
// ends. Non-blocking attempts keep the wait cancellable.
func (p *Pool) flock(ctx context.Context) (*os.File, error) {
	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			_ = f.Close()
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}
}
