// internal/engine/locks.go

// Package engine implements the push and pull synchronization engines and
// the per-(repository, branch) serialization they share.
package engine

import (
	"context"
	"sync"
	"time"

	syncerrors "sandbox-repo-sync/internal/errors"
)

// LockRegistry serializes sync operations per (repository, branch) pair.
// Push and pull on the same branch are mutually exclusive; different branches
// and repositories proceed in parallel. Acquisition blocks with a bounded
// wait so a fast-following operation does not spuriously fail.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]chan struct{})}
}

func (r *LockRegistry) lockFor(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[key] = ch
	}
	return ch
}

// Acquire blocks until the (repoFullName, branch) lock is free, the wait
// expires, or ctx is cancelled. The returned release function must be called
// exactly once.
func (r *LockRegistry) Acquire(ctx context.Context, repoFullName, branch string, wait time.Duration) (release func(), err error) {
	ch := r.lockFor(repoFullName + "@" + branch)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, syncerrors.ErrLockTimeout
	}
}
