// internal/engine/locks_test.go
package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "sandbox-repo-sync/internal/errors"
)

func TestLockRegistrySerializesSameBranch(t *testing.T) {
	r := NewLockRegistry()
	ctx := context.Background()

	release, err := r.Acquire(ctx, "acme/demo", "main", time.Second)
	require.NoError(t, err)

	_, err = r.Acquire(ctx, "acme/demo", "main", 50*time.Millisecond)
	assert.ErrorIs(t, err, syncerrors.ErrLockTimeout)

	release()

	release2, err := r.Acquire(ctx, "acme/demo", "main", 50*time.Millisecond)
	require.NoError(t, err)
	release2()
}

func TestLockRegistrySecondAcquirerWaitsForRelease(t *testing.T) {
	r := NewLockRegistry()
	ctx := context.Background()

	release, err := r.Acquire(ctx, "acme/demo", "main", time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		release2, err := r.Acquire(ctx, "acme/demo", "main", 2*time.Second)
		assert.NoError(t, err)
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer got the lock before release")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	wg.Wait()

	select {
	case <-acquired:
	default:
		t.Fatal("second acquirer never got the lock")
	}
}

func TestLockRegistryDifferentBranchesDoNotBlock(t *testing.T) {
	r := NewLockRegistry()
	ctx := context.Background()

	releaseMain, err := r.Acquire(ctx, "acme/demo", "main", time.Second)
	require.NoError(t, err)
	defer releaseMain()

	releaseDev, err := r.Acquire(ctx, "acme/demo", "dev", 50*time.Millisecond)
	require.NoError(t, err)
	releaseDev()

	releaseOther, err := r.Acquire(ctx, "acme/other", "main", 50*time.Millisecond)
	require.NoError(t, err)
	releaseOther()
}

func TestLockRegistryHonorsContextCancellation(t *testing.T) {
	r := NewLockRegistry()

	release, err := r.Acquire(context.Background(), "acme/demo", "main", time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.Acquire(ctx, "acme/demo", "main", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
