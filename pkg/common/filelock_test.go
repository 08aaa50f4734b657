package common

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.lock")

	l := NewFileLock(path, 5*time.Minute)
	err := l.Acquire(time.Second)
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err, "marker file should exist while held")

	l.Release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "marker file should be gone after release")
}

func TestFileLockStaleMarkerForceCleared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.lock")

	// Simulate a crashed holder: marker timestamped past the grace period.
	stale := time.Now().Add(-10 * time.Minute)
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", stale.UnixNano())), 0644))

	l := NewFileLock(path, 5*time.Minute)

	start := time.Now()
	err := l.Acquire(30 * time.Second)
	elapsed := time.Since(start)

	require.NoError(t, err)
	// Stale markers are cleared immediately, well within grace + a small
	// constant; the caller must not block for the full wait.
	assert.Less(t, elapsed, 2*time.Second)
	l.Release()
}

func TestFileLockBoundedWaitForceReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.lock")

	// A live (non-stale) marker held by someone else.
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", time.Now().UnixNano())), 0644))

	l := NewFileLock(path, time.Hour)
	err := l.Acquire(500 * time.Millisecond)

	// After the bounded wait the lock is force-released and acquired.
	require.NoError(t, err)
	l.Release()
}
