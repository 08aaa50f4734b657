package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// FileLock is a file-presence lock guarding a directory shared by multiple
// processes (mirror cache, snapshot directory). The marker file records the
// holder's acquisition time; a marker older than the grace period is treated
// as abandoned by a crashed holder and force-cleared, so waiters never block
// unbounded.
type FileLock struct {
	path  string
	grace time.Duration
	held  bool
}

// NewFileLock creates a lock at the given marker path. grace is the age past
// which a foreign marker is considered stale.
func NewFileLock(path string, grace time.Duration) *FileLock {
	return &FileLock{path: path, grace: grace}
}

// Acquire obtains the lock, waiting up to maxWait. A stale marker is
// force-cleared immediately; a live marker held past maxWait is also
// force-released to avoid deadlock from a crashed holder.
func (l *FileLock) Acquire(maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	interval := 200 * time.Millisecond

	for {
		if l.tryAcquire() {
			return nil
		}

		if age, ok := l.holderAge(); ok && age > l.grace {
			log.Warn().Str("lock", l.path).Dur("age", age).Msg("force-clearing stale lock")
			os.Remove(l.path)
			continue
		}

		if time.Now().After(deadline) {
			// Bounded wait exhausted: assume a crashed holder and take over.
			log.Warn().Str("lock", l.path).Msg("lock wait exhausted, force-releasing")
			os.Remove(l.path)
			if l.tryAcquire() {
				return nil
			}
			return &types.ErrLockHeld{Path: l.path}
		}

		time.Sleep(interval)
	}
}

// Release removes the marker if this lock holds it.
func (l *FileLock) Release() {
	if !l.held {
		return
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("lock", l.path).Msg("failed to remove lock marker")
	}
}

// tryAcquire atomically creates the marker file with the current timestamp.
func (l *FileLock) tryAcquire() bool {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return false
	}
	fmt.Fprintf(f, "%d\n", time.Now().UnixNano())
	f.Close()
	l.held = true
	return true
}

// holderAge returns how long the current marker has existed.
func (l *FileLock) holderAge() (time.Duration, bool) {
	data, err := os.ReadFile(l.path)
	if err == nil && len(data) > 0 {
		if ns, perr := strconv.ParseInt(string(data[:len(data)-1]), 10, 64); perr == nil {
			return time.Since(time.Unix(0, ns)), true
		}
	}
	// Fall back to file mtime when the marker contents are unreadable.
	info, err := os.Stat(l.path)
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}
