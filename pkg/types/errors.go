package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrEnvironmentNotFound is returned when an environment lookup misses.
type ErrEnvironmentNotFound struct {
	Name string
}

func (e *ErrEnvironmentNotFound) Error() string {
	return fmt.Sprintf("environment not found: %s", e.Name)
}

// From checks if the given error is an ErrEnvironmentNotFound
func (e *ErrEnvironmentNotFound) From(err error) bool {
	var notFound *ErrEnvironmentNotFound
	return errors.As(err, &notFound)
}

// ErrSnapshotNotFound is returned when no snapshot exists for a repo key.
type ErrSnapshotNotFound struct {
	RepoKey string
}

func (e *ErrSnapshotNotFound) Error() string {
	return fmt.Sprintf("snapshot not found: %s", e.RepoKey)
}

// From checks if the given error is an ErrSnapshotNotFound
func (e *ErrSnapshotNotFound) From(err error) bool {
	var notFound *ErrSnapshotNotFound
	return errors.As(err, &notFound)
}

// ErrCheckpointNotFound is returned when no checkpoint exists for a repo key.
type ErrCheckpointNotFound struct {
	RepoKey string
}

func (e *ErrCheckpointNotFound) Error() string {
	return fmt.Sprintf("checkpoint not found: %s", e.RepoKey)
}

// From checks if the given error is an ErrCheckpointNotFound
func (e *ErrCheckpointNotFound) From(err error) bool {
	var notFound *ErrCheckpointNotFound
	return errors.As(err, &notFound)
}

// ErrFileChangeNotFound is returned when a file change lookup misses.
type ErrFileChangeNotFound struct {
	ExternalId string
}

func (e *ErrFileChangeNotFound) Error() string {
	return fmt.Sprintf("file change not found: %s", e.ExternalId)
}

// ErrCommandNotFound is returned when a bash command lookup misses.
type ErrCommandNotFound struct {
	ExternalId string
}

func (e *ErrCommandNotFound) Error() string {
	return fmt.Sprintf("command not found: %s", e.ExternalId)
}

// ErrSecretMismatch is returned when a callback report presents a secret
// that does not match the recorded one. Always terminal for the request,
// never applied as a state update.
type ErrSecretMismatch struct {
	Resource string
}

func (e *ErrSecretMismatch) Error() string {
	return fmt.Sprintf("secret mismatch for resource: %s", e.Resource)
}

// ErrCommandTimeout is returned when a remote command exceeds its hard
// timeout and the process tree is killed. Distinguishable from a zero exit.
type ErrCommandTimeout struct {
	Command string
	Timeout time.Duration
}

func (e *ErrCommandTimeout) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.Timeout, e.Command)
}

// Is lets callers match with errors.Is against a zero-value sentinel.
func (e *ErrCommandTimeout) Is(target error) bool {
	_, ok := target.(*ErrCommandTimeout)
	return ok
}

// ErrInvalidTransition is returned when a status update would move an
// environment backwards or out of a terminal state.
type ErrInvalidTransition struct {
	From EnvironmentStatus
	To   EnvironmentStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// ErrLockHeld is returned when a bounded lock wait expires before the
// holder releases or the lock goes stale.
type ErrLockHeld struct {
	Path string
}

func (e *ErrLockHeld) Error() string {
	return fmt.Sprintf("lock held past bounded wait: %s", e.Path)
}

// ErrNoPortsAvailable is returned when the port allocator range is exhausted.
var ErrNoPortsAvailable = errors.New("no ports available")

// ErrSetupFailed wraps a non-zero exit from a setup command (clone,
// install, start). Terminal; never retried automatically.
type ErrSetupFailed struct {
	Step     string
	ExitCode int
	LogTail  string
}

func (e *ErrSetupFailed) Error() string {
	return fmt.Sprintf("%s failed with exit code %d", e.Step, e.ExitCode)
}
