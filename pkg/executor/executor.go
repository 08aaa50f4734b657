package executor

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Result is the outcome of a command that ran to completion (successfully or
// not). A timeout never produces a Result.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Ok reports whether the command exited zero.
func (r *Result) Ok() bool {
	return r != nil && r.ExitCode == 0
}

// RunOptions controls a single command invocation.
type RunOptions struct {
	Timeout time.Duration
	WorkDir string
	Env     []string

	// OnLine, when set, receives combined output line by line as the command
	// runs, in addition to the buffered Result.
	OnLine func(line string)
}

// Executor runs shell commands against one target: the local host, a remote
// agent, or a microvm guest over SSH.
type Executor interface {
	Run(ctx context.Context, command string, opts RunOptions) (*Result, error)
}

// CommandExecutor runs a binary argv-style, with no shell in between.
// Host-side invocations of engine and git binaries go through this so
// argument content is never expanded by the host shell.
type CommandExecutor interface {
	RunCommand(ctx context.Context, name string, args []string, opts RunOptions) (*Result, error)
}

const (
	transientRetries    = 3
	transientRetryDelay = 500 * time.Millisecond
)

// runWithRetry retries fn on transient transport errors only. Setup
// failures (non-zero exits) come back inside Result and are never retried.
func runWithRetry(ctx context.Context, target string, fn func() (*Result, error)) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt < transientRetries; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		if !isTransient(err) {
			return nil, err
		}

		lastErr = err
		log.Warn().
			Str("target", target).
			Int("attempt", attempt+1).
			Err(err).
			Msg("transient exec error, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(transientRetryDelay):
		}
	}

	return nil, lastErr
}

// isTransient classifies transport-level failures worth retrying.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}
