package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-cloud/drydock/pkg/types"
)

func TestLocalExecutorExitCodes(t *testing.T) {
	e := NewLocalExecutor()
	ctx := context.Background()

	res, err := e.Run(ctx, "echo hello && echo oops >&2", RunOptions{Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.True(t, res.Ok())

	res, err = e.Run(ctx, "exit 3", RunOptions{Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Ok())
}

func TestLocalExecutorTimeoutKillsProcessTree(t *testing.T) {
	e := NewLocalExecutor()
	ctx := context.Background()

	start := time.Now()
	res, err := e.Run(ctx, "sleep 5", RunOptions{Timeout: 1 * time.Second})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, res, "a timeout must never surface as a result with exit 0")

	var timeoutErr *types.ErrCommandTimeout
	assert.True(t, errors.As(err, &timeoutErr))

	// The command was killed at the deadline, not left to finish.
	assert.Less(t, elapsed, 3*time.Second)
}

func TestLocalExecutorStreamsLines(t *testing.T) {
	e := NewLocalExecutor()

	var lines []string
	_, err := e.Run(context.Background(), "echo one; echo two", RunOptions{
		Timeout: 10 * time.Second,
		OnLine:  func(line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestLocalExecutorRunCommandNoShellExpansion(t *testing.T) {
	t.Setenv("DEPLOY_TOKEN", "host-value")
	e := NewLocalExecutor()

	res, err := e.RunCommand(context.Background(), "echo",
		[]string{"$DEPLOY_TOKEN", "$(id -u)", "`id -g`"},
		RunOptions{Timeout: 10 * time.Second})
	require.NoError(t, err)
	require.True(t, res.Ok())

	// Argv-style execution hands the metacharacters over as literal bytes.
	assert.Equal(t, "$DEPLOY_TOKEN $(id -u) `id -g`\n", res.Stdout)
}

func TestLocalExecutorWorkDir(t *testing.T) {
	e := NewLocalExecutor()
	dir := t.TempDir()

	res, err := e.Run(context.Background(), "pwd", RunOptions{WorkDir: dir, Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, dir+"\n", res.Stdout)
}
