package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-cloud/drydock/pkg/types"
)

func TestEnvironmentRedisState(t *testing.T) {
	rdb, err := NewRedisClientForTest()
	require.NoError(t, err)

	repo := NewEnvironmentRedisRepository(rdb)
	ctx := context.Background()

	// Unknown host reports empty, not an error.
	state, err := repo.GetEnvironmentState(ctx, "env-unknown")
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatus(""), state)

	require.NoError(t, repo.SetEnvironmentState(ctx, "env-a", types.EnvironmentStatusCloning))
	state, err = repo.GetEnvironmentState(ctx, "env-a")
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusCloning, state)
}

func TestEnvironmentRedisLogRingCapped(t *testing.T) {
	rdb, err := NewRedisClientForTest()
	require.NoError(t, err)

	repo := NewEnvironmentRedisRepository(rdb)
	ctx := context.Background()

	var lines []string
	for i := 0; i < logRingSize+50; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	require.NoError(t, repo.PushLogLines(ctx, "env-b", lines))

	tail, err := repo.GetLogTail(ctx, "env-b", 0)
	require.NoError(t, err)
	require.Len(t, tail, logRingSize)

	// The ring keeps the newest lines.
	assert.Equal(t, fmt.Sprintf("line %d", logRingSize+49), tail[len(tail)-1])
	assert.Equal(t, "line 50", tail[0])

	// A bounded request returns the last n only.
	last10, err := repo.GetLogTail(ctx, "env-b", 10)
	require.NoError(t, err)
	require.Len(t, last10, 10)
	assert.Equal(t, fmt.Sprintf("line %d", logRingSize+40), last10[0])
}
