package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/types"
)

const (
	environmentStateTTL     = 24 * time.Hour
	environmentKeepAliveTTL = 90 * time.Second
	logRingSize             = 100
)

// EnvironmentRedisRepository tracks live environment state in Redis. This
// state is advisory; the Postgres record stays authoritative.
type EnvironmentRedisRepository struct {
	rdb *common.RedisClient
}

var _ RuntimeRepository = (*EnvironmentRedisRepository)(nil)

func NewEnvironmentRedisRepository(rdb *common.RedisClient) *EnvironmentRedisRepository {
	return &EnvironmentRedisRepository{rdb: rdb}
}

// SetEnvironmentState records the last reported status for a host
func (r *EnvironmentRedisRepository) SetEnvironmentState(ctx context.Context, hostName string, status types.EnvironmentStatus) error {
	key := common.Keys.EnvironmentState(hostName)
	if err := r.rdb.Set(ctx, key, string(status), environmentStateTTL).Err(); err != nil {
		return fmt.Errorf("failed to set environment state: %w", err)
	}
	return nil
}

// GetEnvironmentState returns the last reported status, or empty when the
// host has never reported or the entry expired.
func (r *EnvironmentRedisRepository) GetEnvironmentState(ctx context.Context, hostName string) (types.EnvironmentStatus, error) {
	key := common.Keys.EnvironmentState(hostName)
	val, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get environment state: %w", err)
	}
	return types.EnvironmentStatus(val), nil
}

// SetEnvironmentKeepAlive refreshes the liveness marker for a host
func (r *EnvironmentRedisRepository) SetEnvironmentKeepAlive(ctx context.Context, hostName string) error {
	key := common.Keys.EnvironmentActive(hostName)
	if err := r.rdb.Set(ctx, key, time.Now().Unix(), environmentKeepAliveTTL).Err(); err != nil {
		return fmt.Errorf("failed to set environment keepalive: %w", err)
	}
	return nil
}

// PushLogLines appends lines to the host's capped log ring. The ring keeps
// only the most recent logRingSize lines.
func (r *EnvironmentRedisRepository) PushLogLines(ctx context.Context, hostName string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	key := common.Keys.EnvironmentLogs(hostName)
	args := make([]interface{}, len(lines))
	for i, line := range lines {
		args[i] = line
	}

	pipe := r.rdb.Pipeline()
	pipe.RPush(ctx, key, args...)
	pipe.LTrim(ctx, key, -logRingSize, -1)
	pipe.Expire(ctx, key, environmentStateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push log lines: %w", err)
	}

	return nil
}

// GetLogTail returns the last n log lines for a host, oldest first
func (r *EnvironmentRedisRepository) GetLogTail(ctx context.Context, hostName string, n int) ([]string, error) {
	if n <= 0 || n > logRingSize {
		n = logRingSize
	}

	key := common.Keys.EnvironmentLogs(hostName)
	lines, err := r.rdb.LRange(ctx, key, int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get log tail: %w", err)
	}

	return lines, nil
}
