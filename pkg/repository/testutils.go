package repository

import (
	"github.com/alicebob/miniredis/v2"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/types"
)

// NewRedisClientForTest spins up a miniredis instance and returns a client
// pointed at it.
func NewRedisClientForTest() (*common.RedisClient, error) {
	s, err := miniredis.Run()
	if err != nil {
		return nil, err
	}

	rdb, err := common.NewRedisClient(types.RedisConfig{
		Addrs: []string{s.Addr()},
	})
	if err != nil {
		return nil, err
	}

	return rdb, nil
}

// NewBackendForTest returns an in-memory backend repository.
func NewBackendForTest() (BackendRepository, error) {
	return NewMemoryBackend(), nil
}
