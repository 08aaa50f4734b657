package common

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drydock-cloud/drydock/pkg/types"
)

func TestPortAllocatorWraparound(t *testing.T) {
	p := NewPortAllocator(3000, 3003)

	a, err := p.Allocate()
	assert.NoError(t, err)
	assert.Equal(t, 3000, a)

	b, err := p.Allocate()
	assert.NoError(t, err)
	assert.Equal(t, 3001, b)

	c, err := p.Allocate()
	assert.NoError(t, err)
	assert.Equal(t, 3002, c)

	_, err = p.Allocate()
	assert.ErrorIs(t, err, types.ErrNoPortsAvailable)

	// Releasing the first port makes it available again after wraparound.
	p.Release(3000)
	d, err := p.Allocate()
	assert.NoError(t, err)
	assert.Equal(t, 3000, d)
	assert.True(t, p.InUse(3000))
}

func TestPortAllocatorSkipsInUse(t *testing.T) {
	p := NewPortAllocator(4000, 4010)

	first, err := p.Allocate()
	assert.NoError(t, err)

	second, err := p.Allocate()
	assert.NoError(t, err)
	assert.NotEqual(t, first, second)

	p.Release(first)
	assert.False(t, p.InUse(first))
	assert.True(t, p.InUse(second))
}
