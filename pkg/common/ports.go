package common

import (
	"net"
	"strconv"
	"sync"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// PortAllocator hands out host-side ports from a fixed range and tracks
// in-use state with wraparound reuse. It is owned state passed into the
// components that need it, not a process-wide global, so it can be tested
// without a live host.
type PortAllocator struct {
	mu    sync.Mutex
	min   int
	max   int
	next  int
	inUse map[int]bool

	// probe optionally verifies a candidate port is bindable on the host.
	// Nil in tests.
	probe func(port int) bool
}

// NewPortAllocator creates an allocator over [min, max).
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{
		min:   min,
		max:   max,
		next:  min,
		inUse: make(map[int]bool),
	}
}

// NewHostPortAllocator creates an allocator that also probes the OS before
// handing out a port.
func NewHostPortAllocator(min, max int) *PortAllocator {
	p := NewPortAllocator(min, max)
	p.probe = portBindable
	return p
}

// Allocate returns a free port, scanning forward with wraparound. Returns
// ErrNoPortsAvailable when every port in the range is in use.
func (p *PortAllocator) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.max - p.min
	for i := 0; i < size; i++ {
		candidate := p.next
		p.next++
		if p.next >= p.max {
			p.next = p.min
		}

		if p.inUse[candidate] {
			continue
		}
		if p.probe != nil && !p.probe(candidate) {
			continue
		}

		p.inUse[candidate] = true
		return candidate, nil
	}

	return 0, types.ErrNoPortsAvailable
}

// Release returns a port to the pool.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// InUse reports whether a port is currently allocated.
func (p *PortAllocator) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[port]
}

func portBindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
