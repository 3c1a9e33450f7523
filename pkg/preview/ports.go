package preview

import (
	"errors"
	"sync"
)

// ErrPortsExhausted is returned when no free port remains in the preview
// range. Callers surface it as a resource_exhausted failure.
var ErrPortsExhausted = errors.New("preview port range exhausted")

// PortAllocator hands out host ports from a fixed range. Allocation is
// atomic within the process; persisted reservations are rehydrated from
// the preview table at startup.
type PortAllocator struct {
	mu   sync.Mutex
	min  int
	max  int
	next int
	used map[int]struct{}
}

// NewPortAllocator covers the inclusive range [min, max].
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{min: min, max: max, next: min, used: make(map[int]struct{})}
}

// Rehydrate marks ports held by existing previews as used. Ports outside
// the range are ignored.
func (a *PortAllocator) Rehydrate(ports []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		if p >= a.min && p <= a.max {
			a.used[p] = struct{}{}
		}
	}
}

// Allocate reserves the next free port, scanning the range once with
// wrap-around.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		p := a.min + (a.next-a.min+i)%size
		if _, taken := a.used[p]; taken {
			continue
		}
		a.used[p] = struct{}{}
		a.next = p + 1
		return p, nil
	}
	return 0, ErrPortsExhausted
}

// Release frees a port. Releasing an unallocated port is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

// Reserved reports how many ports are currently held.
func (a *PortAllocator) Reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
