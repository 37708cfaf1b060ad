// Package ports hands out TCP ports for backend processes from a contiguous
// range and reclaims them when the process is gone.
package ports

import (
	"fmt"
	"sync"

	"github.com/wagiedev/ida-proxy-mcp/internal/errors"
)

// Allocator assigns ports from [base, base+size). Lowest free port first.
type Allocator struct {
	mu    sync.Mutex
	base  int
	size  int
	inUse map[int]struct{}
}

// New creates an allocator for the range [base, base+size).
func New(base, size int) *Allocator {
	if size < 1 {
		size = 1
	}

	return &Allocator{
		base:  base,
		size:  size,
		inUse: make(map[int]struct{}, size),
	}
}

// Allocate returns the lowest free port in the range.
func (a *Allocator) Allocate() (int, error) {
	return a.AllocateFunc(nil)
}

// AllocateFunc returns the lowest free port for which usable reports true.
// A nil usable accepts every free port. Ports rejected by usable stay free.
func (a *Allocator) AllocateFunc(usable func(port int) bool) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.base; port < a.base+a.size; port++ {
		if _, taken := a.inUse[port]; taken {
			continue
		}

		if usable != nil && !usable(port) {
			continue
		}

		a.inUse[port] = struct{}{}

		return port, nil
	}

	return 0, &errors.ResourceExhaustedError{BasePort: a.base, Size: a.size}
}

// Release returns port to the pool. Releasing a free or foreign port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.inUse, port)
}

// InUse returns the number of allocated ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.inUse)
}

// String describes the range, for logs.
func (a *Allocator) String() string {
	return fmt.Sprintf("%d-%d", a.base, a.base+a.size-1)
}
