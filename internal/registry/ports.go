package registry

import (
	"fmt"
	"sync"

	"github.com/matst80/relaygate/internal/obs"
)

// PortPool leases pre-allocated local TCP ports in FIFO order. A port is never handed out
// twice before it is returned, and the pool never grows beyond its initial size.
type PortPool struct {
	mu     sync.Mutex
	free   []int
	leased map[int]bool
	known  map[int]bool
}

// NewPortPool creates a pool holding every port in [min, max].
func NewPortPool(min, max int) (*PortPool, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	p := &PortPool{leased: make(map[int]bool), known: make(map[int]bool)}
	for port := min; port <= max; port++ {
		p.free = append(p.free, port)
		p.known[port] = true
	}
	obs.AvailablePorts.Set(float64(len(p.free)))
	return p, nil
}

// Lease takes the oldest free port.
func (p *PortPool) Lease() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, false
	}
	port := p.free[0]
	p.free = p.free[1:]
	p.leased[port] = true
	obs.AvailablePorts.Set(float64(len(p.free)))
	return port, true
}

// Release returns a leased port. Unknown or not leased ports are ignored and reported false,
// so a second release of the same port is harmless.
func (p *PortPool) Release(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.known[port] || !p.leased[port] {
		return false
	}
	delete(p.leased, port)
	p.free = append(p.free, port)
	obs.AvailablePorts.Set(float64(len(p.free)))
	return true
}

func (p *PortPool) Available() int { p.mu.Lock(); defer p.mu.Unlock(); return len(p.free) }
func (p *PortPool) Size() int      { return len(p.known) }
