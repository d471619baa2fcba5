// Package registry records which local ports currently have a live
// forwarding listener and where each one points.
package registry

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/zmedgyes/charon-proxy/pkg/api"
)

// Handle is the live listener behind an ActiveProxy
type Handle interface {
	Addr() net.Addr
	Shutdown(ctx context.Context) error
}

// ActiveProxy is a bound forwarding listener and its current target
type ActiveProxy struct {
	LocalPort int
	Target    api.Endpoint
	StartedAt time.Time

	handle Handle
}

// NewActiveProxy wraps a started listener
func NewActiveProxy(localPort int, target api.Endpoint, handle Handle) *ActiveProxy {
	return &ActiveProxy{
		LocalPort: localPort,
		Target:    target,
		StartedAt: time.Now(),
		handle:    handle,
	}
}

// Handle returns the listener handle
func (p *ActiveProxy) Handle() Handle {
	return p.handle
}

// String returns a string representation of the proxy
func (p *ActiveProxy) String() string {
	return fmt.Sprintf("%d -> %s", p.LocalPort, p.Target)
}

// Registry holds at most one ActiveProxy per local port
type Registry struct {
	mu      sync.RWMutex
	proxies map[int]*ActiveProxy
}

// New creates an empty registry
func New() *Registry {
	return &Registry{proxies: make(map[int]*ActiveProxy)}
}

// Add records a proxy. It fails if the port already has one.
func (r *Registry) Add(proxy *ActiveProxy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.proxies[proxy.LocalPort]; exists {
		return fmt.Errorf("local port %d already has an active proxy to %s", proxy.LocalPort, existing.Target)
	}
	r.proxies[proxy.LocalPort] = proxy
	return nil
}

// Get returns the proxy on port, if any
func (r *Registry) Get(port int) (*ActiveProxy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	proxy, exists := r.proxies[port]
	return proxy, exists
}

// Remove deletes and returns the proxy on port
func (r *Registry) Remove(port int) (*ActiveProxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proxy, exists := r.proxies[port]
	if exists {
		delete(r.proxies, port)
	}
	return proxy, exists
}

// Targets returns a copy of port -> target for every active proxy
func (r *Registry) Targets() map[int]api.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make(map[int]api.Endpoint, len(r.proxies))
	for port, proxy := range r.proxies {
		targets[port] = proxy.Target
	}
	return targets
}

// Ports returns the active local ports in ascending order
func (r *Registry) Ports() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ports := make([]int, 0, len(r.proxies))
	for port := range r.proxies {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// Len returns the number of active proxies
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.proxies)
}
