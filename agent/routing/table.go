// Package routing maps logical service names to backend addresses.
package routing

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/golang-lru"
)

const defaultResolveCacheSize = 1024

var ErrNoRoute = errors.New("routing: no route for service")

// Route is one service to address mapping.
type Route struct {
	Service string
	Address string
}

// Table is the process wide routing table. It is read on every proxied
// request and written by configuration reloads and the Routing RPC service.
type Table struct {
	mu       sync.RWMutex
	routes   map[string]string
	version  uint64
	resolved *lru.Cache // address -> *net.TCPAddr

	// resolve is replaced in tests.
	resolve func(addr string) (*net.TCPAddr, error)
}

// NewTable returns a table holding routes.
func NewTable(routes map[string]string) (*Table, error) {
	cache, err := lru.New(defaultResolveCacheSize)
	if err != nil {
		return nil, err
	}
	t := &Table{
		routes:   make(map[string]string, len(routes)),
		resolved: cache,
		resolve: func(addr string) (*net.TCPAddr, error) {
			return net.ResolveTCPAddr("tcp", addr)
		},
	}
	for svc, addr := range routes {
		if err := Validate(svc, addr); err != nil {
			return nil, err
		}
		t.routes[svc] = addr
	}
	return t, nil
}

// Validate checks that a route names a service and a host:port address.
func Validate(service, addr string) error {
	if service == "" {
		return fmt.Errorf("routing: empty service name")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("routing: bad address %q for %q: %w", addr, service, err)
	}
	return nil
}

// Lookup returns the address configured for service.
func (t *Table) Lookup(service string) (string, bool) {
	t.mu.RLock()
	addr, ok := t.routes[service]
	t.mu.RUnlock()
	return addr, ok
}

// Resolve returns the TCP address of service, resolving host names once per
// table version.
func (t *Table) Resolve(service string) (*net.TCPAddr, error) {
	addr, ok := t.Lookup(service)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoRoute, service)
	}
	return t.ResolveAddr(addr)
}

// ResolveAddr resolves a host:port address through the table's cache.
// Entries are dropped when the route using them changes.
func (t *Table) ResolveAddr(addr string) (*net.TCPAddr, error) {
	if v, ok := t.resolved.Get(addr); ok {
		return v.(*net.TCPAddr), nil
	}
	metrics.IncrCounter([]string{"routing", "resolve"}, 1)
	tcp, err := t.resolve(addr)
	if err != nil {
		return nil, err
	}
	t.resolved.Add(addr, tcp)
	return tcp, nil
}

// Set adds or replaces the route of service.
func (t *Table) Set(service, addr string) error {
	if err := Validate(service, addr); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.routes[service]; ok {
		if old == addr {
			return nil
		}
		t.resolved.Remove(old)
	}
	t.routes[service] = addr
	t.version++
	return nil
}

// Delete removes the route of service. It reports whether one existed.
func (t *Table) Delete(service string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.routes[service]
	if !ok {
		return false
	}
	delete(t.routes, service)
	t.resolved.Remove(old)
	t.version++
	return true
}

// Replace swaps the whole table, as done on a configuration reload.
func (t *Table) Replace(routes map[string]string) error {
	next := make(map[string]string, len(routes))
	for svc, addr := range routes {
		if err := Validate(svc, addr); err != nil {
			return err
		}
		next[svc] = addr
	}
	t.mu.Lock()
	t.routes = next
	t.version++
	t.mu.Unlock()
	t.resolved.Purge()
	return nil
}

// Snapshot returns every route sorted by service, and the table version.
func (t *Table) Snapshot() ([]Route, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, 0, len(t.routes))
	for svc, addr := range t.routes {
		out = append(out, Route{Service: svc, Address: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, t.version
}

// Version increases on every change.
func (t *Table) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}
