// Package ports assigns TCP ports to nodes from a bounded range.
//
// Allocation is check-then-use: a port is considered free when nothing in
// the excluded set holds it and a test bind succeeds. Another process can
// still bind the port between the check and the node's own listen call.
// The supervisor accepts that race for a single-operator local fleet; the
// restart path re-checks the port before relaunching (see cluster.Manager).
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoPortAvailable is returned when every port in the requested range is
// either excluded or occupied by a listener.
var ErrNoPortAvailable = errors.New("no port available")

// ProbeFunc reports whether a port can currently be bound.
type ProbeFunc func(port int) bool

// Allocator hands out the lowest eligible port in a range.
// It keeps no state of its own; callers pass the ports already held by
// provisioned nodes on every call.
type Allocator struct {
	probe ProbeFunc
	host  string
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProbe replaces the OS bind probe. Tests use this to simulate
// occupied ports without opening sockets.
func WithProbe(probe ProbeFunc) Option {
	return func(a *Allocator) {
		a.probe = probe
	}
}

// WithHost sets the interface the bind probe uses. The default is all
// interfaces, which is the strictest check.
func WithHost(host string) Option {
	return func(a *Allocator) {
		a.host = host
	}
}

// NewAllocator creates an Allocator that probes ports with a real bind.
//
// Example:
//
//	alloc := ports.NewAllocator()
//	port, err := alloc.Allocate(8070, 4, map[int]bool{8070: true})
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{}
	for _, opt := range opts {
		opt(a)
	}
	if a.probe == nil {
		a.probe = a.bindProbe
	}
	return a
}

// Available reports whether port is free at the OS level right now.
func (a *Allocator) Available(port int) bool {
	return a.probe(port)
}

// Allocate scans [start, start+count) in ascending order and returns the
// first port that is neither in excluded nor occupied by a listener.
//
// Parameters:
//   - start: First port of the range
//   - count: Number of ports in the range
//   - excluded: Ports already assigned to other provisioned nodes
//
// Returns:
//   - int: The allocated port
//   - error: ErrNoPortAvailable when the scan finds nothing
func (a *Allocator) Allocate(start, count int, excluded map[int]bool) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("range %d+%d: %w", start, count, ErrNoPortAvailable)
	}
	for port := start; port < start+count; port++ {
		if excluded[port] {
			continue
		}
		if port < 1 || port > 65535 {
			continue
		}
		if a.probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("range %d-%d: %w", start, start+count-1, ErrNoPortAvailable)
}

func (a *Allocator) bindProbe(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
