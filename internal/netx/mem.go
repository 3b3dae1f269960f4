package netx

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
)

type datagram struct {
	from netip.AddrPort
	b    []byte
}

// MemNetwork is an in-process datagram fabric for tests and simulations.
// Delivery is best-effort: a full inbox drops the datagram, like UDP.
type MemNetwork struct {
	mu       sync.RWMutex
	nextPort uint16
	nodes    map[netip.AddrPort]*memTransport
	drop     func(from, to netip.AddrPort) bool
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{nextPort: 10000, nodes: make(map[netip.AddrPort]*memTransport)}
}

// SetDropFunc installs a filter; returning true drops the datagram.
func (m *MemNetwork) SetDropFunc(fn func(from, to netip.AddrPort) bool) {
	m.mu.Lock()
	m.drop = fn
	m.mu.Unlock()
}

// Listen attaches a new transport at 127.0.0.1 with a unique port.
func (m *MemNetwork) Listen() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPort++
	ap := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), m.nextPort)
	t := &memTransport{
		net:   m,
		local: ap,
		inbox: make(chan datagram, 256),
		done:  make(chan struct{}),
	}
	m.nodes[ap] = t
	return t
}

func (m *MemNetwork) deliver(from, to netip.AddrPort, b []byte) {
	m.mu.RLock()
	dst := m.nodes[to]
	drop := m.drop
	m.mu.RUnlock()
	if dst == nil || (drop != nil && drop(from, to)) {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case dst.inbox <- datagram{from: from, b: cp}:
	case <-dst.done:
	default:
	}
}

type memTransport struct {
	net   *MemNetwork
	local netip.AddrPort
	inbox chan datagram

	closeOnce sync.Once
	done      chan struct{}
}

func (t *memTransport) LocalAddr() netip.AddrPort { return t.local }

func (t *memTransport) Send(ctx context.Context, to netip.AddrPort, b []byte) error {
	if len(b) > MaxDatagram {
		return fmt.Errorf("netx: datagram too large (%d bytes)", len(b))
	}
	select {
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	t.net.deliver(t.local, to, b)
	return nil
}

func (t *memTransport) Receive(ctx context.Context) (netip.AddrPort, []byte, error) {
	select {
	case d := <-t.inbox:
		return d.from, d.b, nil
	case <-t.done:
		return netip.AddrPort{}, nil, ErrClosed
	case <-ctx.Done():
		return netip.AddrPort{}, nil, ctx.Err()
	}
}

func (t *memTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.net.mu.Lock()
		delete(t.net.nodes, t.local)
		t.net.mu.Unlock()
	})
	return nil
}
