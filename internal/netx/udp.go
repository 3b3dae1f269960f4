package netx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

type udpTransport struct {
	mu     sync.Mutex
	conn   *net.UDPConn
	local  netip.AddrPort
	closed bool
}

// ListenUDP binds a UDP socket, e.g. "[::]:0" or "127.0.0.1:5000".
func ListenUDP(bindAddr string) (Transport, error) {
	laddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("netx: resolve %q: %w", bindAddr, err)
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("netx: listen %q: %w", bindAddr, err)
	}
	local := c.LocalAddr().(*net.UDPAddr).AddrPort()
	return &udpTransport{conn: c, local: local}, nil
}

func (t *udpTransport) LocalAddr() netip.AddrPort { return t.local }

func (t *udpTransport) Send(ctx context.Context, to netip.AddrPort, b []byte) error {
	if len(b) > MaxDatagram {
		return fmt.Errorf("netx: datagram too large (%d bytes)", len(b))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.conn.WriteToUDPAddrPort(b, to)
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (t *udpTransport) Receive(ctx context.Context) (netip.AddrPort, []byte, error) {
	buf := make([]byte, MaxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return netip.AddrPort{}, nil, err
		}
		// Short deadlines let ctx cancellation be noticed without a
		// separate goroutine per read.
		if err := t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return netip.AddrPort{}, nil, ErrClosed
			}
			return netip.AddrPort{}, nil, fmt.Errorf("netx: set read deadline: %w", err)
		}
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return netip.AddrPort{}, nil, ErrClosed
			}
			return netip.AddrPort{}, nil, err
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return from, out, nil
	}
}

func (t *udpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
