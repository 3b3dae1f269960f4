package netx

import (
	"context"
	"errors"
	"net/netip"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("netx: transport closed")

// MaxDatagram bounds a single datagram handed to or returned by a Transport.
const MaxDatagram = 64 * 1024

// Transport is an unreliable, unordered, at-most-once datagram service.
// Retries and acknowledgements are the caller's job.
type Transport interface {
	LocalAddr() netip.AddrPort
	Send(ctx context.Context, to netip.AddrPort, b []byte) error
	// Receive blocks until a datagram arrives, ctx is done, or the
	// transport is closed.
	Receive(ctx context.Context) (from netip.AddrPort, b []byte, err error)
	Close() error
}
