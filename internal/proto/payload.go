package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ErrInvalidMessage reports a malformed, truncated, replayed or version
// mismatched secured address payload. It is fatal to the exchange.
var ErrInvalidMessage = errors.New("proto: invalid message")

// SignatureSize is the fixed width of the signature field on the wire.
const SignatureSize = 0x80

// Compiled-in security envelope version. Decoding rejects anything else.
const (
	SecurityMajor = 1
	SecurityMinor = 0
)

const (
	maxNonceLen     = 0xff
	maxAddressCount = 0xff
	maxAlgIDLen     = 0xff
	maxU16Len       = 0xffff
)

type Version struct {
	Major uint8
	Minor uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// PublicKey mirrors a SubjectPublicKeyInfo split into its raw parts.
type PublicKey struct {
	AlgorithmID []byte
	Parameters  []byte
	KeyBits     []byte
	UnusedBits  uint8
}

// SocketAddress is a raw socket address (sockaddr_in / sockaddr_in6 layout).
type SocketAddress []byte

// SecuredAddressPayload is the signed blob peers exchange to publish the
// addresses behind a key.
type SecuredAddressPayload struct {
	ProtocolVersion Version
	SecurityVersion Version
	SymmetricKey    []byte
	Signature       []byte
	Nonce           []byte
	Flags           uint32
	PublicKey       PublicKey
	Addresses       []SocketAddress
}

// Address family values used in the raw socket address layout.
const (
	afINET  = 2
	afINET6 = 23

	sockaddrInLen  = 16
	sockaddrIn6Len = 28
)

// SocketAddressFrom encodes ap in the sockaddr layout: little-endian family,
// big-endian port, then the address (and flowinfo/scope for IPv6).
func SocketAddressFrom(ap netip.AddrPort) SocketAddress {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		b := make([]byte, sockaddrInLen)
		binary.LittleEndian.PutUint16(b[0:2], afINET)
		binary.BigEndian.PutUint16(b[2:4], ap.Port())
		a4 := addr.Unmap().As4()
		copy(b[4:8], a4[:])
		return b
	}
	b := make([]byte, sockaddrIn6Len)
	binary.LittleEndian.PutUint16(b[0:2], afINET6)
	binary.BigEndian.PutUint16(b[2:4], ap.Port())
	a16 := addr.As16()
	copy(b[8:24], a16[:])
	return b
}

// AddrPort decodes a raw socket address.
func (s SocketAddress) AddrPort() (netip.AddrPort, error) {
	if len(s) < 4 {
		return netip.AddrPort{}, ErrInvalidMessage
	}
	port := binary.BigEndian.Uint16(s[2:4])
	switch binary.LittleEndian.Uint16(s[0:2]) {
	case afINET:
		if len(s) < sockaddrInLen {
			return netip.AddrPort{}, ErrInvalidMessage
		}
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(s[4:8])), port), nil
	case afINET6:
		if len(s) < sockaddrIn6Len {
			return netip.AddrPort{}, ErrInvalidMessage
		}
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(s[8:24])), port), nil
	default:
		return netip.AddrPort{}, ErrInvalidMessage
	}
}

// SocketAddresses converts a list of endpoints to raw socket addresses.
func SocketAddresses(aps []netip.AddrPort) []SocketAddress {
	out := make([]SocketAddress, 0, len(aps))
	for _, ap := range aps {
		out = append(out, SocketAddressFrom(ap))
	}
	return out
}

// AddrPorts converts raw socket addresses back to endpoints, skipping
// families it does not understand.
func AddrPorts(addrs []SocketAddress) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		ap, err := a.AddrPort()
		if err != nil {
			continue
		}
		out = append(out, ap)
	}
	return out
}
