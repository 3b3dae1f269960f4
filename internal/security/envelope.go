package security

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"p2p-drt/internal/proto"
)

func envelopeVersion() proto.Version {
	return proto.Version{Major: proto.SecurityMajor, Minor: proto.SecurityMinor}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneAddrs(in []proto.SocketAddress) []proto.SocketAddress {
	if in == nil {
		return nil
	}
	out := make([]proto.SocketAddress, len(in))
	for i, a := range in {
		out[i] = proto.SocketAddress(clone(a))
	}
	return out
}

// decodeChecked decodes secured and compares its nonce against expected in
// constant time. A nil expected nonce skips the comparison.
func decodeChecked(secured, expectedNonce []byte) (*proto.SecuredAddressPayload, error) {
	p, err := proto.Decode(secured)
	if err != nil {
		return nil, err
	}
	if expectedNonce != nil && subtle.ConstantTimeCompare(p.Nonce, expectedNonce) != 1 {
		return nil, fmt.Errorf("%w: nonce mismatch", proto.ErrInvalidMessage)
	}
	return p, nil
}

func unpacked(p *proto.SecuredAddressPayload, inner []byte) Unpacked {
	return Unpacked{
		Key:             p.SymmetricKey,
		Payload:         clone(inner),
		PublicKey:       p.PublicKey,
		Addresses:       p.Addresses,
		Flags:           p.Flags,
		ProtocolVersion: p.ProtocolVersion,
	}
}

// joinBuffers length-prefixes every buffer so that signatures cannot be
// shifted across buffer boundaries.
func joinBuffers(buffers [][]byte) []byte {
	n := 0
	for _, b := range buffers {
		n += 4 + len(b)
	}
	out := make([]byte, 0, n)
	for _, b := range buffers {
		out = binary.BigEndian.AppendUint32(out, uint32(len(b)))
		out = append(out, b...)
	}
	return out
}
