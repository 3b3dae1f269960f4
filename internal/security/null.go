package security

import (
	"fmt"

	"p2p-drt/internal/proto"
)

// Null carries the full security envelope but performs no cryptography.
// Signatures are all-zero and never checked; data transforms copy bytes.
type Null struct{}

func NewNull() *Null { return &Null{} }

func (*Null) Attach() error { return nil }
func (*Null) Detach()       {}

func (*Null) RegisterKey(Registration, []byte) error { return nil }
func (*Null) UnregisterKey([]byte, []byte) error     { return nil }

func (*Null) SecureAndPackPayload(pv proto.Version, flags uint32, key, payload []byte, addrs []proto.SocketAddress, nonce []byte) (Packed, error) {
	p := &proto.SecuredAddressPayload{
		ProtocolVersion: pv,
		SecurityVersion: envelopeVersion(),
		SymmetricKey:    clone(key),
		Signature:       make([]byte, proto.SignatureSize),
		Nonce:           clone(nonce),
		Flags:           flags,
		Addresses:       addrs,
	}
	b, err := proto.Encode(p)
	if err != nil {
		return Packed{}, err
	}
	return Packed{SecuredPayload: b, SecuredInnerPayload: clone(payload)}, nil
}

func (*Null) ValidateAndUnpackPayload(secured, inner, _ []byte, expectedNonce []byte) (Unpacked, error) {
	p, err := decodeChecked(secured, expectedNonce)
	if err != nil {
		return Unpacked{}, err
	}
	return unpacked(p, inner), nil
}

func (*Null) SignData(...[]byte) ([]byte, []byte, error) { return nil, nil, nil }

// VerifyData accepts only the empty signature Null produces.
func (*Null) VerifyData(_, _, signature []byte, _ ...[]byte) error {
	if len(signature) != 0 {
		return fmt.Errorf("%w: null provider expects an empty signature", ErrBadSignature)
	}
	return nil
}

func (*Null) EncryptData(_ []byte, buffers ...[]byte) ([][]byte, error) { return copyBuffers(buffers), nil }
func (*Null) DecryptData(_ []byte, buffers ...[]byte) ([][]byte, error) { return copyBuffers(buffers), nil }

func (*Null) SerializedCredential() ([]byte, error) { return nil, nil }

func copyBuffers(in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	for i, b := range in {
		out[i] = append([]byte{}, b...)
	}
	return out
}
