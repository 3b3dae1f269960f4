package proto

import (
	"encoding/binary"
	"fmt"
)

// EncodedLen returns the exact number of bytes Encode will produce for p.
func EncodedLen(p *SecuredAddressPayload) int {
	n := 2 + 2
	n += 2 + len(p.SymmetricKey)
	n += 1 + len(p.Signature)
	n += 1 + len(p.Nonce)
	n += 4
	n += 1 + 2 + 2 + 1 + len(p.PublicKey.AlgorithmID) + len(p.PublicKey.Parameters) + len(p.PublicKey.KeyBits)
	n += 1
	for _, a := range p.Addresses {
		n += 2 + len(a)
	}
	return n
}

func checkLimits(p *SecuredAddressPayload) error {
	switch {
	case len(p.SymmetricKey) > maxU16Len:
		return fmt.Errorf("%w: symmetric key too long (%d)", ErrInvalidMessage, len(p.SymmetricKey))
	case len(p.Signature) != SignatureSize:
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidMessage, SignatureSize, len(p.Signature))
	case len(p.Nonce) > maxNonceLen:
		return fmt.Errorf("%w: nonce too long (%d)", ErrInvalidMessage, len(p.Nonce))
	case len(p.PublicKey.AlgorithmID) > maxAlgIDLen:
		return fmt.Errorf("%w: algorithm id too long", ErrInvalidMessage)
	case len(p.PublicKey.Parameters) > maxU16Len:
		return fmt.Errorf("%w: key parameters too long", ErrInvalidMessage)
	case len(p.PublicKey.KeyBits) > maxU16Len:
		return fmt.Errorf("%w: public key too long", ErrInvalidMessage)
	case len(p.Addresses) > maxAddressCount:
		return fmt.Errorf("%w: too many addresses (%d)", ErrInvalidMessage, len(p.Addresses))
	}
	for i, a := range p.Addresses {
		if len(a) > maxU16Len {
			return fmt.Errorf("%w: address %d too long", ErrInvalidMessage, i)
		}
	}
	return nil
}

// Encode serializes p in wire order. Multi-byte integers are little-endian.
func Encode(p *SecuredAddressPayload) ([]byte, error) {
	if err := checkLimits(p); err != nil {
		return nil, err
	}

	b := make([]byte, 0, EncodedLen(p))
	b = append(b, p.ProtocolVersion.Major, p.ProtocolVersion.Minor)
	b = append(b, p.SecurityVersion.Major, p.SecurityVersion.Minor)

	b = binary.LittleEndian.AppendUint16(b, uint16(len(p.SymmetricKey)))
	b = append(b, p.SymmetricKey...)

	b = append(b, uint8(len(p.Signature)))
	b = append(b, p.Signature...)

	b = append(b, uint8(len(p.Nonce)))
	b = append(b, p.Nonce...)

	b = binary.LittleEndian.AppendUint32(b, p.Flags)

	pk := p.PublicKey
	b = append(b, uint8(len(pk.AlgorithmID)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(pk.Parameters)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(pk.KeyBits)))
	b = append(b, pk.UnusedBits)
	b = append(b, pk.AlgorithmID...)
	b = append(b, pk.Parameters...)
	b = append(b, pk.KeyBits...)

	b = append(b, uint8(len(p.Addresses)))
	for _, a := range p.Addresses {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(a)))
		b = append(b, a...)
	}
	return b, nil
}

// reader is a bounds-checked cursor. The first failed read latches err and
// every later read returns zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: truncated at offset %d (need %d, have %d)", ErrInvalidMessage, r.off, n, len(r.buf)-r.off)
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

// bytes copies n bytes so the caller owns the result outright.
func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out
}

// Decode parses a secured address payload. The buffer must be consumed
// exactly and the security version must match SecurityMajor.SecurityMinor.
func Decode(b []byte) (*SecuredAddressPayload, error) {
	r := &reader{buf: b}
	p := &SecuredAddressPayload{}

	p.ProtocolVersion = Version{Major: r.u8(), Minor: r.u8()}
	p.SecurityVersion = Version{Major: r.u8(), Minor: r.u8()}
	if r.err == nil && (p.SecurityVersion.Major != SecurityMajor || p.SecurityVersion.Minor != SecurityMinor) {
		return nil, fmt.Errorf("%w: security version %s", ErrInvalidMessage, p.SecurityVersion)
	}

	p.SymmetricKey = r.bytes(int(r.u16()))

	sigLen := int(r.u8())
	if r.err == nil && sigLen != SignatureSize {
		return nil, fmt.Errorf("%w: signature length %d", ErrInvalidMessage, sigLen)
	}
	p.Signature = r.bytes(sigLen)

	p.Nonce = r.bytes(int(r.u8()))
	p.Flags = r.u32()

	algLen := int(r.u8())
	paramLen := int(r.u16())
	keyLen := int(r.u16())
	p.PublicKey.UnusedBits = r.u8()
	p.PublicKey.AlgorithmID = r.bytes(algLen)
	p.PublicKey.Parameters = r.bytes(paramLen)
	p.PublicKey.KeyBits = r.bytes(keyLen)

	count := int(r.u8())
	if count > 0 && r.err == nil {
		p.Addresses = make([]SocketAddress, 0, count)
		for i := 0; i < count && r.err == nil; i++ {
			a := r.bytes(int(r.u16()))
			if r.err == nil {
				p.Addresses = append(p.Addresses, SocketAddress(a))
			}
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidMessage, len(b)-r.off)
	}
	return p, nil
}
