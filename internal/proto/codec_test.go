package proto

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePayload() *SecuredAddressPayload {
	sig := bytes.Repeat([]byte{0xab}, SignatureSize)
	return &SecuredAddressPayload{
		ProtocolVersion: Version{Major: 1, Minor: 2},
		SecurityVersion: Version{Major: SecurityMajor, Minor: SecurityMinor},
		SymmetricKey:    bytes.Repeat([]byte{0x01}, 32),
		Signature:       sig,
		Nonce:           []byte{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 1, 2, 3, 4, 5, 6},
		Flags:           FlagNodeKey | 0x80000000,
		PublicKey: PublicKey{
			AlgorithmID: []byte("1.3.101.112"),
			Parameters:  []byte{0x05, 0x00},
			KeyBits:     bytes.Repeat([]byte{0x42}, 32),
			UnusedBits:  0,
		},
		Addresses: SocketAddresses([]netip.AddrPort{
			netip.MustParseAddrPort("192.0.2.10:5000"),
			netip.MustParseAddrPort("[2001:db8::1]:6000"),
		}),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := samplePayload()

	b, err := Encode(p)
	require.NoError(t, err)
	require.Len(t, b, EncodedLen(p))

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestEncodeDecodeMinimal(t *testing.T) {
	p := &SecuredAddressPayload{
		SecurityVersion: Version{Major: SecurityMajor, Minor: SecurityMinor},
		Signature:       make([]byte, SignatureSize),
	}
	b, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestDecodeTruncatedAlwaysInvalid(t *testing.T) {
	b, err := Encode(samplePayload())
	require.NoError(t, err)

	for n := 0; n < len(b); n++ {
		_, err := Decode(b[:n])
		require.ErrorIs(t, err, ErrInvalidMessage, "prefix of %d bytes", n)
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	b, err := Encode(samplePayload())
	require.NoError(t, err)

	_, err = Decode(append(b, 0x00))
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecodeOverstatedAddressLength(t *testing.T) {
	p := samplePayload()
	b, err := Encode(p)
	require.NoError(t, err)

	// The last address is 28 bytes; claim 0xffff instead.
	lenOff := len(b) - len(p.Addresses[1]) - 2
	b[lenOff] = 0xff
	b[lenOff+1] = 0xff

	_, err = Decode(b)
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecodeRejectsSecurityVersion(t *testing.T) {
	b, err := Encode(samplePayload())
	require.NoError(t, err)

	b[2] = SecurityMajor + 1
	_, err = Decode(b)
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncodeRejectsBadLimits(t *testing.T) {
	p := samplePayload()
	p.Signature = p.Signature[:64]
	_, err := Encode(p)
	require.ErrorIs(t, err, ErrInvalidMessage)

	p = samplePayload()
	p.Nonce = make([]byte, 256)
	_, err = Encode(p)
	require.ErrorIs(t, err, ErrInvalidMessage)

	p = samplePayload()
	p.Addresses = make([]SocketAddress, 256)
	_, err = Encode(p)
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSocketAddressRoundTrip(t *testing.T) {
	for _, s := range []string{"10.1.2.3:1", "[fe80::1]:65535", "0.0.0.0:0"} {
		ap := netip.MustParseAddrPort(s)
		got, err := SocketAddressFrom(ap).AddrPort()
		require.NoError(t, err)
		require.Equal(t, ap, got)
	}

	_, err := SocketAddress{0x99, 0x00, 0x00, 0x00}.AddrPort()
	require.ErrorIs(t, err, ErrInvalidMessage)
}
