package security

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"p2p-drt/internal/proto"
)

var testAddrs = proto.SocketAddresses([]netip.AddrPort{netip.MustParseAddrPort("192.0.2.1:5000")})

func TestNullPackUnpack(t *testing.T) {
	n := NewNull()
	require.NoError(t, n.Attach())
	defer n.Detach()

	key := bytes.Repeat([]byte{7}, 32)
	nonce := []byte("0123456789abcdef")
	pv := proto.Version{Major: 1, Minor: 0}

	packed, err := n.SecureAndPackPayload(pv, proto.FlagNodeKey, key, []byte("hello"), testAddrs, nonce)
	require.NoError(t, err)

	p, err := proto.Decode(packed.SecuredPayload)
	require.NoError(t, err)
	require.Equal(t, make([]byte, proto.SignatureSize), p.Signature)

	got, err := n.ValidateAndUnpackPayload(packed.SecuredPayload, packed.SecuredInnerPayload, packed.CertChain, nonce)
	require.NoError(t, err)
	require.Equal(t, key, got.Key)
	require.Equal(t, []byte("hello"), got.Payload)
	require.Equal(t, testAddrs, got.Addresses)
	require.Equal(t, uint32(proto.FlagNodeKey), got.Flags)
	require.Equal(t, pv, got.ProtocolVersion)
}

func TestNullNonceMismatch(t *testing.T) {
	n := NewNull()
	packed, err := n.SecureAndPackPayload(proto.Version{}, 0, []byte{1}, nil, nil, []byte("aaaa"))
	require.NoError(t, err)

	_, err = n.ValidateAndUnpackPayload(packed.SecuredPayload, nil, nil, []byte("aaab"))
	require.ErrorIs(t, err, proto.ErrInvalidMessage)

	_, err = n.ValidateAndUnpackPayload(packed.SecuredPayload, nil, nil, nil)
	require.NoError(t, err)
}

func TestNullDataHelpers(t *testing.T) {
	n := NewNull()

	keyID, sig, err := n.SignData([]byte("x"))
	require.NoError(t, err)
	require.Empty(t, keyID)
	require.Empty(t, sig)
	require.NoError(t, n.VerifyData(nil, nil, nil, []byte("x")))
	require.ErrorIs(t, n.VerifyData(nil, nil, []byte{1}, []byte("x")), ErrBadSignature)

	in := [][]byte{[]byte("a"), []byte("bc")}
	enc, err := n.EncryptData(nil, in...)
	require.NoError(t, err)
	require.Equal(t, in, enc)
	enc[0][0] = 'z'
	require.Equal(t, byte('a'), in[0][0])
}

func TestNewSelectsKind(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	require.IsType(t, &Null{}, p)

	p, err = New(Config{Kind: KindDerivedKey})
	require.NoError(t, err)
	require.IsType(t, &DerivedKey{}, p)

	_, err = New(Config{Kind: KindCustom})
	require.Error(t, err)

	p, err = New(Config{Kind: KindCustom, Custom: NewNull()})
	require.NoError(t, err)
	require.IsType(t, &Custom{}, p)

	_, err = New(Config{Kind: "bogus"})
	require.Error(t, err)
}

type countingProvider struct {
	Null
	attaches, detaches int
	failAttach         error
}

func (c *countingProvider) Attach() error {
	c.attaches++
	return c.failAttach
}

func (c *countingProvider) Detach() { c.detaches++ }

func TestCustomDetachOnlyAfterAttach(t *testing.T) {
	inner := &countingProvider{}
	c := NewCustom(inner)

	c.Detach()
	require.Equal(t, 0, inner.detaches)

	require.NoError(t, c.Attach())
	require.True(t, c.Attached())
	c.Detach()
	c.Detach()
	require.Equal(t, 1, inner.attaches)
	require.Equal(t, 1, inner.detaches)

	inner.failAttach = ErrNotAttached
	require.ErrorIs(t, c.Attach(), ErrNotAttached)
	c.Detach()
	require.Equal(t, 1, inner.detaches)
}
