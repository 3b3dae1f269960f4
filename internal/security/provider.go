package security

import (
	"errors"
	"fmt"

	"p2p-drt/internal/proto"
)

var (
	ErrNotAttached  = errors.New("security: provider not attached")
	ErrBadSignature = errors.New("security: bad signature")
	ErrUntrusted    = errors.New("security: credential not trusted")
	ErrBadKeyToken  = errors.New("security: bad key token")

	ErrKeyContextMismatch = errors.New("security: key context does not certify the signing key")
)

// Kind selects a provider implementation once, at node construction.
type Kind string

const (
	KindNull       Kind = "null"
	KindDerivedKey Kind = "derived"
	KindCustom     Kind = "custom"
)

// Registration is the key material a node hands its provider when it
// registers a key.
type Registration struct {
	Key     []byte
	AppData []byte
}

// Packed is the output of SecureAndPackPayload. Every field is owned by
// the caller.
type Packed struct {
	SecuredPayload      []byte
	Classifier          []byte
	SecuredInnerPayload []byte
	CertChain           []byte
}

// Unpacked is the validated content of a secured address payload.
type Unpacked struct {
	Key             []byte
	Payload         []byte
	PublicKey       proto.PublicKey
	Addresses       []proto.SocketAddress
	Flags           uint32
	ProtocolVersion proto.Version
}

// Provider signs, validates, encrypts and decrypts everything a node
// exchanges with its peers.
type Provider interface {
	Attach() error
	// Detach must be safe to call even when Attach never succeeded.
	Detach()

	RegisterKey(reg Registration, keyCtx []byte) error
	UnregisterKey(key []byte, keyCtx []byte) error

	SecureAndPackPayload(pv proto.Version, flags uint32, key, payload []byte, addrs []proto.SocketAddress, nonce []byte) (Packed, error)
	// ValidateAndUnpackPayload rejects with proto.ErrInvalidMessage when the
	// payload is malformed, the signature does not verify, or expectedNonce
	// is non-nil and differs from the embedded nonce.
	ValidateAndUnpackPayload(secured, inner, certChain, expectedNonce []byte) (Unpacked, error)

	SignData(buffers ...[]byte) (keyID, signature []byte, err error)
	VerifyData(remoteCredential, keyID, signature []byte, buffers ...[]byte) error

	EncryptData(keyToken []byte, buffers ...[]byte) ([][]byte, error)
	DecryptData(keyToken []byte, buffers ...[]byte) ([][]byte, error)

	SerializedCredential() ([]byte, error)
}

// KeyDeriver is implemented by providers that derive a stable node key
// from their credential.
type KeyDeriver interface {
	DerivedNodeKey() ([]byte, error)
}

type Config struct {
	Kind       Kind
	DerivedKey DerivedKeyConfig
	// Custom is the host-supplied implementation used with KindCustom.
	Custom Provider
}

// New builds the provider selected by cfg.Kind. An empty kind means Null.
func New(cfg Config) (Provider, error) {
	switch cfg.Kind {
	case "", KindNull:
		return NewNull(), nil
	case KindDerivedKey:
		return NewDerivedKey(cfg.DerivedKey), nil
	case KindCustom:
		if cfg.Custom == nil {
			return nil, errors.New("security: custom provider not supplied")
		}
		return NewCustom(cfg.Custom), nil
	default:
		return nil, fmt.Errorf("security: unknown provider kind %q", cfg.Kind)
	}
}
