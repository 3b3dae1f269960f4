package security

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	lru "github.com/hashicorp/golang-lru/v2"

	"p2p-drt/internal/crypto/channel"
	"p2p-drt/internal/proto"
)

// Ed25519AlgorithmID is the object identifier carried in the public key
// field of payloads signed by DerivedKey.
const Ed25519AlgorithmID = "1.3.101.112"

const (
	defaultRootName     = "drt-root"
	defaultLeafName     = "drt-leaf"
	defaultSessionCache = 256

	sessionInfo = "p2p-drt derived-key session v1"
	payloadTag  = "p2p-drt payload v1"
)

type DerivedKeyConfig struct {
	// Store persists the generated root, leaf and DH keys. Nil keeps them
	// in memory only.
	Store    CredentialStore
	RootName string
	LeafName string
	// TrustedRoots are extra DER encoded roots whose leaves are accepted
	// alongside our own root.
	TrustedRoots     [][]byte
	SessionCacheSize int
}

// DerivedKey signs payloads with an ed25519 leaf certificate issued by a
// local root, and derives per-peer data keys with X25519.
type DerivedKey struct {
	cfg DerivedKeyConfig

	mu       sync.RWMutex
	attached bool
	root     *certKey
	leaf     *certKey
	dh       noise.DHKey
	pool     *x509.CertPool
	keyCtx   map[string][]byte
	sessions *lru.Cache[string, channel.Key]
}

func NewDerivedKey(cfg DerivedKeyConfig) *DerivedKey {
	if cfg.Store == nil {
		cfg.Store = newMemCredentials()
	}
	if cfg.RootName == "" {
		cfg.RootName = defaultRootName
	}
	if cfg.LeafName == "" {
		cfg.LeafName = defaultLeafName
	}
	if cfg.SessionCacheSize <= 0 {
		cfg.SessionCacheSize = defaultSessionCache
	}
	return &DerivedKey{cfg: cfg}
}

func (d *DerivedKey) Attach() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attached {
		return nil
	}

	root, err := loadOrCreateCert(d.cfg.Store, d.cfg.RootName, nil)
	if err != nil {
		return fmt.Errorf("security: root credential: %w", err)
	}
	leaf, err := loadOrCreateCert(d.cfg.Store, d.cfg.LeafName, root)
	if err != nil {
		return fmt.Errorf("security: leaf credential: %w", err)
	}
	dh, err := loadOrCreateDH(d.cfg.Store, d.cfg.LeafName+".dh")
	if err != nil {
		return fmt.Errorf("security: dh key: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(root.cert)
	for i, der := range d.cfg.TrustedRoots {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("security: trusted root %d: %w", i, err)
		}
		pool.AddCert(c)
	}

	sessions, err := lru.New[string, channel.Key](d.cfg.SessionCacheSize)
	if err != nil {
		return err
	}

	d.root, d.leaf, d.dh, d.pool = root, leaf, dh, pool
	d.keyCtx = map[string][]byte{}
	d.sessions = sessions
	d.attached = true
	return nil
}

func (d *DerivedKey) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached {
		return
	}
	d.sessions.Purge()
	d.root, d.leaf, d.pool, d.keyCtx, d.sessions = nil, nil, nil, nil, nil
	d.dh = noise.DHKey{}
	d.attached = false
}

// DerivedNodeKey is the SHA-256 of the leaf's public key, so a node keeps
// its key across restarts as long as its credential store survives.
func (d *DerivedKey) DerivedNodeKey() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.attached {
		return nil, ErrNotAttached
	}
	sum := sha256.Sum256(d.leaf.priv.Public().(ed25519.PublicKey))
	return sum[:], nil
}

// RootCertificate returns our root's DER so other nodes can trust it.
func (d *DerivedKey) RootCertificate() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.attached {
		return nil, ErrNotAttached
	}
	return clone(d.root.cert.Raw), nil
}

// TrustRoot adds a DER encoded root to the trust pool of an attached
// provider.
func (d *DerivedKey) TrustRoot(der []byte) error {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached {
		return ErrNotAttached
	}
	d.pool.AddCert(c)
	return nil
}

// RegisterKey records keyCtx as the certificate chain to attach when
// packing payloads for reg.Key. An empty keyCtx uses our own chain. The
// first certificate of keyCtx must certify our leaf key.
func (d *DerivedKey) RegisterKey(reg Registration, keyCtx []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached {
		return ErrNotAttached
	}
	if len(keyCtx) > 0 {
		certs, err := x509.ParseCertificates(keyCtx)
		if err != nil {
			return fmt.Errorf("security: key context is not a certificate chain: %w", err)
		}
		pub, ok := certs[0].PublicKey.(ed25519.PublicKey)
		if !ok || !pub.Equal(d.leaf.priv.Public()) {
			return ErrKeyContextMismatch
		}
	}
	d.keyCtx[hex.EncodeToString(reg.Key)] = clone(keyCtx)
	return nil
}

func (d *DerivedKey) UnregisterKey(key []byte, _ []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached {
		return ErrNotAttached
	}
	delete(d.keyCtx, hex.EncodeToString(key))
	return nil
}

func signedMessage(encodedUnsigned, inner []byte) []byte {
	return joinBuffers([][]byte{[]byte(payloadTag), encodedUnsigned, inner})
}

func (d *DerivedKey) SecureAndPackPayload(pv proto.Version, flags uint32, key, payload []byte, addrs []proto.SocketAddress, nonce []byte) (Packed, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.attached {
		return Packed{}, ErrNotAttached
	}

	p := &proto.SecuredAddressPayload{
		ProtocolVersion: pv,
		SecurityVersion: envelopeVersion(),
		SymmetricKey:    clone(key),
		Signature:       make([]byte, proto.SignatureSize),
		Nonce:           clone(nonce),
		Flags:           flags,
		PublicKey: proto.PublicKey{
			AlgorithmID: []byte(Ed25519AlgorithmID),
			KeyBits:     clone(d.leaf.priv.Public().(ed25519.PublicKey)),
		},
		Addresses: cloneAddrs(addrs),
	}
	unsigned, err := proto.Encode(p)
	if err != nil {
		return Packed{}, err
	}
	sig := ed25519.Sign(d.leaf.priv, signedMessage(unsigned, payload))
	copy(p.Signature, sig)

	secured, err := proto.Encode(p)
	if err != nil {
		return Packed{}, err
	}

	chain := d.keyCtx[hex.EncodeToString(key)]
	if len(chain) == 0 {
		chain = chainDER(d.leaf.cert, d.root.cert)
	}
	return Packed{
		SecuredPayload:      secured,
		SecuredInnerPayload: clone(payload),
		CertChain:           clone(chain),
	}, nil
}

func (d *DerivedKey) ValidateAndUnpackPayload(secured, inner, certChain, expectedNonce []byte) (Unpacked, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.attached {
		return Unpacked{}, ErrNotAttached
	}

	p, err := decodeChecked(secured, expectedNonce)
	if err != nil {
		return Unpacked{}, err
	}
	if string(p.PublicKey.AlgorithmID) != Ed25519AlgorithmID || len(p.PublicKey.KeyBits) != ed25519.PublicKeySize {
		return Unpacked{}, fmt.Errorf("%w: unsupported public key", proto.ErrInvalidMessage)
	}
	pub := ed25519.PublicKey(p.PublicKey.KeyBits)

	sig := clone(p.Signature)
	if !isZero(sig[ed25519.SignatureSize:]) {
		return Unpacked{}, fmt.Errorf("%w: %w", proto.ErrInvalidMessage, ErrBadSignature)
	}
	for i := range p.Signature {
		p.Signature[i] = 0
	}
	unsigned, err := proto.Encode(p)
	if err != nil {
		return Unpacked{}, err
	}
	if !ed25519.Verify(pub, signedMessage(unsigned, inner), sig[:ed25519.SignatureSize]) {
		return Unpacked{}, fmt.Errorf("%w: %w", proto.ErrInvalidMessage, ErrBadSignature)
	}
	p.Signature = sig

	if len(certChain) == 0 {
		return Unpacked{}, fmt.Errorf("%w: %w: missing certificate chain", proto.ErrInvalidMessage, ErrUntrusted)
	}
	leaf, err := d.verifyChain(certChain)
	if err != nil {
		return Unpacked{}, fmt.Errorf("%w: %w", proto.ErrInvalidMessage, err)
	}
	leafPub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok || !leafPub.Equal(pub) {
		return Unpacked{}, fmt.Errorf("%w: %w: payload key does not match certificate", proto.ErrInvalidMessage, ErrUntrusted)
	}
	return unpacked(p, inner), nil
}

// verifyChain parses DER certificates (leaf first) and checks the leaf
// against the trust pool. Caller holds d.mu.
func (d *DerivedKey) verifyChain(der []byte) (*x509.Certificate, error) {
	certs, err := x509.ParseCertificates(der)
	if err != nil || len(certs) == 0 {
		return nil, fmt.Errorf("%w: unreadable certificate chain", ErrUntrusted)
	}
	inter := x509.NewCertPool()
	for _, c := range certs[1:] {
		inter.AddCert(c)
	}
	_, err = certs[0].Verify(x509.VerifyOptions{
		Roots:         d.pool,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUntrusted, err)
	}
	return certs[0], nil
}

// SignData signs the concatenation of buffers with the leaf key. keyID is
// the SHA-256 fingerprint of the leaf certificate.
func (d *DerivedKey) SignData(buffers ...[]byte) ([]byte, []byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.attached {
		return nil, nil, ErrNotAttached
	}
	return fingerprint(d.leaf.cert), ed25519.Sign(d.leaf.priv, joinBuffers(buffers)), nil
}

func (d *DerivedKey) VerifyData(remoteCredential, keyID, signature []byte, buffers ...[]byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.attached {
		return ErrNotAttached
	}
	cb, _, err := parseCredential(remoteCredential)
	if err != nil {
		return err
	}
	leaf, err := d.verifyChain(cb.Chain)
	if err != nil {
		return err
	}
	if !bytes.Equal(fingerprint(leaf), keyID) {
		return fmt.Errorf("%w: key id does not match credential", ErrBadSignature)
	}
	pub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok || !ed25519.Verify(pub, joinBuffers(buffers), signature) {
		return ErrBadSignature
	}
	return nil
}

// EncryptData seals every buffer for the peer whose serialized credential
// is keyToken.
func (d *DerivedKey) EncryptData(keyToken []byte, buffers ...[]byte) ([][]byte, error) {
	key, err := d.sessionKey(keyToken)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(buffers))
	for i, b := range buffers {
		if out[i], err = channel.Seal(key, b, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *DerivedKey) DecryptData(keyToken []byte, buffers ...[]byte) ([][]byte, error) {
	key, err := d.sessionKey(keyToken)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(buffers))
	for i, b := range buffers {
		if out[i], err = channel.Open(key, b, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// sessionKey derives the symmetric key shared with the owner of keyToken.
// Both sides compute the same key: the salt orders the two DH publics.
func (d *DerivedKey) sessionKey(keyToken []byte) (channel.Key, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.attached {
		return channel.Key{}, ErrNotAttached
	}
	cb, _, err := parseCredential(keyToken)
	if err != nil {
		return channel.Key{}, err
	}
	if _, err := d.verifyChain(cb.Chain); err != nil {
		return channel.Key{}, err
	}

	id := hex.EncodeToString(cb.DH)
	if k, ok := d.sessions.Get(id); ok {
		return k, nil
	}

	shared, err := noise.DH25519.DH(d.dh.Private, cb.DH)
	if err != nil {
		return channel.Key{}, fmt.Errorf("%w: %v", ErrBadKeyToken, err)
	}
	a, b := d.dh.Public, cb.DH
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	k, err := channel.DeriveKey(shared, append(clone(a), b...), sessionInfo)
	if err != nil {
		return channel.Key{}, err
	}
	d.sessions.Add(id, k)
	return k, nil
}

func (d *DerivedKey) SerializedCredential() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.attached {
		return nil, ErrNotAttached
	}
	return json.Marshal(credentialBlob{
		Chain: chainDER(d.leaf.cert, d.root.cert),
		DH:    clone(d.dh.Public),
	})
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
