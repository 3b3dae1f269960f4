package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/flynn/noise"
)

// CredentialStore persists generated credentials between runs.
// drtbolt.Store satisfies it.
type CredentialStore interface {
	LoadCredential(name string) ([]byte, bool, error)
	SaveCredential(name string, blob []byte) error
}

// memCredentials keeps credentials for the lifetime of the process.
type memCredentials struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemCredentials() *memCredentials { return &memCredentials{m: map[string][]byte{}} }

func (s *memCredentials) LoadCredential(name string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[name]
	return append([]byte(nil), b...), ok, nil
}

func (s *memCredentials) SaveCredential(name string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = append([]byte(nil), blob...)
	return nil
}

type storedCert struct {
	CertDER  []byte `json:"cert"`
	KeyPKCS8 []byte `json:"key"`
}

type storedDH struct {
	Private []byte `json:"priv"`
	Public  []byte `json:"pub"`
}

type certKey struct {
	cert *x509.Certificate
	priv ed25519.PrivateKey
}

const certValidity = 10 * 365 * 24 * time.Hour

func newSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 126))
}

func createCert(name string, parent *certKey) (*certKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	signerCert, signerKey := tmpl, priv
	if parent == nil {
		tmpl.IsCA = true
		tmpl.BasicConstraintsValid = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	} else {
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}
		signerCert, signerKey = parent.cert, parent.priv
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, pub, signerKey)
	if err != nil {
		return nil, fmt.Errorf("create %s certificate: %w", name, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &certKey{cert: cert, priv: priv}, nil
}

func encodeCert(ck *certKey) ([]byte, error) {
	k, err := x509.MarshalPKCS8PrivateKey(ck.priv)
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedCert{CertDER: ck.cert.Raw, KeyPKCS8: k})
}

func decodeCert(blob []byte) (*certKey, error) {
	var sc storedCert
	if err := json.Unmarshal(blob, &sc); err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(sc.CertDER)
	if err != nil {
		return nil, err
	}
	k, err := x509.ParsePKCS8PrivateKey(sc.KeyPKCS8)
	if err != nil {
		return nil, err
	}
	priv, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("stored key is not ed25519")
	}
	return &certKey{cert: cert, priv: priv}, nil
}

// loadOrCreateCert returns the stored certificate under name, generating
// and saving a fresh one when missing, unreadable or not signed by parent.
func loadOrCreateCert(store CredentialStore, name string, parent *certKey) (*certKey, error) {
	blob, ok, err := store.LoadCredential(name)
	if err != nil {
		return nil, err
	}
	if ok {
		if ck, err := decodeCert(blob); err == nil {
			if parent == nil || ck.cert.CheckSignatureFrom(parent.cert) == nil {
				return ck, nil
			}
		}
	}

	ck, err := createCert(name, parent)
	if err != nil {
		return nil, err
	}
	blob, err = encodeCert(ck)
	if err != nil {
		return nil, err
	}
	if err := store.SaveCredential(name, blob); err != nil {
		return nil, err
	}
	return ck, nil
}

func loadOrCreateDH(store CredentialStore, name string) (noise.DHKey, error) {
	blob, ok, err := store.LoadCredential(name)
	if err != nil {
		return noise.DHKey{}, err
	}
	if ok {
		var sd storedDH
		if json.Unmarshal(blob, &sd) == nil && len(sd.Private) == noise.DH25519.DHLen() && len(sd.Public) == noise.DH25519.DHLen() {
			return noise.DHKey{Private: sd.Private, Public: sd.Public}, nil
		}
	}

	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return noise.DHKey{}, err
	}
	blob, err = json.Marshal(storedDH{Private: kp.Private, Public: kp.Public})
	if err != nil {
		return noise.DHKey{}, err
	}
	if err := store.SaveCredential(name, blob); err != nil {
		return noise.DHKey{}, err
	}
	return kp, nil
}

// credentialBlob is what a node hands to peers so they can verify its
// signatures and encrypt data to it.
type credentialBlob struct {
	// Chain is the leaf certificate DER followed by its issuer's.
	Chain []byte `json:"chain"`
	DH    []byte `json:"dh"`
}

func parseCredential(b []byte) (credentialBlob, []*x509.Certificate, error) {
	var cb credentialBlob
	if err := json.Unmarshal(b, &cb); err != nil {
		return cb, nil, fmt.Errorf("%w: %v", ErrBadKeyToken, err)
	}
	certs, err := x509.ParseCertificates(cb.Chain)
	if err != nil || len(certs) == 0 {
		return cb, nil, fmt.Errorf("%w: unreadable certificate chain", ErrBadKeyToken)
	}
	return cb, certs, nil
}

func fingerprint(cert *x509.Certificate) []byte {
	sum := sha256.Sum256(cert.Raw)
	return sum[:]
}

func chainDER(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, c.Raw...)
	}
	return out
}
