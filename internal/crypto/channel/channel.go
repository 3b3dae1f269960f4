package channel

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Key is a 32-byte symmetric key shared by the two ends of a channel.
type Key [32]byte

var ErrSealedTooShort = errors.New("channel: sealed buffer too short")

// DeriveKey expands a shared secret into a channel key with HKDF-SHA256.
func DeriveKey(secret, salt []byte, info string) (Key, error) {
	var k Key
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return Key{}, fmt.Errorf("channel: derive key: %w", err)
	}
	return k, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 and returns
// nonce || ciphertext.
func Seal(key Key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSizeX], plaintext, ad), nil
}

// Open reverses Seal.
func Open(key Key, sealed, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, ad)
}
