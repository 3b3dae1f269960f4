package drt

import (
	"crypto/rand"

	"github.com/google/uuid"
)

func newRPCID() string { return uuid.NewString() }

// nonceSize is the length of the fresh nonce attached to FIND and PUBLISH.
const nonceSize = 16

func newNonce() []byte {
	b := make([]byte, nonceSize)
	_, _ = rand.Read(b)
	return b
}
