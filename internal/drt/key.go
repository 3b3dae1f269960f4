package drt

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const KeySize = 32

// Key is a point in the 256-bit key space. Keys compare as big-endian
// unsigned integers and the space wraps modulo 2^256.
type Key [KeySize]byte

var (
	MinKey Key
	MaxKey = func() (k Key) {
		for i := range k {
			k[i] = 0xff
		}
		return
	}()
)

func ParseKeyHex(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func MustParseKeyHex(s string) Key {
	k, err := ParseKeyHex(s)
	if err != nil {
		panic(err)
	}
	return k
}

func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func RandomKey() Key {
	var k Key
	_, _ = rand.Read(k[:])
	return k
}

func (k Key) Hex() string    { return hex.EncodeToString(k[:]) }
func (k Key) String() string { return k.Hex() }
func (k Key) Bytes() []byte  { return append([]byte(nil), k[:]...) }

func Compare(a, b Key) int { return bytes.Compare(a[:], b[:]) }

// InRange reports min <= k <= max.
func InRange(k, min, max Key) bool {
	return Compare(min, k) <= 0 && Compare(k, max) <= 0
}

// Xor distance: d = a ^ b. Used only for bucket placement.
func Xor(a, b Key) (out Key) {
	for i := 0; i < KeySize; i++ {
		out[i] = a[i] ^ b[i]
	}
	return
}

// BucketIndex returns [0..255] for 256-bit keys.
// It's the index of the first differing bit (MSB-first).
// If identical, returns -1.
func BucketIndex(self, other Key) int {
	d := Xor(self, other)
	for byteIdx := 0; byteIdx < KeySize; byteIdx++ {
		x := d[byteIdx]
		if x == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if x&(1<<(7-bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return -1
}

// SharedPrefixBits is the number of leading bits a and b have in common.
func SharedPrefixBits(a, b Key) int {
	if i := BucketIndex(a, b); i >= 0 {
		return i
	}
	return KeySize * 8
}

func sub(a, b Key) (out Key) {
	var borrow int
	for i := KeySize - 1; i >= 0; i-- {
		v := int(a[i]) - int(b[i]) - borrow
		borrow = 0
		if v < 0 {
			v += 256
			borrow = 1
		}
		out[i] = byte(v)
	}
	return
}

func add(a, b Key) (out Key) {
	var carry int
	for i := KeySize - 1; i >= 0; i-- {
		v := int(a[i]) + int(b[i]) + carry
		out[i] = byte(v)
		carry = v >> 8
	}
	return
}

func shr1(a Key) (out Key) {
	var carry byte
	for i := 0; i < KeySize; i++ {
		out[i] = a[i]>>1 | carry
		carry = a[i] << 7
	}
	return
}

// Distance is the circular key-space distance min(a-b, b-a) mod 2^256.
func Distance(a, b Key) Key {
	d1, d2 := sub(a, b), sub(b, a)
	if Compare(d1, d2) <= 0 {
		return d1
	}
	return d2
}

// Closer reports whether a is strictly closer to target than b. Equal
// distances favour the numerically smaller key.
func Closer(target, a, b Key) bool {
	if c := Compare(Distance(a, target), Distance(b, target)); c != 0 {
		return c < 0
	}
	return Compare(a, b) < 0
}

// Midpoint returns the key halfway from lo to hi, assuming lo <= hi.
func Midpoint(lo, hi Key) Key {
	return add(lo, shr1(sub(hi, lo)))
}
