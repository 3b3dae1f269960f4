package drt

import (
	"crypto/rand"
	"testing"
)

func randKey(t *testing.T) Key {
	t.Helper()
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return k
}

func keyWithLast(b byte) Key {
	var k Key
	k[KeySize-1] = b
	return k
}

func TestXorSymmetry(t *testing.T) {
	a := randKey(t)
	b := randKey(t)
	if Xor(a, b) != Xor(b, a) {
		t.Fatalf("xor not symmetric")
	}
}

func TestBucketIndex_MSB(t *testing.T) {
	var self, peer Key
	peer[0] = 0x80
	if got := BucketIndex(self, peer); got != 0 {
		t.Fatalf("expected bucket index 0, got %d", got)
	}
}

func TestBucketIndex_Identical(t *testing.T) {
	k := randKey(t)
	if got := BucketIndex(k, k); got != -1 {
		t.Fatalf("expected -1 for identical keys, got %d", got)
	}
	if got := SharedPrefixBits(k, k); got != 256 {
		t.Fatalf("expected 256 shared bits, got %d", got)
	}
}

func TestDistanceWraps(t *testing.T) {
	// 0x00..01 and 0xff..ff are two apart across the wrap.
	one := keyWithLast(1)
	if got := Distance(one, MaxKey); got != keyWithLast(2) {
		t.Fatalf("wrapped distance = %s", got.Hex())
	}
	if Distance(one, MaxKey) != Distance(MaxKey, one) {
		t.Fatalf("distance not symmetric")
	}
	if Distance(one, one) != MinKey {
		t.Fatalf("self distance not zero")
	}
}

func TestCloserTieBreaksOnSmallerKey(t *testing.T) {
	target := keyWithLast(10)
	lo, hi := keyWithLast(8), keyWithLast(12)
	if !Closer(target, lo, hi) {
		t.Fatalf("tie should favour the smaller key")
	}
	if Closer(target, hi, lo) {
		t.Fatalf("tie broken the wrong way")
	}
	if !Closer(target, keyWithLast(11), lo) {
		t.Fatalf("nearer key not preferred")
	}
}

func TestInRangeAndMidpoint(t *testing.T) {
	lo, hi := keyWithLast(4), keyWithLast(20)
	if !InRange(lo, lo, hi) || !InRange(hi, lo, hi) || InRange(keyWithLast(21), lo, hi) {
		t.Fatalf("InRange bounds wrong")
	}
	if got := Midpoint(lo, hi); got != keyWithLast(12) {
		t.Fatalf("midpoint = %s", got.Hex())
	}
	if got := Midpoint(MinKey, MaxKey); got[0] != 0x7f || got[KeySize-1] != 0xff {
		t.Fatalf("full-range midpoint = %s", got.Hex())
	}
}

func TestParseKeyHex(t *testing.T) {
	k := randKey(t)
	got, err := ParseKeyHex(k.Hex())
	if err != nil || got != k {
		t.Fatalf("round trip failed: %v", err)
	}
	if _, err := ParseKeyHex("abcd"); err == nil {
		t.Fatalf("short key accepted")
	}
	if _, err := KeyFromBytes(make([]byte, 31)); err == nil {
		t.Fatalf("short byte key accepted")
	}
}
