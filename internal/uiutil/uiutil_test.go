package uiutil

import (
	"strings"
	"testing"
)

func TestFormatKeyIsStable(t *testing.T) {
	k := strings.Repeat("ab", 32)
	a, b := FormatKey(k), FormatKey(k)
	if a != b {
		t.Fatalf("color not stable: %q vs %q", a, b)
	}
	if !strings.Contains(a, Short(k, 16)) || strings.Contains(a, k) {
		t.Fatalf("expected 16-char prefix only, got %q", a)
	}
}

func TestShort(t *testing.T) {
	if Short("abc", 8) != "abc" || Short("abcdefghij", 4) != "abcd" || Short("abc", 0) != "abc" {
		t.Fatalf("unexpected truncation")
	}
}
