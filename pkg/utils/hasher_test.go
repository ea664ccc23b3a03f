package utils

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"lukechampine.com/blake3"
)

func TestDigestOfLargeInput(t *testing.T) {
	t.Parallel()

	msg := []byte(strings.Repeat("blake3 data", 1024))
	want := blake3.Sum256(msg)
	if got := Digest(msg); !bytes.Equal(got, want[:]) {
		t.Fatalf("Digest() = %x, want %x", got, want)
	}
	if got := Digest(nil); len(got) != DigestSize {
		t.Fatalf("empty input digest has %d bytes", len(got))
	}
}

func TestDigestHelpers(t *testing.T) {
	t.Parallel()

	msg := []byte("swap payload")
	sum := blake3.Sum256(msg)

	if got := Digest(msg); !bytes.Equal(got, sum[:]) {
		t.Fatalf("Digest() = %x, want %x", got, sum)
	}
	if got := Digest256(msg); got != sum {
		t.Fatalf("Digest256() = %x, want %x", got, sum)
	}
	if got := DigestHex(msg); got != hex.EncodeToString(sum[:]) {
		t.Fatalf("DigestHex() = %s", got)
	}
}

func TestDigestEqual(t *testing.T) {
	t.Parallel()

	a := Digest([]byte("a"))
	b := Digest([]byte("b"))
	if !DigestEqual(a, append([]byte(nil), a...)) {
		t.Fatalf("equal digests reported unequal")
	}
	if DigestEqual(a, b) {
		t.Fatalf("different digests reported equal")
	}
	if DigestEqual(a, a[:16]) {
		t.Fatalf("truncated digest reported equal")
	}
}
