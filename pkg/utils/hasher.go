package utils

import (
	"crypto/subtle"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// DigestSize is the length in bytes of every digest produced here.
const DigestSize = 32

// Digest returns the BLAKE3-256 digest of msg.
func Digest(msg []byte) []byte {
	sum := blake3.Sum256(msg)
	return sum[:]
}

// Digest256 is Digest with a fixed size result, suitable for map keys.
func Digest256(msg []byte) [DigestSize]byte {
	return blake3.Sum256(msg)
}

// DigestEqual compares two digests in constant time.
func DigestEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// DigestHex returns the hex-encoded digest of msg, for logging.
func DigestHex(msg []byte) string {
	return hex.EncodeToString(Digest(msg))
}
