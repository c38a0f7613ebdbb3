// Package hash provides the SHA-256 leaf and payload hashing used across
// the batching pipeline. No keyed hashing, no domain separation tag — the
// output must remain compatible with the existing verification contract.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hex returns the lowercase hex-encoded SHA-256 of data.
func Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Bytes returns the raw 32-byte SHA-256 of data.
func Bytes(data []byte) [32]byte {
	return sha256.Sum256(data)
}
