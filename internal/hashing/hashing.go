// Package hashing provides content fingerprinting for the blob store.
//
// Fingerprints are BLAKE2b-256 digests rendered as lowercase hex. The full
// 64-character value is the only storage key; shortened forms exist for
// display and must never be used for lookups.
package hashing

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// HexLength is the length of a ContentHash in hex characters.
const HexLength = blake2b.Size256 * 2

// ShortLength is the display-only prefix length.
const ShortLength = 12

// ContentHash is the full-width hex fingerprint of a byte sequence.
type ContentHash string

// Hash fingerprints content. Deterministic and byte-exact: any change to the
// stored bytes, including whitespace or encoding, changes the result.
func Hash(content []byte) ContentHash {
	sum := blake2b.Sum256(content)
	return ContentHash(hex.EncodeToString(sum[:]))
}

// HashString fingerprints the UTF-8 bytes of s.
func HashString(s string) ContentHash {
	return Hash([]byte(s))
}

// Short returns a display prefix of the hash. Never use it as a key.
func (h ContentHash) Short() string {
	if len(h) < ShortLength {
		return string(h)
	}
	return string(h[:ShortLength])
}

// Valid reports whether h is a well-formed full-width fingerprint.
func (h ContentHash) Valid() bool {
	if len(h) != HexLength {
		return false
	}
	for _, c := range h {
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !ok {
			return false
		}
	}
	return true
}
