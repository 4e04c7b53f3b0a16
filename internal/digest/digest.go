// Package digest provides the fixed-size SHA-256 identifier used both as a
// user-id (hash of a username) and as a pre-shared handshake key (hash of a
// password).
package digest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the length of a Digest in bytes (SHA-256 output).
const Size = sha256.Size

// ErrInvalidLength is returned when decoding a digest from the wrong number
// of bytes or hex characters.
var ErrInvalidLength = errors.New("digest: invalid length")

// Digest is a 32-byte SHA-256 value. It is comparable, so it can be used
// directly as a map key.
type Digest [Size]byte

// New hashes the UTF-8 bytes of s and returns the resulting Digest.
// This is the external primitive spec.md treats as a given: SHA-256 of a
// username or password string.
func New(s string) Digest {
	return Digest(sha256.Sum256([]byte(s)))
}

// FromBytes copies a byte slice into a Digest, failing if the length is
// not exactly Size.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidLength, len(b), Size)
	}
	copy(d[:], b)
	return d, nil
}

// FromHex parses a hex-encoded digest.
func FromHex(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidLength, err)
	}
	return FromBytes(raw)
}

// Bytes returns the digest as a byte slice.
func (d Digest) Bytes() []byte {
	return d[:]
}

// String returns the hex representation of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Equal reports whether two digests are identical in constant time.
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}

// IsZero reports whether the digest is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}
