package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// saltLen is the size of the random HKDF salt. The salt is never put on
// the wire: the remote endpoint derives the transfer keys locally and
// ships only the result, keyed by a salt it generates and discards after
// this call returns.
const saltLen = 32

// hkdfInfo is the HKDF context string separating transfer-key derivation
// from any other use of HKDF-SHA256 in this codebase.
const hkdfInfo = "hello kelsi"

// DeriveTransferKeys produces 2*cipher.KeyLen() bytes of key material from
// secret (the password digest) via HKDF-SHA256, using a freshly generated
// random salt as the HKDF extract key. The output is EKEY||DKEY: the first
// half becomes the key the remote endpoint seals with (and the local
// endpoint opens with), the second half the key the local endpoint seals
// with (and the remote endpoint opens with).
func DeriveTransferKeys(secret []byte, c Cipher) ([]byte, error) {
	if !c.Valid() {
		return nil, ErrCipherNotSupport
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypto: generate hkdf salt: %w", err)
	}

	out := make([]byte, 2*c.KeyLen())
	reader := hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("crypto: derive transfer keys: %w", err)
	}
	return out, nil
}
