// Package crypto implements the AEAD keying, key derivation and nonce
// bookkeeping that the v3 wire protocol uses to seal and open both the
// handshake and the data-transfer record stream.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"golang.org/x/crypto/chacha20poly1305"
)

// Crypto is a per-connection, per-direction-pair AEAD context. It holds one
// opening key and one sealing key plus their independent monotonic nonce
// counters. Seal and Open touch disjoint state (separate AEAD instances
// and nonce counters), so one goroutine may Seal while another Opens, which
// is how the transfer engine's encrypt and decrypt pipelines share a single
// Crypto; concurrent calls to Seal, or concurrent calls to Open, are not
// safe.
type Crypto struct {
	cipher Cipher

	openAEAD cipher.AEAD
	sealAEAD cipher.AEAD

	openNonce [NonceLen]byte
	sealNonce [NonceLen]byte
}

// New builds a Crypto from a cipher and its opening/sealing keys. Both
// nonces start at zero. It fails with a KeyLenMismatchError if either key's
// length does not match c.KeyLen(), or ErrCipherNotSupport if c is unknown.
func New(c Cipher, openKey, sealKey []byte) (*Crypto, error) {
	if !c.Valid() {
		return nil, ErrCipherNotSupport
	}
	want := c.KeyLen()
	if len(openKey) != want {
		return nil, &KeyLenMismatchError{Cipher: c, Got: len(openKey), Expected: want}
	}
	if len(sealKey) != want {
		return nil, &KeyLenMismatchError{Cipher: c, Got: len(sealKey), Expected: want}
	}

	openAEAD, err := newAEAD(c, openKey)
	if err != nil {
		return nil, err
	}
	sealAEAD, err := newAEAD(c, sealKey)
	if err != nil {
		return nil, err
	}

	return &Crypto{
		cipher:   c,
		openAEAD: openAEAD,
		sealAEAD: sealAEAD,
	}, nil
}

func newAEAD(c Cipher, key []byte) (cipher.AEAD, error) {
	switch c {
	case AES128GCM, AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, ErrCipherNotSupport
	}
}

// Cipher returns the cipher this context was constructed with.
func (c *Crypto) Cipher() Cipher {
	return c.cipher
}

// Seal authenticates and encrypts buf[:plaintextLen] in place, overwriting
// buf[:plaintextLen+TagLen] with ciphertext||tag and returning
// plaintextLen+TagLen. len(buf) must be at least plaintextLen+TagLen;
// callers reserve the tag's room ahead of time. AAD is always
// empty. The sealing nonce advances by one per call.
func (c *Crypto) Seal(buf []byte, plaintextLen int) (int, error) {
	need := plaintextLen + TagLen
	if len(buf) < need {
		return 0, &SealBufferTooSmallError{Required: need, Got: len(buf)}
	}

	plaintext := buf[:plaintextLen]
	sealed := c.sealAEAD.Seal(buf[:0], c.sealNonce[:], plaintext, nil)
	incrNonce(&c.sealNonce)
	return len(sealed), nil
}

// Open authenticates and decrypts buf in place, returning the plaintext
// length (len(buf)-TagLen). AAD is always empty. On tag mismatch it
// returns ErrOpen. The opening nonce advances by one per call, success or
// failure: a failed open is connection-fatal, so the nonce is never reused.
func (c *Crypto) Open(buf []byte) (int, error) {
	plaintext, err := c.openAEAD.Open(buf[:0], c.openNonce[:], buf, nil)
	incrNonce(&c.openNonce)
	if err != nil {
		return 0, ErrOpen
	}
	return len(plaintext), nil
}

// incrNonce increments a 12-byte nonce treated as a little-endian counter:
// byte 0 first, carrying into subsequent bytes. It wraps silently after
// 2^96 increments.
func incrNonce(nonce *[NonceLen]byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}
