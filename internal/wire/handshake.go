package wire

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/duskrelay/duskrelay/internal/crypto"
	"github.com/duskrelay/duskrelay/internal/digest"
	"github.com/duskrelay/duskrelay/internal/socks5"
)

// NewHandshakeCrypto builds the AES-256-GCM context both sides of a
// connection use to seal/open the handshake request and reply, keyed by
// the shared password digest. Client and server each construct their own
// instance from the same key; nonces advance independently per direction
// regardless of the key being shared.
func NewHandshakeCrypto(passwordDigest digest.Digest) (*crypto.Crypto, error) {
	key := passwordDigest.Bytes()
	return crypto.New(crypto.HandshakeCipher, key, key)
}

// randomPadding returns a 1+N byte blob: a uniformly random length byte in
// [0,255] followed by that many cryptographically random bytes, discarded
// by the reader on receipt.
func randomPadding() ([]byte, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(rand.Reader, lenByte[:]); err != nil {
		return nil, fmt.Errorf("wire: generate padding length: %w", err)
	}
	out := make([]byte, 1+int(lenByte[0]))
	out[0] = lenByte[0]
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, fmt.Errorf("wire: generate padding: %w", err)
	}
	return out, nil
}

// WriteClientRequest writes USER in the clear followed by the sealed
// PADDING||VER||CTYP||ATYP||DST.ADDR||DST.PORT record. user identifies the
// account (so the server can look up which password keys hc), dataCipher
// is the cipher the client wants for the transfer phase, and dest is the
// destination the remote proxy should dial.
func WriteClientRequest(w io.Writer, hc *crypto.Crypto, user digest.Digest, dataCipher crypto.Cipher, dest socks5.Addr) error {
	if _, err := w.Write(user.Bytes()); err != nil {
		return fmt.Errorf("wire: write user digest: %w", err)
	}

	padding, err := randomPadding()
	if err != nil {
		return err
	}
	addr, err := socks5.EncodeAddr(dest.Host, dest.Port)
	if err != nil {
		return fmt.Errorf("wire: encode destination address: %w", err)
	}

	body := make([]byte, 0, len(padding)+2+len(addr))
	body = append(body, padding...)
	body = append(body, Version, byte(dataCipher))
	body = append(body, addr...)

	return WriteRecord(w, hc, body)
}

// ReadUserDigest reads the 32 cleartext bytes identifying the connecting
// user, which precede the sealed request body.
func ReadUserDigest(r io.Reader) (digest.Digest, error) {
	buf := make([]byte, digest.Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return digest.Digest{}, fmt.Errorf("wire: read user digest: %w", err)
	}
	return digest.FromBytes(buf)
}

// ClientRequest is the decoded body of a client's handshake request.
type ClientRequest struct {
	// Cipher is the requested data cipher. Valid only if CipherSupported.
	Cipher crypto.Cipher
	// CipherSupported reports whether CTYP named a known cipher. An
	// unsupported cipher is not a fatal parse error — the server still
	// replies with RespCipherError rather than closing outright.
	CipherSupported bool
	Dest            socks5.Addr
}

// ReadClientRequest reads and parses a client's sealed request body. It
// returns ErrMalformedRequest if padding/version/address fields don't fit
// the declared length (or if the address decode leaves trailing bytes
// unconsumed), ErrBadVersion if VER != Version, and propagates ReadRecord's
// AEAD and framing errors.
func ReadClientRequest(r io.Reader, hc *crypto.Crypto) (*ClientRequest, error) {
	body, _, err := ReadRecord(r, hc)
	if err != nil {
		return nil, err
	}

	idx := 0
	if idx+1 > len(body) {
		return nil, ErrMalformedRequest
	}
	padLen := int(body[idx])
	idx++
	if idx+padLen+2 > len(body) {
		return nil, ErrMalformedRequest
	}
	idx += padLen

	ver := body[idx]
	ctyp := body[idx+1]
	idx += 2
	if ver != Version {
		return nil, ErrBadVersion
	}

	addrReader := bytes.NewReader(body[idx:])
	dest, err := socks5.DecodeAddr(addrReader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if addrReader.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after address", ErrMalformedRequest, addrReader.Len())
	}

	req := &ClientRequest{Dest: dest}
	if c, cerr := crypto.CipherFromWire(ctyp); cerr == nil {
		req.Cipher = c
		req.CipherSupported = true
	}
	return req, nil
}

// WriteServerReply writes the sealed PADDING||RESP||keys record. keys must
// be empty unless resp is RespSucceed, in which case it is EKEY||DKEY.
func WriteServerReply(w io.Writer, hc *crypto.Crypto, resp byte, keys []byte) error {
	padding, err := randomPadding()
	if err != nil {
		return err
	}

	body := make([]byte, 0, len(padding)+1+len(keys))
	body = append(body, padding...)
	body = append(body, resp)
	body = append(body, keys...)

	return WriteRecord(w, hc, body)
}

// ReadServerReply reads and parses the server's sealed reply. On
// RespSucceed it validates that the key material is exactly
// 2*dataCipher.KeyLen() bytes and splits it into EKEY (the key the server
// seals with, which this endpoint opens with) and DKEY (the key this
// endpoint seals with).
func ReadServerReply(r io.Reader, hc *crypto.Crypto, dataCipher crypto.Cipher) (resp byte, ekey, dkey []byte, err error) {
	body, _, err := ReadRecord(r, hc)
	if err != nil {
		return 0, nil, nil, err
	}

	idx := 0
	if idx+1 > len(body) {
		return 0, nil, nil, ErrMalformedReply
	}
	padLen := int(body[idx])
	idx++
	if idx+padLen+1 > len(body) {
		return 0, nil, nil, ErrMalformedReply
	}
	idx += padLen

	resp = body[idx]
	idx++

	switch resp {
	case RespSucceed:
		keys := body[idx:]
		want := 2 * dataCipher.KeyLen()
		if len(keys) != want {
			return 0, nil, nil, ErrKeyLengthMismatch
		}
		return resp, keys[:dataCipher.KeyLen()], keys[dataCipher.KeyLen():], nil
	case RespCipherError, RespInternalError, RespRemoteFailed:
		return resp, nil, nil, nil
	default:
		return 0, nil, nil, ErrUnknownResponse
	}
}
