package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/duskrelay/duskrelay/internal/crypto"
)

// lenFieldLen is the width of the plaintext LEN field sealed ahead of
// every record's body.
const lenFieldLen = 2

// WriteRecord seals plaintext as one v3 record: a sealed 2-byte length
// prefix (LEN||LEN_TAG) naming len(plaintext)+tag_len, followed by the
// sealed plaintext itself (DATA||TAG). Each call advances c's sealing
// nonce twice — once for the length prefix, once for the body. Plaintext
// whose whole record would exceed MaxBufferSize is refused.
func WriteRecord(w io.Writer, c *crypto.Crypto, plaintext []byte) error {
	if lenFieldLen+crypto.TagLen+len(plaintext)+crypto.TagLen > MaxBufferSize {
		return fmt.Errorf("wire: record plaintext too large: %d bytes", len(plaintext))
	}

	header := make([]byte, lenFieldLen+crypto.TagLen)
	binary.BigEndian.PutUint16(header, uint16(len(plaintext)+crypto.TagLen))
	if _, err := c.Seal(header, lenFieldLen); err != nil {
		return fmt.Errorf("wire: seal length prefix: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}

	body := make([]byte, len(plaintext)+crypto.TagLen)
	copy(body, plaintext)
	n, err := c.Seal(body, len(plaintext))
	if err != nil {
		return fmt.Errorf("wire: seal body: %w", err)
	}
	if _, err := w.Write(body[:n]); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// ReadRecord reads one v3 record: the sealed length prefix, then exactly
// that many sealed body bytes, opening both. It returns the plaintext
// body and the sealed body length (the transfer engine counts it toward
// the sealed bytes read).
//
// A read that returns zero bytes while expecting the length prefix yields
// io.EOF unmodified, signalling a clean record-boundary close. Any other
// short read — including a clean peer close partway through a record — is
// reported as io.ErrUnexpectedEOF: io.ReadFull already reports a partial
// read that way, and an EOF before the first body byte is translated to
// it here, so callers can distinguish "stream ended between records" from
// "stream ended mid-record".
func ReadRecord(r io.Reader, c *crypto.Crypto) (plaintext []byte, sealedLen int, err error) {
	header := make([]byte, lenFieldLen+crypto.TagLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}

	lenPlain, err := c.Open(header)
	if err != nil {
		return nil, 0, fmt.Errorf("wire: open length prefix: %w", err)
	}
	if lenPlain != lenFieldLen {
		return nil, 0, fmt.Errorf("wire: length prefix decrypted to %d bytes, want %d", lenPlain, lenFieldLen)
	}
	sealedLen = int(binary.BigEndian.Uint16(header[:lenFieldLen]))

	if sealedLen > MaxBufferSize-lenFieldLen {
		return nil, 0, ErrRecordTooLarge
	}
	if sealedLen < crypto.TagLen {
		return nil, 0, fmt.Errorf("wire: sealed body length %d shorter than tag", sealedLen)
	}

	body := make([]byte, sealedLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	n, err := c.Open(body)
	if err != nil {
		return nil, 0, fmt.Errorf("wire: open body: %w", err)
	}
	return body[:n], sealedLen, nil
}
