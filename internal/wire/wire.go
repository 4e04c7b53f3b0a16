// Package wire implements the v3 handshake and record-framing protocol
// that the local and remote proxy endpoints speak to each other over a
// single TCP connection: user identification, cipher negotiation,
// per-connection key exchange, and the AEAD-sealed length-prefixed record
// stream both sides use afterward to relay application bytes.
package wire

import "errors"

// Version is the only handshake version this package understands.
const Version byte = 0x03

// MaxBufferSize bounds the records this package writes (sealed length
// prefix, body and tag together) and the sealed length a peer may declare
// for any record, handshake included. A LEN field larger than
// MaxBufferSize-2 is rejected before an allocation is attempted.
const MaxBufferSize = 32 * 1024

// MaxPaddingLen is the largest random padding a handshake message may
// carry; the single length byte that precedes it allows at most 255.
const MaxPaddingLen = 255

// Server reply codes (RESP).
const (
	RespSucceed       byte = 0x00
	RespCipherError   byte = 0x01
	RespInternalError byte = 0x02
	RespRemoteFailed  byte = 0x03
)

var (
	// ErrRecordTooLarge is returned when a peer declares a sealed record
	// length exceeding MaxBufferSize-2.
	ErrRecordTooLarge = errors.New("wire: record exceeds max buffer size")

	// ErrBadVersion is returned when a handshake request's VER field is
	// not Version.
	ErrBadVersion = errors.New("wire: unsupported handshake version")

	// ErrMalformedRequest is returned when a client request body is too
	// short for its own padding/version/cipher/address fields to fit.
	ErrMalformedRequest = errors.New("wire: malformed handshake request")

	// ErrMalformedReply is returned when a server reply body is too
	// short for its own padding/response fields to fit.
	ErrMalformedReply = errors.New("wire: malformed handshake reply")

	// ErrUnknownResponse is returned when a reply's RESP byte is not one
	// of the four known codes.
	ErrUnknownResponse = errors.New("wire: unknown response code")

	// ErrKeyLengthMismatch is returned when a SUCCEED reply's key
	// material is not exactly 2*cipher.KeyLen() bytes.
	ErrKeyLengthMismatch = errors.New("wire: key material length mismatch")
)
