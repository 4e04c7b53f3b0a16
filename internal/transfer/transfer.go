// Package transfer implements the two independent, unidirectional pipelines
// that move bytes across one tunnel connection once the v3 handshake has
// completed: one sealing plaintext into records on its way out, one
// opening records back into plaintext on its way in.
package transfer

import (
	"errors"
	"fmt"
	"io"

	"github.com/duskrelay/duskrelay/internal/crypto"
	"github.com/duskrelay/duskrelay/internal/wire"
)

// maxPlaintextRead bounds how much plaintext the encrypt pipeline reads
// into a single record: the shared I/O buffer is MaxBufferSize, and a
// record on the wire can be at most that large once its length-prefix
// header and trailing tag are accounted for.
const maxPlaintextRead = wire.MaxBufferSize - (2 + crypto.TagLen) - crypto.TagLen

// HalfCloser is implemented by connections that support shutting down their
// write side while leaving the read side open, so EOF on one pipeline can
// be signalled to the peer without tearing down the other pipeline.
type HalfCloser interface {
	CloseWrite() error
}

// Stat carries the byte counters both endpoints log on connection close,
// in the exact field order and label layout this protocol's logs have
// always used: "recv: <bytes written to the plaintext sink>/<bytes read
// from the sealed source> send: <bytes read from the plaintext source>/
// <bytes written to the sealed sink>".
type Stat struct {
	DecryptWrite int64 // plaintext bytes delivered to the local sink
	DecryptRead  int64 // sealed bytes consumed from the remote source
	EncryptRead  int64 // plaintext bytes consumed from the local source
	EncryptWrite int64 // sealed bytes delivered to the remote sink
}

func (s Stat) String() string {
	return fmt.Sprintf("recv: %d/%d send: %d/%d", s.DecryptWrite, s.DecryptRead, s.EncryptRead, s.EncryptWrite)
}

// Encrypt reads plaintext from src in chunks of at most maxPlaintextRead
// bytes, seals each chunk as one v3 record, and writes it to dst. On src
// EOF it half-closes dst (if dst implements HalfCloser) and returns the
// plaintext bytes read, sealed bytes written, and records sealed. Any
// other read or seal error is fatal and returned immediately.
func Encrypt(dst io.Writer, src io.Reader, c *crypto.Crypto) (read, written, records int64, err error) {
	buf := make([]byte, maxPlaintextRead)
	counting := &countingWriter{w: dst}

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if werr := wire.WriteRecord(counting, c, buf[:n]); werr != nil {
				return read, counting.n, records, werr
			}
			read += int64(n)
			records++
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if hc, ok := dst.(HalfCloser); ok {
					if cerr := hc.CloseWrite(); cerr != nil {
						return read, counting.n, records, cerr
					}
				}
				return read, counting.n, records, nil
			}
			return read, counting.n, records, rerr
		}
	}
}

// Decrypt reads one v3 record at a time from src, opens it, and writes the
// plaintext to dst, until src reaches a clean record boundary (io.EOF),
// at which point it half-closes dst (if supported) and returns. EOF
// discovered mid-record (io.ErrUnexpectedEOF) is returned as a fatal error,
// per this protocol's framing: a record boundary is the only place a
// sealed stream is allowed to end.
func Decrypt(dst io.Writer, src io.Reader, c *crypto.Crypto) (read, written, records int64, err error) {
	for {
		plaintext, sealedLen, rerr := wire.ReadRecord(src, c)
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if hc, ok := dst.(HalfCloser); ok {
					if cerr := hc.CloseWrite(); cerr != nil {
						return read, written, records, cerr
					}
				}
				return read, written, records, nil
			}
			return read, written, records, rerr
		}
		read += int64(2+crypto.TagLen) + int64(sealedLen)
		records++

		if len(plaintext) > 0 {
			n, werr := dst.Write(plaintext)
			written += int64(n)
			if werr != nil {
				return read, written, records, werr
			}
		}
	}
}

// countingWriter tracks how many bytes WriteRecord's underlying Write
// calls actually emitted, since Encrypt reports sealed bytes written
// rather than plaintext bytes read.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
