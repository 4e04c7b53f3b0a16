package transfer_test

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/duskrelay/duskrelay/internal/crypto"
	"github.com/duskrelay/duskrelay/internal/transfer"
)

type pipeEnd struct {
	*io.PipeWriter
	closedWrite bool
}

func (p *pipeEnd) CloseWrite() error {
	p.closedWrite = true
	return p.PipeWriter.Close()
}

func newPair(t *testing.T, c crypto.Cipher) (sender, receiver *crypto.Crypto) {
	t.Helper()
	key := make([]byte, c.KeyLen())
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	sender, err := crypto.New(c, key, key)
	if err != nil {
		t.Fatal(err)
	}
	receiver, err = crypto.New(c, key, key)
	if err != nil {
		t.Fatal(err)
	}
	return sender, receiver
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, receiver := newPair(t, crypto.AES128GCM)

	plaintext := make([]byte, 5*1024*1024)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatal(err)
	}

	sealedR, sealedW := io.Pipe()
	plainR, plainW := io.Pipe()

	sealedWEnd := &pipeEnd{PipeWriter: sealedW}
	plainWEnd := &pipeEnd{PipeWriter: plainW}

	encryptDone := make(chan struct{})
	var encRead, encWritten int64
	var encErr error
	go func() {
		defer close(encryptDone)
		encRead, encWritten, _, encErr = transfer.Encrypt(sealedWEnd, bytes.NewReader(plaintext), sender)
	}()

	decryptDone := make(chan struct{})
	var decRead, decWritten int64
	var decErr error
	go func() {
		defer close(decryptDone)
		decRead, decWritten, _, decErr = transfer.Decrypt(plainWEnd, sealedR, receiver)
	}()

	got, err := io.ReadAll(plainR)
	if err != nil {
		t.Fatalf("read decrypted output: %v", err)
	}

	<-encryptDone
	<-decryptDone

	if encErr != nil {
		t.Fatalf("Encrypt: %v", encErr)
	}
	if decErr != nil {
		t.Fatalf("Decrypt: %v", decErr)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("decrypted output does not match original plaintext")
	}
	if encRead != int64(len(plaintext)) {
		t.Fatalf("Encrypt read = %d, want %d", encRead, len(plaintext))
	}
	if decWritten != int64(len(plaintext)) {
		t.Fatalf("Decrypt wrote = %d, want %d", decWritten, len(plaintext))
	}
	if encWritten != decRead {
		t.Fatalf("sealed bytes written (%d) != sealed bytes read (%d)", encWritten, decRead)
	}
	if !sealedWEnd.closedWrite {
		t.Fatal("Encrypt did not half-close its sink on source EOF")
	}
	if !plainWEnd.closedWrite {
		t.Fatal("Decrypt did not half-close its sink on clean record-boundary EOF")
	}
}

func TestDecryptRejectsUnexpectedEOFMidRecord(t *testing.T) {
	sender, receiver := newPair(t, crypto.AES128GCM)

	var sealed bytes.Buffer
	if _, _, _, err := transfer.Encrypt(&sealed, bytes.NewReader([]byte("hello world")), sender); err != nil {
		t.Fatal(err)
	}

	truncated := bytes.NewReader(sealed.Bytes()[:sealed.Len()-5])
	var out bytes.Buffer
	_, _, _, err := transfer.Decrypt(&out, truncated, receiver)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestEncryptZeroByteSource(t *testing.T) {
	sender, receiver := newPair(t, crypto.ChaCha20Poly1305)

	var sealed bytes.Buffer
	read, _, _, err := transfer.Encrypt(&sealed, bytes.NewReader(nil), sender)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if read != 0 {
		t.Fatalf("read = %d, want 0", read)
	}

	var out bytes.Buffer
	decRead, decWritten, _, err := transfer.Decrypt(&out, &sealed, receiver)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decRead != 0 || decWritten != 0 {
		t.Fatalf("Decrypt read/written = %d/%d, want 0/0", decRead, decWritten)
	}
}
