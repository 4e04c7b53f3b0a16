package socks5_test

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/duskrelay/duskrelay/internal/socks5"
)

func TestAddrRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		host string
		port uint16
	}{
		{"ipv4", "127.0.0.1", 8080},
		{"ipv6", "::1", 443},
		{"domain", "example.com", 80},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			encoded, err := socks5.EncodeAddr(c.host, c.port)
			if err != nil {
				t.Fatalf("EncodeAddr: %v", err)
			}

			decoded, err := socks5.DecodeAddr(bytes.NewReader(encoded))
			if err != nil {
				t.Fatalf("DecodeAddr: %v", err)
			}
			if decoded.Port != c.port {
				t.Fatalf("port = %d, want %d", decoded.Port, c.port)
			}

			gotIP := net.ParseIP(decoded.Host)
			wantIP := net.ParseIP(c.host)
			if wantIP != nil {
				if gotIP == nil || !gotIP.Equal(wantIP) {
					t.Fatalf("host = %q, want %q", decoded.Host, c.host)
				}
			} else if decoded.Host != c.host {
				t.Fatalf("host = %q, want %q", decoded.Host, c.host)
			}
		})
	}
}

func TestNegotiateSelectsNoAuth(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x02, 0x01, 0x00})

	if err := socks5.Negotiate(&buf); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got := buf.Bytes(); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("reply = %x, want 0500", got)
	}
}

func TestNegotiateRejectsMissingNoAuth(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x01, 0x02})

	if err := socks5.Negotiate(&buf); err != socks5.ErrNoAcceptableAuth {
		t.Fatalf("err = %v, want ErrNoAcceptableAuth", err)
	}
}

func TestReadRequestRejectsNonConnect(t *testing.T) {
	addr, _ := socks5.EncodeAddr("127.0.0.1", 80)
	req := append([]byte{0x05, 0x02, 0x00}, addr...)

	if _, err := socks5.ReadRequest(bytes.NewReader(req)); !errors.Is(err, socks5.ErrUnsupportedCommand) {
		t.Fatalf("err = %v, want ErrUnsupportedCommand", err)
	}
}

func TestReadRequestParsesConnect(t *testing.T) {
	addr, _ := socks5.EncodeAddr("127.0.0.1", 8080)
	req := append([]byte{0x05, 0x01, 0x00}, addr...)

	parsed, err := socks5.ReadRequest(bytes.NewReader(req))
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if parsed.Dest.Port != 8080 {
		t.Fatalf("port = %d, want 8080", parsed.Dest.Port)
	}
}

func TestWriteReplyEchoesBindAddress(t *testing.T) {
	var buf bytes.Buffer
	bind := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1080}

	if err := socks5.WriteReply(&buf, socks5.ReplySucceeded, bind); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}

	got := buf.Bytes()
	if got[0] != socks5.Version || got[1] != socks5.ReplySucceeded {
		t.Fatalf("reply header = %x", got[:2])
	}
	decoded, err := socks5.DecodeAddr(bytes.NewReader(got[3:]))
	if err != nil {
		t.Fatalf("DecodeAddr on reply: %v", err)
	}
	if decoded.Port != 1080 {
		t.Fatalf("bound port = %d, want 1080", decoded.Port)
	}
}
