package localproxy_test

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/duskrelay/duskrelay/internal/config"
	"github.com/duskrelay/duskrelay/internal/crypto"
	"github.com/duskrelay/duskrelay/internal/digest"
	"github.com/duskrelay/duskrelay/internal/localproxy"
	"github.com/duskrelay/duskrelay/internal/remoteproxy"
	"github.com/duskrelay/duskrelay/internal/socks5"
)

// startEchoServer starts a plain TCP server that echoes every byte it
// receives back to the sender, standing in for "the destination" a
// client asked the tunnel to reach.
func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func splitPort(t *testing.T, addr string) (string, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatal(err)
	}
	return host, uint16(port)
}

func TestLocalProxyTunnelsThroughRemoteProxy(t *testing.T) {
	echo := startEchoServer(t)
	defer echo.Close()
	echoHost, echoPort := splitPort(t, echo.Addr().String())

	username, password := "alice", "hunter2"
	userDigest := digest.New(username)
	passDigest := digest.New(password)

	remote := remoteproxy.New(remoteproxy.Config{
		Listen: "127.0.0.1:0",
		Users: map[digest.Digest]config.User{
			userDigest: {Name: username, PasswordDigest: passDigest},
		},
	})
	if err := remote.Start(); err != nil {
		t.Fatalf("remote.Start: %v", err)
	}
	defer remote.Stop()

	remoteHost, remotePort := splitPort(t, remote.Addr().String())

	local := localproxy.New(localproxy.Config{
		Listen:         "127.0.0.1:0",
		RemoteHost:     remoteHost,
		RemotePort:     remotePort,
		UsernameDigest: userDigest,
		PasswordDigest: passDigest,
		Cipher:         crypto.AES128GCM,
	})
	if err := local.Start(); err != nil {
		t.Fatalf("local.Start: %v", err)
	}
	defer local.Stop()

	conn, err := net.Dial("tcp", local.Addr().String())
	if err != nil {
		t.Fatalf("dial local proxy: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// SOCKS5 greeting: version 5, one method, NO_AUTH.
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	reader := bufio.NewReader(conn)
	greetReply := make([]byte, 2)
	if _, err := io.ReadFull(reader, greetReply); err != nil {
		t.Fatal(err)
	}
	if greetReply[0] != 0x05 || greetReply[1] != 0x00 {
		t.Fatalf("greeting reply = %v, want [5 0]", greetReply)
	}

	// CONNECT request to the echo server.
	addrBytes, err := socks5.EncodeAddr(echoHost, echoPort)
	if err != nil {
		t.Fatal(err)
	}
	req := append([]byte{0x05, 0x01, 0x00}, addrBytes...)
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}

	replyHeader := make([]byte, 3)
	if _, err := io.ReadFull(reader, replyHeader); err != nil {
		t.Fatal(err)
	}
	if replyHeader[1] != socks5.ReplySucceeded {
		t.Fatalf("reply code = 0x%02x, want ReplySucceeded", replyHeader[1])
	}
	if _, err := socks5.DecodeAddr(reader); err != nil {
		t.Fatalf("decode bound address: %v", err)
	}

	payload := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(reader, got); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echoed payload = %q, want %q", got, payload)
	}
}

func TestLocalProxyRejectsWrongPassword(t *testing.T) {
	echo := startEchoServer(t)
	defer echo.Close()

	username := "alice"
	userDigest := digest.New(username)
	serverPassDigest := digest.New("correct-password")

	remote := remoteproxy.New(remoteproxy.Config{
		Listen: "127.0.0.1:0",
		Users: map[digest.Digest]config.User{
			userDigest: {Name: username, PasswordDigest: serverPassDigest},
		},
	})
	if err := remote.Start(); err != nil {
		t.Fatalf("remote.Start: %v", err)
	}
	defer remote.Stop()

	remoteHost, remotePort := splitPort(t, remote.Addr().String())

	local := localproxy.New(localproxy.Config{
		Listen:         "127.0.0.1:0",
		RemoteHost:     remoteHost,
		RemotePort:     remotePort,
		UsernameDigest: userDigest,
		PasswordDigest: digest.New("wrong-password"),
		Cipher:         crypto.AES128GCM,
	})
	if err := local.Start(); err != nil {
		t.Fatalf("local.Start: %v", err)
	}
	defer local.Stop()

	conn, err := net.Dial("tcp", local.Addr().String())
	if err != nil {
		t.Fatalf("dial local proxy: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	reader := bufio.NewReader(conn)
	greetReply := make([]byte, 2)
	if _, err := io.ReadFull(reader, greetReply); err != nil {
		t.Fatal(err)
	}

	addrBytes, err := socks5.EncodeAddr("127.0.0.1", 9)
	if err != nil {
		t.Fatal(err)
	}
	req := append([]byte{0x05, 0x01, 0x00}, addrBytes...)
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}

	replyHeader := make([]byte, 3)
	if _, err := io.ReadFull(reader, replyHeader); err != nil {
		t.Fatal(err)
	}
	if replyHeader[1] == socks5.ReplySucceeded {
		t.Fatal("expected the bad-password handshake to fail, got ReplySucceeded")
	}
}

func TestListenerStartStopLifecycle(t *testing.T) {
	local := localproxy.New(localproxy.Config{
		Listen:         "127.0.0.1:0",
		RemoteHost:     "127.0.0.1",
		RemotePort:     1,
		UsernameDigest: digest.New("u"),
		PasswordDigest: digest.New("p"),
		Cipher:         crypto.AES128GCM,
	})
	if local.IsRunning() {
		t.Fatal("IsRunning true before Start")
	}
	if err := local.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !local.IsRunning() {
		t.Fatal("IsRunning false after Start")
	}
	if err := local.Start(); err == nil {
		t.Fatal("second Start should have failed")
	}
	if err := local.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if local.IsRunning() {
		t.Fatal("IsRunning true after Stop")
	}
}
