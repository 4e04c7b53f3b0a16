// Package localproxy implements the SOCKS5-facing endpoint: it accepts
// client connections, negotiates SOCKS5, dials the remote proxy, performs
// the v3 client handshake, and then relays bytes through a pair of
// encrypt/decrypt pipelines until either side is done.
package localproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duskrelay/duskrelay/internal/crypto"
	"github.com/duskrelay/duskrelay/internal/dial"
	"github.com/duskrelay/duskrelay/internal/digest"
	"github.com/duskrelay/duskrelay/internal/logging"
	"github.com/duskrelay/duskrelay/internal/metrics"
	"github.com/duskrelay/duskrelay/internal/recovery"
	"github.com/duskrelay/duskrelay/internal/socks5"
	"github.com/duskrelay/duskrelay/internal/transfer"
	"github.com/duskrelay/duskrelay/internal/wire"
)

// handshakeTimeout is the fixed deadline the local endpoint gives a
// connection to get all the way from SOCKS5 greeting through a completed
// v3 handshake with the remote proxy.
const handshakeTimeout = 10 * time.Second

// Config configures a Listener.
type Config struct {
	Listen         string
	RemoteHost     string
	RemotePort     uint16
	UsernameDigest digest.Digest
	PasswordDigest digest.Digest
	Cipher         crypto.Cipher
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Listener accepts SOCKS5 clients and tunnels each one to the remote
// proxy configured in cfg.
type Listener struct {
	cfg      Config
	logger   *slog.Logger
	listener net.Listener

	connCount atomic.Int64
	running   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New builds a Listener that has not yet started accepting connections.
func New(cfg Config) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Listener{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start binds the listen address and begins accepting connections.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("localproxy: already running")
	}

	ln, err := net.Listen("tcp", l.cfg.Listen)
	if err != nil {
		return fmt.Errorf("localproxy: listen on %s: %w", l.cfg.Listen, err)
	}

	l.listener = ln
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("local proxy listening", "address", ln.Addr().String(), "remote", l.remoteAddrString())
	return nil
}

// Stop closes the listener so no new connections are accepted, then waits
// for the goroutines serving already-accepted connections to exit. It does
// not close those connections itself, so it returns only once each of them
// has ended.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)
		if l.listener != nil {
			err = l.listener.Close()
		}
	})
	l.wg.Wait()
	return err
}

// Addr returns the listening address, or nil before Start succeeds.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ConnectionCount returns the number of connections currently being
// served.
func (l *Listener) ConnectionCount() int64 {
	return l.connCount.Load()
}

// IsRunning reports whether the listener is currently accepting
// connections.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}

func (l *Listener) remoteAddrString() string {
	return net.JoinHostPort(l.cfg.RemoteHost, fmt.Sprintf("%d", l.cfg.RemotePort))
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "localproxy.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Warn("accept error", logging.KeyError, err)
				continue
			}
		}

		l.connCount.Add(1)
		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()
	defer l.connCount.Add(-1)
	defer recovery.RecoverWithLog(l.logger, "localproxy.Listener.handleConn")

	peer := conn.RemoteAddr().String()
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	dest, remoteConn, sealCrypto, err := l.handshake(conn)
	if err != nil {
		l.logger.Warn("handshake failed", logging.KeyPeer, peer, logging.KeyError, err)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.HandshakeFailures.WithLabelValues(l.classifyError(err)).Inc()
		}
		return
	}
	defer remoteConn.Close()

	conn.SetDeadline(time.Time{})
	remoteConn.SetDeadline(time.Time{})

	stat := l.relay(conn, remoteConn, sealCrypto)
	l.logger.Info("connection closed",
		logging.KeyPeer, peer,
		logging.KeyUser, l.cfg.UsernameDigest.String(),
		logging.KeyCipher, l.cfg.Cipher.String(),
		logging.KeyDestination, dest.String(),
		"stat", stat.String(),
		logging.KeyBytesSent, logging.HumanBytes(stat.EncryptRead),
		logging.KeyBytesRecv, logging.HumanBytes(stat.DecryptWrite))
}

// handshake runs the SOCKS5 negotiation with conn, dials the remote proxy,
// and performs the v3 client handshake over that connection. Once the
// SOCKS5 request has been read, any failure sends the client an
// appropriate SOCKS5 reply before the error is returned; a failed
// greeting or request read returns without a reply.
func (l *Listener) handshake(conn net.Conn) (socks5.Addr, net.Conn, *crypto.Crypto, error) {
	if err := socks5.Negotiate(conn); err != nil {
		return socks5.Addr{}, nil, nil, fmt.Errorf("socks5 negotiate: %w", err)
	}

	req, err := socks5.ReadRequest(conn)
	if err != nil {
		return socks5.Addr{}, nil, nil, fmt.Errorf("socks5 read request: %w", err)
	}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(handshakeTimeout))
	defer cancel()

	remoteConn, err := dial.Dial(ctx, l.cfg.RemoteHost, l.cfg.RemotePort)
	if err != nil {
		socks5.WriteReply(conn, socks5.ReplyForDialError(err), l.listener.Addr())
		return socks5.Addr{}, nil, nil, fmt.Errorf("dial remote proxy: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		remoteConn.SetDeadline(dl)
	}

	hc, err := wire.NewHandshakeCrypto(l.cfg.PasswordDigest)
	if err != nil {
		remoteConn.Close()
		socks5.WriteReply(conn, socks5.ReplyGeneralFailure, l.listener.Addr())
		return socks5.Addr{}, nil, nil, fmt.Errorf("build handshake crypto: %w", err)
	}

	if err := wire.WriteClientRequest(remoteConn, hc, l.cfg.UsernameDigest, l.cfg.Cipher, req.Dest); err != nil {
		remoteConn.Close()
		socks5.WriteReply(conn, socks5.ReplyGeneralFailure, l.listener.Addr())
		return socks5.Addr{}, nil, nil, fmt.Errorf("write v3 request: %w", err)
	}

	resp, ekey, dkey, err := wire.ReadServerReply(remoteConn, hc, l.cfg.Cipher)
	if err != nil {
		remoteConn.Close()
		socks5.WriteReply(conn, socks5.ReplyGeneralFailure, l.listener.Addr())
		return socks5.Addr{}, nil, nil, fmt.Errorf("read v3 reply: %w", err)
	}
	if resp != wire.RespSucceed {
		remoteConn.Close()
		socks5.WriteReply(conn, socks5.ReplyGeneralFailure, l.listener.Addr())
		return socks5.Addr{}, nil, nil, fmt.Errorf("remote proxy refused: resp=0x%02x", resp)
	}

	dataCrypto, err := crypto.New(l.cfg.Cipher, ekey, dkey)
	if err != nil {
		remoteConn.Close()
		socks5.WriteReply(conn, socks5.ReplyGeneralFailure, l.listener.Addr())
		return socks5.Addr{}, nil, nil, fmt.Errorf("build data crypto: %w", err)
	}

	if err := socks5.WriteReply(conn, socks5.ReplySucceeded, l.listener.Addr()); err != nil {
		remoteConn.Close()
		return socks5.Addr{}, nil, nil, fmt.Errorf("write socks5 reply: %w", err)
	}

	return req.Dest, remoteConn, dataCrypto, nil
}

// relay runs the encrypt and decrypt pipelines concurrently until both
// finish, then returns the combined byte-counter stat. A hard error on
// either pipeline closes both connections so the other pipeline's blocked
// read or write unblocks immediately, rather than waiting on an idle peer
// that has nothing left to tell it the connection is dead.
func (l *Listener) relay(client, remote net.Conn, c *crypto.Crypto) transfer.Stat {
	var wg sync.WaitGroup
	var stat transfer.Stat
	var abortOnce sync.Once

	abort := func() {
		abortOnce.Do(func() {
			client.Close()
			remote.Close()
		})
	}

	var encRecords, decRecords int64

	wg.Add(2)
	go func() {
		defer wg.Done()
		read, written, records, err := transfer.Encrypt(remote, client, c)
		stat.EncryptRead, stat.EncryptWrite = read, written
		encRecords = records
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Debug("encrypt pipeline ended", logging.KeyError, err)
			}
			abort()
		}
	}()
	go func() {
		defer wg.Done()
		read, written, records, err := transfer.Decrypt(client, remote, c)
		stat.DecryptRead, stat.DecryptWrite = read, written
		decRecords = records
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Debug("decrypt pipeline ended", logging.KeyError, err)
			}
			abort()
		}
	}()
	wg.Wait()

	if l.cfg.Metrics != nil {
		l.cfg.Metrics.BytesTransferred.WithLabelValues("sent").Add(float64(stat.EncryptRead))
		l.cfg.Metrics.BytesTransferred.WithLabelValues("received").Add(float64(stat.DecryptWrite))
		l.cfg.Metrics.RecordsTransferred.WithLabelValues("sent").Add(float64(encRecords))
		l.cfg.Metrics.RecordsTransferred.WithLabelValues("received").Add(float64(decRecords))
	}

	return stat
}

func (l *Listener) classifyError(err error) string {
	switch {
	case errors.Is(err, wire.ErrBadVersion), errors.Is(err, wire.ErrMalformedReply), errors.Is(err, wire.ErrUnknownResponse):
		return "protocol"
	case errors.Is(err, wire.ErrKeyLengthMismatch):
		return "crypto"
	default:
		return "other"
	}
}
