// Package remoteproxy implements the destination-facing endpoint: it
// accepts connections from a local proxy, identifies the connecting user
// by digest, performs the v3 server handshake, dials the requested
// destination, and relays bytes through a pair of encrypt/decrypt
// pipelines until either side is done.
package remoteproxy

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duskrelay/duskrelay/internal/config"
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

// minHandshakeTimeout and handshakeTimeoutJitter together produce a
// per-connection handshake deadline spread over [10s, 40s) in whole
// seconds, so
// a port scanner that fingerprints a fixed timeout learns nothing useful.
const (
	minHandshakeTimeout    = 10 * time.Second
	handshakeTimeoutJitter = 30
)

// Config configures a Listener.
type Config struct {
	Listen  string
	Users   map[digest.Digest]config.User
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Listener accepts local-proxy connections and, after a successful
// handshake, tunnels each one to its requested destination.
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
		return fmt.Errorf("remoteproxy: already running")
	}

	ln, err := net.Listen("tcp", l.cfg.Listen)
	if err != nil {
		return fmt.Errorf("remoteproxy: listen on %s: %w", l.cfg.Listen, err)
	}

	l.listener = ln
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("remote proxy listening", "address", ln.Addr().String(), "users", len(l.cfg.Users))
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

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "remoteproxy.Listener.acceptLoop")

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
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.ConnectionsTotal.Inc()
			l.cfg.Metrics.ConnectionsActive.Inc()
		}
		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()
	defer l.connCount.Add(-1)
	defer recovery.RecoverWithLog(l.logger, "remoteproxy.Listener.handleConn")
	if l.cfg.Metrics != nil {
		defer l.cfg.Metrics.ConnectionsActive.Dec()
	}

	peer := conn.RemoteAddr().String()
	deadline, err := handshakeDeadline()
	if err != nil {
		l.logger.Warn("generate handshake deadline", logging.KeyPeer, peer, logging.KeyError, err)
		return
	}
	conn.SetDeadline(deadline)

	start := time.Now()
	hs, err := l.handshake(conn)
	if err != nil {
		l.logger.Warn("handshake failed", logging.KeyPeer, peer, logging.KeyError, err)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.HandshakeFailures.WithLabelValues(l.classifyError(err)).Inc()
		}
		return
	}
	defer hs.destConn.Close()
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.HandshakeLatency.Observe(time.Since(start).Seconds())
	}

	conn.SetDeadline(time.Time{})
	hs.destConn.SetDeadline(time.Time{})

	stat := l.relay(conn, hs.destConn, hs.dataCrypto)
	l.logger.Info("connection closed",
		logging.KeyPeer, peer,
		logging.KeyUser, hs.userName,
		logging.KeyCipher, hs.cipher.String(),
		logging.KeyDestination, hs.dest.String(),
		"stat", stat.String(),
		logging.KeyBytesSent, logging.HumanBytes(stat.DecryptWrite),
		logging.KeyBytesRecv, logging.HumanBytes(stat.EncryptRead))
}

// handshakeResult carries everything handleConn needs once the server
// handshake has completed successfully.
type handshakeResult struct {
	dest       socks5.Addr
	destConn   net.Conn
	dataCrypto *crypto.Crypto
	userName   string
	cipher     crypto.Cipher
}

// handshake reads the connecting user's digest, looks up their password,
// runs the v3 server handshake, and dials the requested destination. Once
// the request has been read and parsed, any failure sends the client an
// appropriate RESP code before the error is returned; an unknown user or
// an unreadable request closes the connection without a reply.
func (l *Listener) handshake(conn net.Conn) (handshakeResult, error) {
	userDigest, err := wire.ReadUserDigest(conn)
	if err != nil {
		return handshakeResult{}, fmt.Errorf("read user digest: %w", err)
	}

	user, ok := l.cfg.Users[userDigest]
	if !ok {
		return handshakeResult{}, fmt.Errorf("unknown user %s", userDigest.String())
	}

	hc, err := wire.NewHandshakeCrypto(user.PasswordDigest)
	if err != nil {
		return handshakeResult{}, fmt.Errorf("build handshake crypto: %w", err)
	}

	req, err := wire.ReadClientRequest(conn, hc)
	if err != nil {
		return handshakeResult{}, fmt.Errorf("read client request: %w", err)
	}

	if !req.CipherSupported {
		wire.WriteServerReply(conn, hc, wire.RespCipherError, nil)
		return handshakeResult{}, fmt.Errorf("unsupported cipher requested by %s", user.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), minHandshakeTimeout)
	defer cancel()

	destConn, err := dial.Dial(ctx, req.Dest.Host, req.Dest.Port)
	if err != nil {
		wire.WriteServerReply(conn, hc, wire.RespRemoteFailed, nil)
		return handshakeResult{}, fmt.Errorf("dial destination %s: %w", req.Dest.String(), err)
	}

	keys, err := crypto.DeriveTransferKeys(user.PasswordDigest.Bytes(), req.Cipher)
	if err != nil {
		destConn.Close()
		wire.WriteServerReply(conn, hc, wire.RespInternalError, nil)
		return handshakeResult{}, fmt.Errorf("derive transfer keys: %w", err)
	}

	keyLen := req.Cipher.KeyLen()
	ekey, dkey := keys[:keyLen], keys[keyLen:]
	dataCrypto, err := crypto.New(req.Cipher, dkey, ekey)
	if err != nil {
		destConn.Close()
		wire.WriteServerReply(conn, hc, wire.RespInternalError, nil)
		return handshakeResult{}, fmt.Errorf("build data crypto: %w", err)
	}

	if err := wire.WriteServerReply(conn, hc, wire.RespSucceed, keys); err != nil {
		destConn.Close()
		return handshakeResult{}, fmt.Errorf("write server reply: %w", err)
	}

	return handshakeResult{
		dest:       req.Dest,
		destConn:   destConn,
		dataCrypto: dataCrypto,
		userName:   user.Name,
		cipher:     req.Cipher,
	}, nil
}

// relay runs the encrypt and decrypt pipelines concurrently until both
// finish, then returns the combined byte-counter stat. The server's
// Encrypt direction carries destination-to-client bytes; Decrypt carries
// client-to-destination bytes. A hard error on either pipeline closes both
// connections so the other pipeline's blocked read or write unblocks
// immediately, rather than waiting on an idle peer that has nothing left
// to tell it the connection is dead.
func (l *Listener) relay(client, dest net.Conn, c *crypto.Crypto) transfer.Stat {
	var wg sync.WaitGroup
	var stat transfer.Stat
	var abortOnce sync.Once

	abort := func() {
		abortOnce.Do(func() {
			client.Close()
			dest.Close()
		})
	}

	var encRecords, decRecords int64

	wg.Add(2)
	go func() {
		defer wg.Done()
		read, written, records, err := transfer.Encrypt(client, dest, c)
		stat.EncryptRead, stat.EncryptWrite = read, written
		encRecords = records
		if err != nil {
			if !isBenignRelayError(err) {
				l.logger.Debug("encrypt pipeline ended", logging.KeyError, err)
			}
			abort()
		}
	}()
	go func() {
		defer wg.Done()
		read, written, records, err := transfer.Decrypt(dest, client, c)
		stat.DecryptRead, stat.DecryptWrite = read, written
		decRecords = records
		if err != nil {
			if !isBenignRelayError(err) {
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

func isBenignRelayError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

func (l *Listener) classifyError(err error) string {
	switch {
	case errors.Is(err, wire.ErrBadVersion), errors.Is(err, wire.ErrMalformedRequest):
		return "protocol"
	case errors.Is(err, wire.ErrKeyLengthMismatch):
		return "crypto"
	case errors.Is(err, dial.ErrNoAddresses):
		return "dial"
	default:
		return "other"
	}
}

// handshakeDeadline returns a time.Time 10 to 39 whole seconds in the
// future, picked as 10 plus a random byte modulo 30 (so the lower 16
// offsets are very slightly more likely than the rest).
func handshakeDeadline() (time.Time, error) {
	var b [1]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return time.Time{}, fmt.Errorf("remoteproxy: generate handshake jitter: %w", err)
	}
	extra := time.Duration(int(b[0])%handshakeTimeoutJitter) * time.Second
	return time.Now().Add(minHandshakeTimeout + extra), nil
}
