package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/radsecproxy/internal/radius"
)

// SessionState is the lifecycle state of a TlsSession.
type SessionState int32

// States a TlsSession moves through (TlsSession, States).
const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Backoff ladder constants (TlsSession, Reconnect backoff).
const (
	backoffQuick        = 10 * time.Second
	backoffShortCeiling = 5 * time.Second
	backoffLongCeiling  = 300 * time.Second
	backoffCapped       = 600 * time.Second
	backoffGiveUp       = 100000 * time.Second
)

// TlsSession manages one mutually-authenticated TLS connection to a single
// upstream RADIUS server, reconnecting with the configured backoff ladder
// whenever the connection drops. Reads and writes are length-framed using
// each RADIUS packet's own header length field: there is no additional
// RadSec-layer framing.
type TlsSession struct {
	addr       string
	serverName string
	tlsConfig  *tls.Config
	logger     *slog.Logger

	mu           sync.Mutex
	conn         *tls.Conn
	state        atomic.Int32
	connectionOK bool
	lastAttempt  time.Time
}

// NewTlsSession builds a session targeting addr (host:port), verifying the
// peer certificate's Subject Common Name against serverName. caCertPool may
// be nil to fall back to the system root pool.
func NewTlsSession(addr, serverName string, clientCert tls.Certificate, caCertPool *x509.CertPool, logger *slog.Logger) *TlsSession {
	s := &TlsSession{addr: addr, serverName: serverName, logger: logger}

	s.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caCertPool,
		// Certificate path validation is delegated to VerifyConnection so
		// the Subject Common Name, not hostname/SAN, decides peer identity
		// (EXTERNAL INTERFACES, TLS peer verification — deliberately CN-only,
		// matching the one open question left unresolved by design).
		InsecureSkipVerify: true, //nolint:gosec // G402: custom VerifyConnection below replaces default verification
		MinVersion:         tls.VersionTLS12,
		VerifyConnection:   s.verifyConnection,
	}

	return s
}

// verifyConnection implements CN-only peer verification: the certificate
// chain is checked against the configured root pool, then the leaf's
// Subject Common Name is compared case-insensitively to the expected
// server name. No SAN/hostname matching is performed.
func (s *TlsSession) verifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return ErrNoCertificate
	}

	opts := x509.VerifyOptions{
		Roots:         s.tlsConfig.RootCAs,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}

	leaf := cs.PeerCertificates[0]
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("proxy: verify certificate chain: %w", err)
	}

	if !strings.EqualFold(leaf.Subject.CommonName, s.serverName) {
		return fmt.Errorf("proxy: cn %q, want %q: %w", leaf.Subject.CommonName, s.serverName, ErrCertificateCNMismatch)
	}

	return nil
}

// State returns the session's current lifecycle state.
func (s *TlsSession) State() SessionState {
	return SessionState(s.state.Load())
}

// MarkResponseReceived records that a correlated, authentic reply has just
// arrived over this session, satisfying connection_ok (DATA MODEL, "has at
// least one successful response arrived since last connect"). The next
// reconnect attempt consumes this exactly once.
func (s *TlsSession) MarkResponseReceived() {
	s.mu.Lock()
	s.connectionOK = true
	s.mu.Unlock()
}

// consumeConnectionOK reports whether connection_ok was set, clearing it in
// the same step so the quick-retry path fires at most once per successful
// response (TlsSession, Reconnect backoff: "If connection_ok was true, set
// it false and sleep 10s").
func (s *TlsSession) consumeConnectionOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.connectionOK
	s.connectionOK = false

	return ok
}

// Connect blocks, retrying with the backoff ladder, until a TLS connection
// is established or ctx is canceled. The ladder (TlsSession, Reconnect
// backoff): if a reply was marked via MarkResponseReceived since the last
// connect, retry quickly (10s); otherwise wait 10s if under 5s have elapsed since the last attempt,
// the elapsed time itself if under 300s, a flat 600s up to 100000s, and
// give up waiting (connect immediately) beyond that.
func (s *TlsSession) Connect(ctx context.Context) error {
	s.state.Store(int32(StateConnecting))

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("proxy: connect canceled: %w", err)
		}

		now := time.Now()

		if !s.lastAttempt.IsZero() {
			var wait time.Duration
			if s.consumeConnectionOK() {
				wait = backoffQuick
			} else {
				wait = s.backoffWait(now.Sub(s.lastAttempt))
			}

			if wait > 0 {
				s.logger.Debug("backing off before reconnect", slog.Duration("wait", wait), slog.String("addr", s.addr))

				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()

					return fmt.Errorf("proxy: connect canceled during backoff: %w", ctx.Err())
				case <-t.C:
				}
			}
		}

		s.lastAttempt = time.Now()

		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", s.addr, s.tlsConfig)
		if err != nil {
			s.logger.Warn("tls dial failed", slog.String("addr", s.addr), slog.String("error", err.Error()))

			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.state.Store(int32(StateConnected))

		s.logger.Info("tls session connected", slog.String("addr", s.addr))

		return nil
	}
}

func (s *TlsSession) backoffWait(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < backoffShortCeiling:
		return backoffQuick
	case elapsed < backoffLongCeiling:
		return elapsed
	case elapsed < backoffGiveUp:
		return backoffCapped
	default:
		return 0
	}
}

// Close tears down the underlying connection, if any.
func (s *TlsSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Store(int32(StateDisconnected))

	if s.conn == nil {
		return nil
	}

	err := s.conn.Close()
	s.conn = nil

	if err != nil {
		return fmt.Errorf("proxy: close tls session: %w", err)
	}

	return nil
}

// Write sends one complete RADIUS packet. The packet's own header length
// field is the only framing RadSec needs over a byte stream.
func (s *TlsSession) Write(buf []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("proxy: write: %w", ErrSessionClosed)
	}

	if _, err := conn.Write(buf); err != nil {
		s.markDisconnected()

		return fmt.Errorf("proxy: write %d bytes to %s: %w", len(buf), s.addr, err)
	}

	return nil
}

// Read blocks for exactly one RADIUS packet: it reads the fixed header
// first to learn the declared length, then reads the remainder, retrying
// on short reads the way a stream socket requires.
func (s *TlsSession) Read() ([]byte, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("proxy: read: %w", ErrSessionClosed)
	}

	header := make([]byte, radius.HeaderSize)
	if err := readFull(conn, header); err != nil {
		s.markDisconnected()

		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < radius.MinPacketSize || length > radius.MaxPacketSize {
		s.markDisconnected()

		return nil, fmt.Errorf("proxy: read: declared length %d: %w", length, radius.ErrLengthTooShort)
	}

	buf := make([]byte, length)
	copy(buf, header)

	if err := readFull(conn, buf[radius.HeaderSize:]); err != nil {
		s.markDisconnected()

		return nil, err
	}

	return buf, nil
}

func (s *TlsSession) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Store(int32(StateDisconnected))
}

func readFull(conn net.Conn, buf []byte) error {
	read := 0

	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		if n > 0 {
			read += n
		}

		if err != nil {
			if read == len(buf) {
				break
			}

			return fmt.Errorf("proxy: short read at %d/%d bytes: %w", read, len(buf), err)
		}

		if n == 0 {
			return fmt.Errorf("proxy: read zero bytes at %d/%d: %w", read, len(buf), ErrShortRead)
		}
	}

	return nil
}
