package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/radsecproxy/internal/radius"
)

// InboundTLSServer accepts RadSec connections from downstream clients,
// identifying each by its certificate's Subject Common Name (the same
// CN-only policy ClientSender's TlsSession uses for upstream servers), and
// runs one ServerListener/ServerReplier pair per accepted connection.
type InboundTLSServer struct {
	listener  *ServerListener
	byCN      map[string]*radius.ClientPeer
	tlsConfig *tls.Config
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewInboundTLSServer builds a TLS accept loop. serverCert is this proxy's
// own identity; caCertPool verifies client certificates (nil falls back to
// the system pool, which is almost never correct for mutual TLS and should
// normally be a dedicated client CA).
func NewInboundTLSServer(listener *ServerListener, clients []*radius.ClientPeer, serverCert tls.Certificate, caCertPool *x509.CertPool, logger *slog.Logger) *InboundTLSServer {
	byCN := make(map[string]*radius.ClientPeer, len(clients))

	for _, c := range clients {
		if c.Config.Type == radius.TransportTLS {
			byCN[strings.ToLower(c.Config.TLSServerName)] = c
		}
	}

	s := &InboundTLSServer{listener: listener, byCN: byCN, logger: logger, active: make(map[string]bool, len(clients))}

	s.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caCertPool,
		MinVersion:   tls.VersionTLS12,
		VerifyConnection: func(cs tls.ConnectionState) error {
			_, err := s.resolveClient(cs)
			return err
		},
	}

	return s
}

func (s *InboundTLSServer) resolveClient(cs tls.ConnectionState) (*radius.ClientPeer, error) {
	if len(cs.PeerCertificates) == 0 {
		return nil, ErrNoCertificate
	}

	cn := strings.ToLower(cs.PeerCertificates[0].Subject.CommonName)

	client, ok := s.byCN[cn]
	if !ok {
		return nil, fmt.Errorf("proxy: no client configured for certificate cn %q: %w", cn, ErrCertificateCNMismatch)
	}

	return client, nil
}

// acquire registers cn as having an active connection, refusing a second
// simultaneous connection from the same peer (DATA MODEL, ClientPeer:
// tls_stream present only while connected, at most one).
func (s *InboundTLSServer) acquire(cn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active[cn] {
		return false
	}

	s.active[cn] = true

	return true
}

func (s *InboundTLSServer) release(cn string) {
	s.mu.Lock()
	delete(s.active, cn)
	s.mu.Unlock()
}

// Serve accepts connections on ln until ctx is canceled.
func (s *InboundTLSServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("proxy: tls accept loop stopped: %w", ctx.Err())
			}

			return fmt.Errorf("proxy: tls accept: %w", err)
		}

		go s.handleConn(ctx, conn)
	}
}

func (s *InboundTLSServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	tlsConn := tls.Server(conn, s.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.logger.Warn("tls handshake failed", slog.String("remote", conn.RemoteAddr().String()), slog.String("error", err.Error()))

		return
	}

	client, err := s.resolveClient(tlsConn.ConnectionState())
	if err != nil {
		s.logger.Warn("tls client rejected", slog.String("remote", conn.RemoteAddr().String()), slog.String("error", err.Error()))

		return
	}

	cn := strings.ToLower(client.Config.TLSServerName)

	if !s.acquire(cn) {
		s.logger.Warn("rejecting duplicate tls connection for already-connected peer",
			slog.String("client", client.Config.Name), slog.String("remote", conn.RemoteAddr().String()))

		return
	}
	defer s.release(cn)

	s.logger.Info("tls client connected", slog.String("client", client.Config.Name))

	replier := NewServerReplier(client.ReplyQueue, func(r radius.Reply) error {
		if _, err := tlsConn.Write(r.Buffer); err != nil {
			return fmt.Errorf("proxy: write reply to %s: %w", client.Config.Name, err)
		}

		return nil
	}, s.logger)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(connCtx)
	g.Go(func() error { return s.listener.ServeTLSConnection(gctx, tlsConn, client) })
	g.Go(func() error { return replier.Run(gctx) })

	if err := g.Wait(); err != nil {
		s.logger.Debug("tls client session ended", slog.String("client", client.Config.Name), slog.String("error", err.Error()))
	}
}
