package proxy

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/dantte-lp/radsecproxy/internal/radius"
)

// ServerListener accepts inbound Access-Requests (and Status-Server
// probes) from configured downstream clients, matches the username realm
// to an upstream server, re-encrypts the request under that server's
// secret, and hands it to the matching ClientSender for delivery.
type ServerListener struct {
	registry *radius.PeerRegistry
	router   *radius.RealmRouter
	senders  map[string]*ClientSender
	logger   *slog.Logger
	metrics  Metrics
}

// NewServerListener builds a listener. senders must contain one
// *ClientSender per configured server peer, keyed by server name.
func NewServerListener(registry *radius.PeerRegistry, router *radius.RealmRouter, senders map[string]*ClientSender, logger *slog.Logger) *ServerListener {
	return &ServerListener{registry: registry, router: router, senders: senders, logger: logger}
}

// SetMetrics attaches a metrics sink. Must be called before serving; nil is
// a valid no-op sink (the zero value).
func (l *ServerListener) SetMetrics(m Metrics) {
	l.metrics = m
}

// ServeUDP reads datagrams from conn until ctx is canceled or the socket
// errors, resolving each sender's client peer by source address.
func (l *ServerListener) ServeUDP(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, radius.MaxPacketSize)

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("proxy: udp listener stopped: %w", err)
		}

		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return fmt.Errorf("proxy: udp listener read: %w", err)
		}

		client, ok := l.registry.ClientByAddr(from.Addr())
		if !ok {
			l.logger.Warn("datagram from unconfigured client", slog.String("addr", from.String()))

			continue
		}

		l.handleRequest(append([]byte(nil), buf[:n]...), client, from)
	}
}

// ServeTLSConnection reads length-framed requests from an already accepted
// and verified TLS connection belonging to client, until the connection is
// closed or ctx is canceled.
func (l *ServerListener) ServeTLSConnection(ctx context.Context, conn net.Conn, client *radius.ClientPeer) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("proxy: tls listener stopped: %w", err)
		}

		header := make([]byte, radius.HeaderSize)
		if err := readFull(conn, header); err != nil {
			return err
		}

		length := int(header[2])<<8 | int(header[3])
		if length < radius.MinPacketSize || length > radius.MaxPacketSize {
			return fmt.Errorf("proxy: tls listener: declared length %d: %w", length, radius.ErrLengthTooShort)
		}

		packet := make([]byte, length)
		copy(packet, header)

		if err := readFull(conn, packet[radius.HeaderSize:]); err != nil {
			return err
		}

		l.handleRequest(packet, client, netip.AddrPort{})
	}
}

func (l *ServerListener) handleRequest(buf []byte, client *radius.ClientPeer, from netip.AddrPort) {
	msg, err := radius.Decode(buf)
	if err != nil {
		perr := &radius.ProtocolError{Err: err}
		l.logger.Warn("malformed request", slog.String("client", client.Config.Name), slog.String("error", perr.Error()))
		l.dropped(client.Config.Name, "malformed")

		return
	}

	if msg.TrailingBytes > 0 {
		l.logger.Warn("request has trailing bytes beyond declared length",
			slog.String("client", client.Config.Name), slog.Int("trailing", msg.TrailingBytes))
	}

	if msg.Code == radius.CodeStatusServer {
		l.respondStatusServer(msg, client, from)

		return
	}

	if msg.Code != radius.CodeAccessRequest {
		perr := &radius.ProtocolError{Err: radius.ErrUnhandledCode}
		l.logger.Warn("unhandled request code", slog.String("client", client.Config.Name), slog.Int("code", int(msg.Code)), slog.String("error", perr.Error()))
		l.dropped(client.Config.Name, "malformed")

		return
	}

	if l.metrics != nil {
		l.metrics.IncRequestsReceived(client.Config.Name)
	}

	userName, ok := msg.Attribute(radius.AttrUserName)
	if !ok {
		l.logger.Warn("request missing user-name", slog.String("client", client.Config.Name))
		l.dropped(client.Config.Name, "missing_username")

		return
	}

	realm := l.router.Match(string(userName.Value))
	if realm == nil {
		// Unknown realm: dropped silently, no reply sent.
		l.dropped(client.Config.Name, "unknown_realm")

		return
	}

	if realm.Server == nil {
		l.respondReject(msg, client, from, realm.RejectMessage)
		l.dropped(client.Config.Name, "realm_reject")

		return
	}

	if realm.Server.Table.LookupByOrigin(client.Config.Name, msg.Identifier) {
		l.logger.Debug("duplicate request suppressed",
			slog.String("client", client.Config.Name), slog.Int("id", int(msg.Identifier)))
		l.dropped(client.Config.Name, "duplicate")

		return
	}

	if offset, _, found := radius.FindAttributeValueOffset(buf, radius.AttrMessageAuthenticator); found {
		if !radius.VerifyMessageAuthenticator(buf, offset, client.Config.Secret) {
			aerr := &radius.AuthError{Err: radius.ErrMessageAuthenticatorMismatch}
			l.logger.Warn("request message-authenticator mismatch", slog.String("client", client.Config.Name), slog.String("error", aerr.Error()))
			l.dropped(client.Config.Name, "bad_auth")

			return
		}
	}

	sender, ok := l.senders[realm.Server.Config.Name]
	if !ok {
		l.logger.Warn("realm matched an unwired server", slog.String("server", realm.Server.Config.Name))
		l.dropped(client.Config.Name, "unwired_server")

		return
	}

	pr, err := l.buildOutboundRequest(msg, client, realm.Server, from)
	if err != nil {
		perr := &radius.ProtocolError{Err: err}
		l.logger.Warn("failed to build outbound request", slog.String("client", client.Config.Name), slog.String("error", perr.Error()))
		l.dropped(client.Config.Name, "malformed")

		return
	}

	if _, err := sender.Forward(pr); err != nil {
		l.logger.Warn("request table full, dropping request",
			slog.String("server", realm.Server.Config.Name), slog.String("error", err.Error()))
		l.dropped(client.Config.Name, "table_full")
	}
}

func (l *ServerListener) dropped(client, reason string) {
	if l.metrics != nil {
		l.metrics.IncRequestsDropped(client, reason)
	}
}

// buildOutboundRequest re-encrypts User-Password and Tunnel-Password
// attributes from the client's secret to the server's secret under a
// freshly generated Request Authenticator, and records everything needed
// to translate the eventual reply back to the originating client.
func (l *ServerListener) buildOutboundRequest(msg *radius.Message, client *radius.ClientPeer, server *radius.ServerPeer, from netip.AddrPort) (*radius.PendingRequest, error) {
	var newAuth [16]byte
	if _, err := rand.Read(newAuth[:]); err != nil {
		return nil, fmt.Errorf("proxy: generate request authenticator: %w", err)
	}

	attrs := make([]radius.Attribute, 0, len(msg.Attributes))

	for _, a := range msg.Attributes {
		switch a.Type {
		case radius.AttrUserPassword, radius.AttrTunnelPassword:
			plain, err := radius.UserPasswordDecrypt(a.Value, client.Config.Secret, msg.Authenticator)
			if err != nil {
				return nil, fmt.Errorf("proxy: decrypt password attribute %d: %w", a.Type, err)
			}

			cipher, err := radius.UserPasswordEncrypt(plain, server.Config.Secret, newAuth)
			if err != nil {
				return nil, fmt.Errorf("proxy: encrypt password attribute %d: %w", a.Type, err)
			}

			attrs = append(attrs, radius.Attribute{Type: a.Type, Value: cipher})
		case radius.AttrMessageAuthenticator:
			// Recomputed under the server secret once the outbound
			// identifier is assigned (RequestTable.Insert fills it in).
			attrs = append(attrs, radius.Attribute{Type: a.Type, Value: make([]byte, 16)})
		default:
			attrs = append(attrs, a)
		}
	}

	out := &radius.Message{
		Code:          radius.CodeAccessRequest,
		Identifier:    0,
		Authenticator: newAuth,
		Attributes:    attrs,
	}

	pr := radius.NewPendingRequest(out.Encode(), server.Config.Type, false)
	pr.OriginClient = client.Config.Name
	pr.OriginID = msg.Identifier
	pr.OriginAuthenticator = msg.Authenticator
	pr.OriginAddress = from

	return pr, nil
}

// respondStatusServer answers a client's own Status-Server probe directly,
// without involving any upstream server (EXTERNAL INTERFACES, Status-Server
// as keepalive: the proxy itself is what the client is probing).
func (l *ServerListener) respondStatusServer(msg *radius.Message, client *radius.ClientPeer, from netip.AddrPort) {
	reply := &radius.Message{
		Code:          radius.CodeAccessAccept,
		Identifier:    msg.Identifier,
		Authenticator: msg.Authenticator,
	}

	buf := reply.Encode()
	radius.SignResponseAuthenticator(buf, client.Config.Secret)

	if err := client.ReplyQueue.Enqueue(radius.Reply{Buffer: buf, DestAddr: from}); err != nil {
		rerr := &radius.ResourceExhaustionError{Err: err}
		l.logger.Warn("reply queue full for status-server echo", slog.String("client", client.Config.Name), slog.String("error", rerr.Error()))
	}
}

// respondReject answers a request whose realm is explicitly configured to
// reject, optionally carrying a Reply-Message (DATA MODEL, Realm: a realm
// with no server means reject, not drop).
func (l *ServerListener) respondReject(msg *radius.Message, client *radius.ClientPeer, from netip.AddrPort, rejectMessage string) {
	reply := &radius.Message{
		Code:          radius.CodeAccessReject,
		Identifier:    msg.Identifier,
		Authenticator: msg.Authenticator,
	}

	if rejectMessage != "" {
		reply.Attributes = append(reply.Attributes, radius.Attribute{Type: radius.AttrReplyMessage, Value: []byte(rejectMessage)})
	}

	buf := reply.Encode()
	radius.SignResponseAuthenticator(buf, client.Config.Secret)

	if err := client.ReplyQueue.Enqueue(radius.Reply{Buffer: buf, DestAddr: from}); err != nil {
		rerr := &radius.ResourceExhaustionError{Err: err}
		l.logger.Warn("reply queue full for realm reject", slog.String("client", client.Config.Name), slog.String("error", rerr.Error()))
	}
}
