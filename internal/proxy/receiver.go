package proxy

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/dantte-lp/radsecproxy/internal/radius"
)

// replyTransport abstracts reading one reply packet from either a shared
// UDP socket (demultiplexed by source address) or a dedicated TlsSession.
type replyTransport interface {
	ReadReply() (buf []byte, server *radius.ServerPeer, err error)

	// MarkHealthy records that a correlated, authentic reply has just been
	// processed over this transport. A TlsSession consumes this to satisfy
	// its one-shot connection_ok condition; UDP has no session to mark.
	MarkHealthy()
}

// udpReplyTransport reads from a socket shared by every UDP upstream
// server, resolving which ServerPeer answered by matching the source
// address against each peer's configured addresses.
type udpReplyTransport struct {
	conn   *net.UDPConn
	byAddr map[netip.AddrPort]*radius.ServerPeer
}

// NewUDPReplyTransport builds a shared-socket transport that demuxes
// incoming datagrams to the server peer whose configured address matches
// the datagram's source.
func NewUDPReplyTransport(conn *net.UDPConn, servers []*radius.ServerPeer) replyTransport {
	byAddr := make(map[netip.AddrPort]*radius.ServerPeer)

	for _, s := range servers {
		for _, a := range s.Config.Addresses {
			byAddr[a] = s
		}
	}

	return &udpReplyTransport{conn: conn, byAddr: byAddr}
}

func (t *udpReplyTransport) ReadReply() ([]byte, *radius.ServerPeer, error) {
	buf := make([]byte, radius.MaxPacketSize)

	n, from, err := t.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("proxy: udp reply read: %w", err)
	}

	server, ok := t.byAddr[from]
	if !ok {
		return nil, nil, fmt.Errorf("proxy: reply from unconfigured address %s: %w", from, ErrNoAddresses)
	}

	return buf[:n], server, nil
}

// MarkHealthy is a no-op: UDP has no per-connection session to mark.
func (t *udpReplyTransport) MarkHealthy() {}

// tlsReplyTransport reads from one dedicated TlsSession bound to a single
// server peer.
type tlsReplyTransport struct {
	session *TlsSession
	server  *radius.ServerPeer
}

// NewTLSReplyTransport builds a transport over a single server's TLS
// session.
func NewTLSReplyTransport(session *TlsSession, server *radius.ServerPeer) replyTransport {
	return &tlsReplyTransport{session: session, server: server}
}

func (t *tlsReplyTransport) ReadReply() ([]byte, *radius.ServerPeer, error) {
	buf, err := t.session.Read()
	if err != nil {
		return nil, nil, err
	}

	return buf, t.server, nil
}

// MarkHealthy consumes the session's one-shot connection_ok condition.
func (t *tlsReplyTransport) MarkHealthy() {
	t.session.MarkResponseReceived()
}

// ClientReceiver processes replies arriving from upstream servers: it
// validates signatures, re-encrypts MS-MPPE keys for the original client's
// secret, restores the original request's identifier and authenticator,
// and relays the result into the origin client's reply queue.
type ClientReceiver struct {
	transport replyTransport
	registry  *radius.PeerRegistry
	logger    *slog.Logger
	metrics   Metrics
}

// NewClientReceiver builds a receiver over transport, resolving origin
// clients through registry.
func NewClientReceiver(transport replyTransport, registry *radius.PeerRegistry, logger *slog.Logger) *ClientReceiver {
	return &ClientReceiver{transport: transport, registry: registry, logger: logger}
}

// SetMetrics attaches a metrics sink. Must be called before Run; nil is a
// valid no-op sink (the zero value).
func (cr *ClientReceiver) SetMetrics(m Metrics) {
	cr.metrics = m
}

// Run reads and processes replies until transport returns a fatal error or
// ctx-style cancellation propagates through a closed connection.
func (cr *ClientReceiver) Run() error {
	for {
		buf, server, err := cr.transport.ReadReply()
		if err != nil {
			return err
		}

		cr.process(buf, server)
	}
}

func (cr *ClientReceiver) process(buf []byte, server *radius.ServerPeer) {
	if len(buf) < radius.HeaderSize {
		cr.logger.Warn("reply shorter than header", slog.String("server", server.Config.Name))

		return
	}

	code := buf[0]
	if code != radius.CodeAccessAccept && code != radius.CodeAccessReject && code != radius.CodeAccessChallenge {
		cr.logger.Warn("unexpected reply code", slog.String("server", server.Config.Name), slog.Int("code", int(code)))

		return
	}

	id := buf[1]

	pr, ok := server.Table.Lookup(id)
	if !ok {
		cr.logger.Warn("reply for unknown request id", slog.String("server", server.Config.Name), slog.Int("id", int(id)))

		return
	}

	if pr.Received {
		return
	}

	var sentAuth [16]byte
	copy(sentAuth[:], pr.Buffer[4:20])

	if !radius.VerifyResponseAuthenticator(buf, sentAuth, server.Config.Secret) {
		aerr := &radius.AuthError{Err: radius.ErrResponseAuthenticatorMismatch}
		cr.logger.Warn("response authenticator mismatch", slog.String("server", server.Config.Name), slog.Int("id", int(id)), slog.String("error", aerr.Error()))

		return
	}

	if cr.transport != nil {
		cr.transport.MarkHealthy()
	}

	if pr.IsStatusServer {
		// A Status-Server reply only proves liveness; there is no origin
		// client to relay it to (CONCURRENCY & RESOURCE MODEL, Status-Server).
		server.Table.MarkReceived(id)

		if cr.metrics != nil {
			cr.metrics.SetServerUp(server.Config.Name, true)
			cr.metrics.ObserveStatusServerRTT(server.Config.Name, time.Since(pr.SentAt).Seconds())
		}

		return
	}

	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length > len(buf) {
		length = len(buf)
	}

	if err := radius.ValidateAttributes(buf[radius.HeaderSize:length]); err != nil {
		cr.logger.Warn("reply attribute validation failed", slog.String("server", server.Config.Name), slog.String("error", err.Error()))

		return
	}

	if offset, _, found := radius.FindAttributeValueOffset(buf, radius.AttrMessageAuthenticator); found {
		if !verifySubstitutedMessageAuthenticator(buf, offset, sentAuth, server.Config.Secret) {
			aerr := &radius.AuthError{Err: radius.ErrMessageAuthenticatorMismatch}
			cr.logger.Warn("message-authenticator mismatch", slog.String("server", server.Config.Name), slog.Int("id", int(id)), slog.String("error", aerr.Error()))

			return
		}
	}

	if err := reencryptMPPEAttributes(buf, sentAuth, server.Config.Secret, pr.OriginAuthenticator, originSecret(cr.registry, pr)); err != nil {
		cr.logger.Warn("mppe re-encrypt failed", slog.String("server", server.Config.Name), slog.String("error", err.Error()))

		return
	}

	buf[1] = pr.OriginID
	copy(buf[4:20], pr.OriginAuthenticator[:])

	clientSecret := originSecret(cr.registry, pr)

	if offset, _, found := radius.FindAttributeValueOffset(buf, radius.AttrMessageAuthenticator); found {
		radius.FillMessageAuthenticator(buf, offset, clientSecret)
	}

	radius.SignResponseAuthenticator(buf, clientSecret)

	server.Table.MarkReceived(id)

	client, ok := cr.registry.ClientByName(pr.OriginClient)
	if !ok {
		cr.logger.Warn("origin client no longer configured", slog.String("client", pr.OriginClient))

		return
	}

	if err := client.ReplyQueue.Enqueue(radius.Reply{Buffer: buf, DestAddr: pr.OriginAddress}); err != nil {
		rerr := &radius.ResourceExhaustionError{Err: err}
		cr.logger.Warn("reply queue full, dropping reply", slog.String("client", pr.OriginClient), slog.String("error", rerr.Error()))

		if cr.metrics != nil {
			cr.metrics.IncReplyQueueDrops(pr.OriginClient)
		}

		return
	}

	if cr.metrics != nil {
		cr.metrics.IncRepliesRelayed(pr.OriginClient)
	}
}

func originSecret(registry *radius.PeerRegistry, pr *radius.PendingRequest) []byte {
	client, ok := registry.ClientByName(pr.OriginClient)
	if !ok {
		return nil
	}

	return client.Config.Secret
}

// verifySubstitutedMessageAuthenticator checks a reply's Message-Authenticator
// the way RFC 2869 Section 5.14 requires for responses: the Response
// Authenticator field is temporarily replaced with the Request
// Authenticator that was actually sent, since that is the value the server
// signed over.
func verifySubstitutedMessageAuthenticator(buf []byte, offset int, sentAuth [16]byte, secret []byte) bool {
	var saved [16]byte
	copy(saved[:], buf[4:20])
	copy(buf[4:20], sentAuth[:])

	ok := radius.VerifyMessageAuthenticator(buf, offset, secret)

	copy(buf[4:20], saved[:])

	return ok
}

// reencryptMPPEAttributes walks every Vendor-Specific (26) attribute
// carrying Microsoft vendor-id 311, decrypts each MS-MPPE-Send-Key/Recv-Key
// sub-attribute under the upstream secret and the request authenticator
// actually sent, then re-encrypts it under the downstream client's secret
// and the client's own original request authenticator, rewriting the
// ciphertext in place. Key material length never changes between decrypt
// and encrypt, so no attribute is resized.
func reencryptMPPEAttributes(buf []byte, upstreamAuth [16]byte, upstreamSecret []byte, clientAuth [16]byte, clientSecret []byte) error {
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length > len(buf) {
		length = len(buf)
	}

	pos := radius.HeaderSize

	for pos+2 <= length {
		typ := buf[pos]
		attrLen := int(buf[pos+1])

		if attrLen < 2 || pos+attrLen > length {
			return fmt.Errorf("radius: attribute length %d at offset %d: %w", attrLen, pos, radius.ErrAttributeLengthExceedsPacket)
		}

		if typ == radius.AttrVendorSpecific && attrLen >= 2+4 {
			value := buf[pos+2 : pos+attrLen]
			if err := reencryptVendorSubAttrs(value, upstreamAuth, upstreamSecret, clientAuth, clientSecret); err != nil {
				return err
			}
		}

		pos += attrLen
	}

	return nil
}

func reencryptVendorSubAttrs(value []byte, upstreamAuth [16]byte, upstreamSecret []byte, clientAuth [16]byte, clientSecret []byte) error {
	const vendorIDLen = 4

	vendorID := binary.BigEndian.Uint32(value[0:vendorIDLen])
	if vendorID != 311 {
		return nil
	}

	sub := value[vendorIDLen:]
	pos := 0

	for pos+2 <= len(sub) {
		subType := sub[pos]
		subLen := int(sub[pos+1])

		if subLen < 2 || pos+subLen > len(sub) {
			return fmt.Errorf("radius: vendor sub-attribute length %d: %w", subLen, radius.ErrAttributeLengthExceedsPacket)
		}

		if (subType == 16 || subType == 17) && subLen >= 2+2+16 {
			subValue := sub[pos+2 : pos+subLen]

			var salt [2]byte
			copy(salt[:], subValue[0:2])

			cipher := subValue[2:]

			plain, err := radius.MSMPPEDecrypt(cipher, upstreamSecret, upstreamAuth, salt)
			if err != nil {
				return fmt.Errorf("proxy: mppe decrypt: %w", err)
			}

			reencrypted, err := radius.MSMPPEEncrypt(plain, clientSecret, clientAuth, salt)
			if err != nil {
				return fmt.Errorf("proxy: mppe encrypt: %w", err)
			}

			copy(cipher, reencrypted)
		}

		pos += subLen
	}

	return nil
}
