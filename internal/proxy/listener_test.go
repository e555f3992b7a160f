package proxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/radsecproxy/internal/radius"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T, servers []*radius.ServerPeer) (*radius.PeerRegistry, *radius.ClientPeer) {
	t.Helper()

	client := radius.NewClientPeer(radius.PeerConfig{
		Name:      "nas1",
		Type:      radius.TransportUDP,
		Addresses: []netip.AddrPort{netip.MustParseAddrPort("198.51.100.1:1812")},
		Secret:    []byte("clientsecret"),
	}, radius.NewReplyQueue(8))

	reg := radius.NewPeerRegistry([]*radius.ClientPeer{client}, servers)

	return reg, client
}

func newTestListener(t *testing.T, realms []*radius.Realm) (*ServerListener, *radius.PeerRegistry, *radius.ClientPeer) {
	t.Helper()

	var servers []*radius.ServerPeer
	for _, r := range realms {
		if r.Server != nil {
			servers = append(servers, r.Server)
		}
	}

	reg, client := testRegistry(t, servers)
	router := radius.NewRealmRouter(realms)

	senders := make(map[string]*ClientSender)
	for _, s := range servers {
		senders[s.Config.Name] = NewUDPClientSender(s, nil, discardLogger(), nil)
	}

	return NewServerListener(reg, router, senders, discardLogger()), reg, client
}

func encodeAccessRequest(t *testing.T, id uint8, attrs []radius.Attribute) []byte {
	t.Helper()

	var auth [16]byte
	copy(auth[:], []byte("requestauth12345"))

	msg := &radius.Message{Code: radius.CodeAccessRequest, Identifier: id, Authenticator: auth, Attributes: attrs}

	return msg.Encode()
}

func TestHandleRequestUnknownRealmDroppedSilently(t *testing.T) {
	listener, _, client := newTestListener(t, nil)

	buf := encodeAccessRequest(t, 1, []radius.Attribute{{Type: radius.AttrUserName, Value: []byte("eve@unknown.org")}})

	listener.handleRequest(buf, client, netip.MustParseAddrPort("198.51.100.1:1812"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.ReplyQueue.Dequeue(ctx); err == nil {
		t.Fatal("expected no reply for an unknown realm")
	}
}

func TestHandleRequestNullRealmRejects(t *testing.T) {
	re, err := radius.CompilePattern("reject.example.com")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	listener, _, client := newTestListener(t, []*radius.Realm{
		{Pattern: "reject.example.com", Regex: re, Server: nil, RejectMessage: "no access"},
	})

	buf := encodeAccessRequest(t, 2, []radius.Attribute{{Type: radius.AttrUserName, Value: []byte("bob@reject.example.com")}})

	listener.handleRequest(buf, client, netip.MustParseAddrPort("198.51.100.1:1812"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := client.ReplyQueue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected a reject reply, got error: %v", err)
	}

	if reply.Buffer[0] != radius.CodeAccessReject {
		t.Fatalf("expected Access-Reject code, got %d", reply.Buffer[0])
	}

	msg, err := radius.Decode(reply.Buffer)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}

	rm, ok := msg.Attribute(radius.AttrReplyMessage)
	if !ok || string(rm.Value) != "no access" {
		t.Fatalf("expected reply-message 'no access', got %+v ok=%v", rm, ok)
	}
}

func TestHandleRequestStatusServerEchoed(t *testing.T) {
	listener, _, client := newTestListener(t, nil)

	var auth [16]byte
	copy(auth[:], []byte("probeauthenticat"))

	msg := &radius.Message{Code: radius.CodeStatusServer, Identifier: 5, Authenticator: auth}
	buf := msg.Encode()

	listener.handleRequest(buf, client, netip.MustParseAddrPort("198.51.100.1:1812"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := client.ReplyQueue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected status-server echo reply: %v", err)
	}

	if reply.Buffer[0] != radius.CodeAccessAccept || reply.Buffer[1] != 5 {
		t.Fatalf("unexpected echoed reply header: %v", reply.Buffer[:2])
	}

	if !radius.VerifyResponseAuthenticator(reply.Buffer, auth, []byte("clientsecret")) {
		t.Fatal("expected status-server echo to be signed with the client secret")
	}
}

func TestHandleRequestForwardsToMatchedServerWithFreshAuthenticator(t *testing.T) {
	server := radius.NewServerPeer(radius.PeerConfig{
		Name:   "upstream1",
		Type:   radius.TransportUDP,
		Secret: []byte("serversecret"),
	}, false)

	re, err := radius.CompilePattern("example.com")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	listener, _, client := newTestListener(t, []*radius.Realm{{Pattern: "example.com", Regex: re, Server: server}})

	buf := encodeAccessRequest(t, 9, []radius.Attribute{{Type: radius.AttrUserName, Value: []byte("carol@example.com")}})
	origAuth := make([]byte, 16)
	copy(origAuth, buf[4:20])

	listener.handleRequest(buf, client, netip.MustParseAddrPort("198.51.100.1:1812"))

	pr, ok := server.Table.Lookup(0)
	if !ok {
		t.Fatal("expected the forwarded request to occupy slot 0 (first insert)")
	}

	if pr.OriginClient != "nas1" || pr.OriginID != 9 {
		t.Fatalf("unexpected origin tracking: %+v", pr)
	}

	if bytes.Equal(pr.Buffer[4:20], origAuth) {
		t.Fatal("expected a freshly generated request authenticator, not the client's original")
	}
}

func TestHandleRequestDuplicateSuppressed(t *testing.T) {
	server := radius.NewServerPeer(radius.PeerConfig{Name: "upstream1", Type: radius.TransportUDP, Secret: []byte("s")}, false)

	re, err := radius.CompilePattern("example.com")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	listener, _, client := newTestListener(t, []*radius.Realm{{Pattern: "example.com", Regex: re, Server: server}})

	attrs := []radius.Attribute{{Type: radius.AttrUserName, Value: []byte("dave@example.com")}}

	listener.handleRequest(encodeAccessRequest(t, 3, attrs), client, netip.MustParseAddrPort("198.51.100.1:1812"))
	listener.handleRequest(encodeAccessRequest(t, 3, attrs), client, netip.MustParseAddrPort("198.51.100.1:1812"))

	occupied := 0

	for i := range 256 {
		if _, ok := server.Table.Lookup(uint8(i)); ok { //nolint:gosec // test loop bound fits uint8
			occupied++
		}
	}

	if occupied != 1 {
		t.Fatalf("expected exactly one in-flight request after a duplicate, got %d", occupied)
	}
}
