package radius

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

func TestReplyQueueEnqueueDequeue(t *testing.T) {
	q := NewReplyQueue(2)
	r := Reply{Buffer: []byte("hi"), DestAddr: netip.MustParseAddrPort("10.0.0.1:1812")}

	if err := q.Enqueue(r); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	if string(got.Buffer) != "hi" {
		t.Fatalf("unexpected buffer: %q", got.Buffer)
	}
}

func TestReplyQueueFullDropsReply(t *testing.T) {
	q := NewReplyQueue(1)

	if err := q.Enqueue(Reply{}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	if err := q.Enqueue(Reply{}); err == nil {
		t.Fatal("expected ErrReplyQueueFull on second enqueue")
	}
}

func TestReplyQueueDequeueContextCanceled(t *testing.T) {
	q := NewReplyQueue(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestPeerRegistryLookups(t *testing.T) {
	addr := netip.MustParseAddr("192.0.2.10")
	client := NewClientPeer(PeerConfig{
		Name:      "nas1",
		Type:      TransportUDP,
		Addresses: []netip.AddrPort{netip.AddrPortFrom(addr, 1812)},
	}, NewReplyQueue(8))

	server := NewServerPeer(PeerConfig{Name: "upstream1", Type: TransportTLS}, true)

	reg := NewPeerRegistry([]*ClientPeer{client}, []*ServerPeer{server})

	if c, ok := reg.ClientByName("nas1"); !ok || c != client {
		t.Fatal("expected to resolve client by name")
	}

	if s, ok := reg.ServerByName("upstream1"); !ok || s != server {
		t.Fatal("expected to resolve server by name")
	}

	if c, ok := reg.ClientByAddr(addr); !ok || c != client {
		t.Fatal("expected to resolve client by address")
	}

	if _, ok := reg.ClientByName("nope"); ok {
		t.Fatal("expected lookup miss for unconfigured client")
	}

	if len(reg.Servers()) != 1 || len(reg.Clients()) != 1 {
		t.Fatal("expected registry to expose exactly one server and one client")
	}
}

func TestTransportTypeString(t *testing.T) {
	if TransportUDP.String() != "UDP" || TransportTLS.String() != "TLS" {
		t.Fatal("unexpected TransportType string representation")
	}
}
