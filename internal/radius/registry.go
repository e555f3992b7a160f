package radius

import (
	"context"
	"net/netip"
)

// TransportType distinguishes legacy UDP RADIUS from RADIUS-over-TLS.
type TransportType int

// Transport kinds a peer may be configured with.
const (
	TransportUDP TransportType = iota
	TransportTLS
)

func (t TransportType) String() string {
	if t == TransportTLS {
		return "TLS"
	}

	return "UDP"
}

// PeerConfig is the configuration shared by client and server peers: how
// to reach them (or recognize them) and the shared secret used to sign
// and encrypt everything exchanged with them.
type PeerConfig struct {
	Name      string
	Type      TransportType
	Addresses []netip.AddrPort
	Secret    []byte

	// TLSServerName is matched case-insensitively against the peer
	// certificate's Subject Common Name (TlsSession.verifyConnection).
	// Only meaningful for TransportTLS.
	TLSServerName string
}

// ServerPeer is a configured upstream RADIUS server: its transport
// configuration, its fixed-size pending-request table, and whether this
// proxy probes it with Status-Server keepalives.
type ServerPeer struct {
	Config       PeerConfig
	StatusServer bool
	Table        *RequestTable
}

// NewServerPeer builds a ServerPeer with a fresh 256-slot request table.
func NewServerPeer(cfg PeerConfig, statusServer bool) *ServerPeer {
	return &ServerPeer{
		Config:       cfg,
		StatusServer: statusServer,
		Table:        NewRequestTable(),
	}
}

// ClientPeer is a configured downstream RADIUS client: its transport
// configuration and its bounded reply queue. UDP clients share one
// reply queue (sized clients_count*256); each TLS client owns its own
// (sized 256) since it drains over a dedicated connection.
type ClientPeer struct {
	Config     PeerConfig
	ReplyQueue *ReplyQueue
}

// NewClientPeer builds a ClientPeer using the given reply queue, which
// the caller selects (shared for UDP, per-peer for TLS).
func NewClientPeer(cfg PeerConfig, queue *ReplyQueue) *ClientPeer {
	return &ClientPeer{Config: cfg, ReplyQueue: queue}
}

// Reply is one outbound (buffer, destination) pair awaiting delivery by a
// ServerReplier. DestAddr is the zero value for TLS clients, which are
// written to the peer's single active stream instead of an address.
type Reply struct {
	Buffer   []byte
	DestAddr netip.AddrPort
}

// ReplyQueue is a bounded FIFO of pending replies for one client (or, for
// UDP, shared across all UDP clients). Enqueue on a full queue drops the
// reply (ResourceExhaustion, logged by the caller); Dequeue blocks until
// a reply is available or the context is canceled.
type ReplyQueue struct {
	ch chan Reply
}

// NewReplyQueue allocates a reply queue with the given bound.
func NewReplyQueue(capacity int) *ReplyQueue {
	return &ReplyQueue{ch: make(chan Reply, capacity)}
}

// Enqueue appends r, returning ErrReplyQueueFull if the queue is at
// capacity rather than blocking the caller (the originating
// ClientReceiver must never stall on a stuck client).
func (q *ReplyQueue) Enqueue(r Reply) error {
	select {
	case q.ch <- r:
		return nil
	default:
		return ErrReplyQueueFull
	}
}

// Dequeue blocks until a reply is available or ctx is done.
func (q *ReplyQueue) Dequeue(ctx context.Context) (Reply, error) {
	select {
	case r := <-q.ch:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// PeerRegistry is the read-only, post-startup handle to every configured
// client and server peer, plus the address-based lookup used to identify
// which client peer a given inbound datagram or connection came from. It
// is populated once at startup and never mutated afterward (DESIGN NOTES:
// global registries become read-only values passed into tasks).
type PeerRegistry struct {
	clients map[string]*ClientPeer
	servers map[string]*ServerPeer

	// clientsByAddr maps a configured peer address to the owning client,
	// matching find_peer's source-address lookup. Per the Non-goal
	// "more than one active peer per configured address", each address
	// resolves to exactly one client.
	clientsByAddr map[netip.Addr]*ClientPeer
}

// NewPeerRegistry builds a registry from the fully resolved peer lists.
func NewPeerRegistry(clients []*ClientPeer, servers []*ServerPeer) *PeerRegistry {
	reg := &PeerRegistry{
		clients:       make(map[string]*ClientPeer, len(clients)),
		servers:       make(map[string]*ServerPeer, len(servers)),
		clientsByAddr: make(map[netip.Addr]*ClientPeer),
	}

	for _, c := range clients {
		reg.clients[c.Config.Name] = c
		for _, ap := range c.Config.Addresses {
			reg.clientsByAddr[ap.Addr()] = c
		}
	}

	for _, s := range servers {
		reg.servers[s.Config.Name] = s
	}

	return reg
}

// ClientByName returns the configured client peer with the given name.
func (r *PeerRegistry) ClientByName(name string) (*ClientPeer, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// ServerByName returns the configured server peer with the given name.
func (r *PeerRegistry) ServerByName(name string) (*ServerPeer, bool) {
	s, ok := r.servers[name]
	return s, ok
}

// ClientByAddr resolves the client peer that owns addr, matching an
// inbound datagram's or connection's source address to a configured peer.
func (r *PeerRegistry) ClientByAddr(addr netip.Addr) (*ClientPeer, bool) {
	c, ok := r.clientsByAddr[addr]
	return c, ok
}

// Servers returns every configured server peer, in no particular order.
func (r *PeerRegistry) Servers() []*ServerPeer {
	out := make([]*ServerPeer, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}

	return out
}

// Clients returns every configured client peer, in no particular order.
func (r *PeerRegistry) Clients() []*ClientPeer {
	out := make([]*ClientPeer, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}

	return out
}
