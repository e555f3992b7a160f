package radius

import (
	"net/netip"
	"sync"
	"time"
)

// tableSize is the fixed request table capacity (DESIGN NOTES: kept
// deliberately, since the slot index doubles as the outbound RADIUS
// identifier).
const tableSize = 256

// UDP retry policy (RequestTable, Retry policy).
const (
	udpRetryLimit     = 3
	udpTotalExpiry    = 20 * time.Second
	udpPerTryInterval = udpTotalExpiry / udpRetryLimit
)

// TLS (and Status-Server) retry policy: one attempt, then drop.
const (
	tlsRetryLimit     = 1
	tlsTotalExpiry    = 20 * time.Second
	tlsPerTryInterval = tlsTotalExpiry
)

// StatusServerPeriod is the base interval between Status-Server keepalive
// probes; ClientSender adds 0..7s of jitter on top (CONCURRENCY & RESOURCE
// MODEL, Timeouts).
const StatusServerPeriod = 25 * time.Second

// PendingRequest is one in-flight forwarded request, identified by its
// slot in a ServerPeer's RequestTable (which equals the outbound RADIUS
// identifier).
type PendingRequest struct {
	// Buffer is the fully-formed outbound packet. Its header byte 1
	// (identifier) is overwritten with the slot index on insert.
	Buffer []byte

	// OriginClient is the client peer that sent the original request, by
	// name (an opaque id into the registry, never a pointer, per DESIGN
	// NOTES — avoids cyclic ownership between the request table and the
	// client registry).
	OriginClient string

	OriginID            uint8
	OriginAuthenticator [16]byte

	// OriginAddress is the source UDP address; the zero value means the
	// origin was a TLS client (no per-datagram address to reply to).
	OriginAddress    netip.AddrPort
	OriginIsTLS      bool
	IsStatusServer   bool

	// SentAt is stamped at construction, before the first transmit. A
	// successful Status-Server reply reports its round-trip time as
	// time.Since(SentAt).
	SentAt time.Time

	Tries   int
	Expiry  time.Time
	Received bool

	retryLimit     int
	perTryInterval time.Duration
}

// NewPendingRequest builds a PendingRequest with the retry policy implied
// by the owning server's transport and whether this is a Status-Server
// probe (RequestTable, Retry policy: Status-Server always behaves like
// TLS — one attempt, then the peer is suspect).
func NewPendingRequest(buf []byte, serverType TransportType, isStatusServer bool) *PendingRequest {
	pr := &PendingRequest{Buffer: buf, IsStatusServer: isStatusServer, SentAt: time.Now()}

	if serverType == TransportTLS || isStatusServer {
		pr.retryLimit = tlsRetryLimit
		pr.perTryInterval = tlsPerTryInterval
	} else {
		pr.retryLimit = udpRetryLimit
		pr.perTryInterval = udpPerTryInterval
	}

	return pr
}

// RequestTable is a ServerPeer's fixed-capacity table of in-flight
// requests, indexed by outbound RADIUS identifier. The slot index IS the
// identifier (RequestTable, opening paragraph): insert, lookup, sweep and
// duplicate suppression all key off it.
type RequestTable struct {
	mu     sync.Mutex
	slots  [tableSize]*PendingRequest
	nextID int
	wake   chan struct{}
}

// NewRequestTable allocates an empty table with its wake signal channel.
func NewRequestTable() *RequestTable {
	return &RequestTable{wake: make(chan struct{}, 1)}
}

// Wake returns the channel a ClientSender selects on to be notified of
// newly inserted work (CONCURRENCY & RESOURCE MODEL: the sender's
// newrq_signal condition, realized here as a single-slot notification
// channel rather than a condvar — DESIGN NOTES explicitly allows either).
func (t *RequestTable) Wake() <-chan struct{} {
	return t.wake
}

func (t *RequestTable) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Insert scans from nextID forward, wrapping to scan 0..nextID, for a
// free slot. On success it stores pr, stamps pr.Buffer[1] with the chosen
// id, fills the Message-Authenticator attribute (if present) under
// secret, advances nextID, wakes the sender, and returns the id. On
// failure every slot is occupied: the request is dropped and
// ErrRequestTableFull returned.
func (t *RequestTable) Insert(pr *PendingRequest, secret []byte) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := -1

	for i := range tableSize {
		idx := (t.nextID + i) % tableSize
		if t.slots[idx] == nil {
			id = idx

			break
		}
	}

	if id == -1 {
		return 0, ErrRequestTableFull
	}

	pr.Buffer[1] = byte(id)

	if offset, _, ok := FindAttributeValueOffset(pr.Buffer, AttrMessageAuthenticator); ok {
		FillMessageAuthenticator(pr.Buffer, offset, secret)
	}

	t.slots[id] = pr
	t.nextID = (id + 1) % tableSize
	t.signal()

	return uint8(id), nil //nolint:gosec // G115: id bounded by tableSize (256)
}

// LookupByOrigin reports whether a request from (originClient, origID) is
// already in flight, for the sender-side duplicate suppression described
// in RequestTable, "Duplicate suppression".
func (t *RequestTable) LookupByOrigin(originClient string, origID uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pr := range t.slots {
		if pr != nil && pr.OriginClient == originClient && pr.OriginID == origID {
			return true
		}
	}

	return false
}

// Lookup returns the pending request at id, if any slot is occupied there.
func (t *RequestTable) Lookup(id uint8) (*PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pr := t.slots[id]

	return pr, pr != nil
}

// MarkReceived flags the slot at id as answered. The slot itself is freed
// later, by Sweep, matching the original's "once received=1, the slot may
// be reused" comment.
func (t *RequestTable) MarkReceived(id uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pr := t.slots[id]; pr != nil {
		pr.Received = true
	}
}

// Sweep walks every occupied slot and applies the RequestTable retry
// policy: free received slots, skip slots not yet due, free and report
// expired slots that exhausted their retry limit (invoking onExpire for
// Status-Server expiries, so the caller can mark the peer suspect), and
// retransmit (via transmit) slots that are due for another try. It
// returns the earliest deadline across all slots still occupied after the
// sweep, or the zero Time if none remain.
func (t *RequestTable) Sweep(now time.Time, transmit func(pr *PendingRequest), onExpireStatusServer func()) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	var deadline time.Time

	for i, pr := range t.slots {
		if pr == nil {
			continue
		}

		switch {
		case pr.Received:
			t.slots[i] = nil
		case now.Before(pr.Expiry):
			deadline = earliest(deadline, pr.Expiry)
		case pr.Tries >= pr.retryLimit:
			if pr.IsStatusServer && onExpireStatusServer != nil {
				onExpireStatusServer()
			}

			t.slots[i] = nil
		default:
			pr.Tries++
			pr.Expiry = now.Add(pr.perTryInterval)
			deadline = earliest(deadline, pr.Expiry)

			if transmit != nil {
				transmit(pr)
			}
		}
	}

	return deadline
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}

	return a
}
