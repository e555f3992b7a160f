package proxy

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/dantte-lp/radsecproxy/internal/radius"
)

// statusServerJitter bounds the random jitter added on top of
// radius.StatusServerPeriod between keepalive probes (CONCURRENCY &
// RESOURCE MODEL, Timeouts).
const statusServerJitter = 7 * time.Second

// ClientSender owns outbound delivery to one configured upstream server: it
// drains that server's RequestTable, retransmitting and expiring requests
// per its retry policy, and (when enabled) periodically probes the server
// with Status-Server requests.
type ClientSender struct {
	server *radius.ServerPeer
	udp    *net.UDPConn
	tls    *TlsSession
	logger *slog.Logger

	// onSuspect is invoked when a Status-Server probe exhausts its retries,
	// marking the server peer unreachable for metrics/logging purposes.
	onSuspect func(server *radius.ServerPeer)

	metrics Metrics
}

// SetMetrics attaches a metrics sink. Must be called before Run; nil is a
// valid no-op sink (the zero value).
func (cs *ClientSender) SetMetrics(m Metrics) {
	cs.metrics = m
}

// NewUDPClientSender builds a sender that writes to conn, addressing every
// packet to the first of server's configured addresses.
func NewUDPClientSender(server *radius.ServerPeer, conn *net.UDPConn, logger *slog.Logger, onSuspect func(*radius.ServerPeer)) *ClientSender {
	return &ClientSender{server: server, udp: conn, logger: logger, onSuspect: onSuspect}
}

// NewTLSClientSender builds a sender that writes over an established
// TlsSession.
func NewTLSClientSender(server *radius.ServerPeer, session *TlsSession, logger *slog.Logger, onSuspect func(*radius.ServerPeer)) *ClientSender {
	return &ClientSender{server: server, tls: session, logger: logger, onSuspect: onSuspect}
}

// Forward inserts a prepared pending request into the server's table under
// its shared secret. The actual transmission happens on the next sweep,
// triggered by the table's wake signal, so this call never blocks on I/O.
func (cs *ClientSender) Forward(pr *radius.PendingRequest) (uint8, error) {
	id, err := cs.server.Table.Insert(pr, cs.server.Config.Secret)
	if err != nil {
		return 0, fmt.Errorf("proxy: forward to %s: %w", cs.server.Config.Name, &radius.ResourceExhaustionError{Err: err})
	}

	if cs.metrics != nil && !pr.IsStatusServer {
		cs.metrics.IncRequestsForwarded(cs.server.Config.Name)
	}

	return id, nil
}

// Run drives the sweep loop until ctx is canceled: it wakes on new inserts,
// on the table's own next deadline, and on the Status-Server probe
// interval (when the server has one configured).
func (cs *ClientSender) Run(ctx context.Context) error {
	sweepTimer := time.NewTimer(time.Second)
	defer sweepTimer.Stop()

	var statusTimer *time.Timer

	if cs.server.StatusServer {
		statusTimer = time.NewTimer(nextStatusServerInterval())
		defer statusTimer.Stop()
	} else {
		statusTimer = time.NewTimer(time.Hour)
		statusTimer.Stop()
		defer statusTimer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("proxy: sender for %s stopped: %w", cs.server.Config.Name, ctx.Err())

		case <-cs.server.Table.Wake():
			cs.sweepOnce(sweepTimer)

		case <-sweepTimer.C:
			cs.sweepOnce(sweepTimer)

		case <-statusTimer.C:
			cs.sendStatusServerProbe()
			statusTimer.Reset(nextStatusServerInterval())
		}
	}
}

func (cs *ClientSender) sweepOnce(sweepTimer *time.Timer) {
	deadline := cs.server.Table.Sweep(time.Now(), cs.transmit, cs.onStatusServerExpire)

	if !sweepTimer.Stop() {
		select {
		case <-sweepTimer.C:
		default:
		}
	}

	wait := time.Second
	if !deadline.IsZero() {
		if d := time.Until(deadline); d > 0 {
			wait = d
		}
	}

	sweepTimer.Reset(wait)
}

func (cs *ClientSender) transmit(pr *radius.PendingRequest) {
	var err error

	switch {
	case cs.tls != nil:
		if werr := cs.tls.Write(pr.Buffer); werr != nil {
			err = &TransportError{Err: werr}
		}
	case cs.udp != nil:
		addr := cs.server.Config.Addresses
		if len(addr) == 0 {
			err = &TransportError{Err: ErrNoAddresses}
		} else if _, werr := cs.udp.WriteToUDPAddrPort(pr.Buffer, addr[0]); werr != nil {
			err = &TransportError{Err: werr}
		}
	}

	if err != nil {
		cs.logger.Warn("transmit failed",
			slog.String("server", cs.server.Config.Name),
			slog.Int("tries", pr.Tries),
			slog.String("error", err.Error()),
		)
	}
}

func (cs *ClientSender) onStatusServerExpire() {
	cs.logger.Warn("status-server probe exhausted retries, marking peer suspect",
		slog.String("server", cs.server.Config.Name))

	if cs.onSuspect != nil {
		cs.onSuspect(cs.server)
	}
}

func (cs *ClientSender) sendStatusServerProbe() {
	msg := &radius.Message{
		Code:       radius.CodeStatusServer,
		Attributes: []radius.Attribute{{Type: radius.AttrMessageAuthenticator, Value: make([]byte, 16)}},
	}
	if _, err := rand.Read(msg.Authenticator[:]); err != nil {
		cs.logger.Warn("status-server probe: failed to generate authenticator", slog.String("error", err.Error()))

		return
	}

	pr := radius.NewPendingRequest(msg.Encode(), cs.server.Config.Type, true)

	if _, err := cs.Forward(pr); err != nil {
		cs.logger.Warn("status-server probe dropped", slog.String("server", cs.server.Config.Name), slog.String("error", err.Error()))
	}
}

// nextStatusServerInterval returns the base Status-Server period plus 0-7s
// of jitter, avoiding synchronized probes across many servers.
func nextStatusServerInterval() time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(statusServerJitter)))
	if err != nil {
		return radius.StatusServerPeriod
	}

	return radius.StatusServerPeriod + time.Duration(n.Int64())
}
