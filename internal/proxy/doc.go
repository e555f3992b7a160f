// Package proxy wires the radius package's codec, routing and
// pending-request primitives to real sockets: a TLS session manager with
// reconnect backoff, per-server client sender/receiver loops, and the
// inbound server listener/replier pair that bridges legacy UDP RADIUS and
// RadSec.
package proxy
