//go:build linux

package main

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenUDPReuseAddr opens the inbound UDP socket with SO_REUSEADDR set,
// the same syscall.RawConn Control pattern the teacher's netio package
// uses for its sender sockets, so the proxy can rebind its listen address
// promptly across restarts.
func listenUDPReuseAddr(addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error

			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1) //nolint:gosec // G115: fd is always a small non-negative descriptor
			})
			if err != nil {
				return fmt.Errorf("raw conn control: %w", err)
			}

			if sockErr != nil {
				return fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
			}

			return nil
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()

		return nil, fmt.Errorf("unexpected packet conn type for %s", addr)
	}

	return conn, nil
}
