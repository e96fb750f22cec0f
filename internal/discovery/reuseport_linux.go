//go:build linux

package discovery

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenReusable binds the discovery UDP port with SO_REUSEADDR set, so a
// restarted process (or, on some kernels, a second local instance) doesn't
// fail to bind while the previous socket is in TIME_WAIT.
func listenReusable(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	conn, err := lc.ListenPacket(context.Background(), "udp4", listenAddr(port))
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}
