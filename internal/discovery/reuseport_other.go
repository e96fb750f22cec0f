//go:build !linux

package discovery

import (
	"context"
	"net"
)

// listenReusable binds the discovery UDP port without SO_REUSEADDR: the
// socket-option control hook this needs is Linux-specific (see
// reuseport_linux.go). A single instance per host still works fine; a
// restarted process just has to wait out TIME_WAIT like any other socket.
func listenReusable(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{}
	conn, err := lc.ListenPacket(context.Background(), "udp4", listenAddr(port))
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}
