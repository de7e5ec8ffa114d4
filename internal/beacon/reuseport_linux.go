//go:build linux

package beacon

import (
	"context"
	"net"
	"strconv"
	"syscall"
)

// soReusePort is SO_REUSEPORT's value on Linux (amd64, arm64, 386, arm);
// the syscall package does not export it for linux.
const soReusePort = 0xf

// listenReusable binds a UDP socket with SO_REUSEADDR and SO_REUSEPORT set,
// so more than one Member on the same host can share the group's gossip
// port.
func listenReusable(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
					ctrlErr = err
					return
				}
				if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, soReusePort, 1); err != nil {
					ctrlErr = err
					return
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
