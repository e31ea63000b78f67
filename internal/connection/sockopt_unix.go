//go:build unix

package connection

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// control enables address reuse and, on IPv6 sockets, accepts IPv4-mapped peers.
func control(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if serr == nil && network == "tcp6" {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
		}
	})
	if err != nil {
		return err
	}
	return serr
}
