//go:build windows

package connection

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func control(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		h := windows.Handle(fd)
		serr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
		if serr == nil && network == "tcp6" {
			serr = windows.SetsockoptInt(h, windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 0)
		}
	})
	if err != nil {
		return err
	}
	return serr
}
