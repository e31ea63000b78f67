//go:build !unix && !windows

package connection

import "syscall"

func control(network, address string, c syscall.RawConn) error {
	return nil
}
