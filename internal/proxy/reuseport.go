package proxy

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseportControl sets SO_REUSEPORT on the listening socket before bind,
// letting several listener goroutines share one address so the kernel load
// balances incoming SYNs across accept loops, per SPEC_FULL.md §4.7.
func reuseportControl(_ string, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
