//go:build linux

package proxy

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// deferAcceptSeconds is how long the kernel waits for a client's first bytes
// before handing over the connection anyway.
const deferAcceptSeconds = 10

// controlListener enables TCP_DEFER_ACCEPT on the listening socket.
func controlListener(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, deferAcceptSeconds)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
