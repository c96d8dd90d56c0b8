//go:build linux

package zk

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// enableKeepAlive turns on TCP keepalive with idle time and probe interval
// both set to period, giving up after three unanswered probes.
func enableKeepAlive(conn *net.TCPConn, period time.Duration) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	secs := int(period / time.Second)
	if secs < 1 {
		secs = 1
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		opts := []struct{ level, name, value int }{
			{unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1},
			{unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs},
			{unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs},
			{unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3},
		}
		for _, opt := range opts {
			if sockErr = unix.SetsockoptInt(int(fd), opt.level, opt.name, opt.value); sockErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
