//go:build !linux

package zk

import (
	"net"
	"time"
)

func enableKeepAlive(conn *net.TCPConn, period time.Duration) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	return conn.SetKeepAlivePeriod(period)
}
