package kcp

import (
	"context"
	"net"
	"syscall"
)

// listenUDP binds a UDP socket with SO_REUSEADDR set.
func listenUDP(network, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = setReuseAddr(fd)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	return lc.ListenPacket(context.Background(), network, address)
}
