// Package format renders addresses and endpoints in a uniform way.
package format

import (
	"net"
	"strconv"
)

// Addr joins host and port, bracketing IPv6 hosts.
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Endpoint returns the key used to identify a peer address, or "" for nil.
// UDP peers are demultiplexed by this string, so it must be stable for
// the same ip:port.
func Endpoint(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.UDPAddr:
		if a == nil {
			return ""
		}
		return Addr(a.IP.String(), a.Port)
	case *net.TCPAddr:
		if a == nil {
			return ""
		}
		return Addr(a.IP.String(), a.Port)
	default:
		return addr.String()
	}
}
