package config

import (
	"context"
	"net"

	"github.com/benbjohnson/clock"
)

// Dependencies contains injectable dependencies for testing and customization.
// All fields are optional and will use default implementations if nil.
type Dependencies struct {
	TCPDialer      TCPDialerFunc
	TCPListener    TCPListenerFunc
	PacketListener PacketListenerFunc
	Clock          clock.Clock
}

// TCPDialerFunc is a function that dials a TCP connection.
// It returns a net.Conn to allow for mock implementations.
type TCPDialerFunc func(ctx context.Context, network string, laddr, raddr *net.TCPAddr) (net.Conn, error)

// TCPListenerFunc is a function that creates a TCP listener.
// It returns a net.Listener to allow for mock implementations.
type TCPListenerFunc func(network string, laddr *net.TCPAddr) (net.Listener, error)

// PacketListenerFunc is a function that creates a packet listener.
// It returns a net.PacketConn to allow for mock implementations.
type PacketListenerFunc func(network, address string) (net.PacketConn, error)

// GetTCPDialerFunc returns the TCP dialer function from dependencies, or a default implementation.
// If deps is nil or deps.TCPDialer is nil, returns a function that uses net.Dialer.DialContext.
func GetTCPDialerFunc(deps *Dependencies) TCPDialerFunc {
	if deps != nil && deps.TCPDialer != nil {
		return deps.TCPDialer
	}
	return func(ctx context.Context, network string, laddr, raddr *net.TCPAddr) (net.Conn, error) {
		d := net.Dialer{}
		if laddr != nil {
			d.LocalAddr = laddr
		}
		return d.DialContext(ctx, network, raddr.String())
	}
}

// GetTCPListenerFunc returns the TCP listener function from dependencies, or a default implementation.
// If deps is nil or deps.TCPListener is nil, returns a function that uses net.ListenTCP.
func GetTCPListenerFunc(deps *Dependencies) TCPListenerFunc {
	if deps != nil && deps.TCPListener != nil {
		return deps.TCPListener
	}
	return func(network string, laddr *net.TCPAddr) (net.Listener, error) {
		return net.ListenTCP(network, laddr)
	}
}

// GetPacketListenerFunc returns the packet listener function from dependencies, or nil.
// Callers fall back to their own socket setup when nil is returned.
func GetPacketListenerFunc(deps *Dependencies) PacketListenerFunc {
	if deps != nil && deps.PacketListener != nil {
		return deps.PacketListener
	}
	return nil
}

// GetClock returns the injected clock or the wall clock.
func GetClock(deps *Dependencies) clock.Clock {
	if deps != nil && deps.Clock != nil {
		return deps.Clock
	}
	return clock.New()
}
