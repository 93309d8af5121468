// Package udp provides an in-memory UDP network for tests. PacketConns
// created by ListenPacket exchange datagrams through buffered channels;
// datagrams to unknown addresses or full queues are dropped, as on a real
// network.
package udp

import (
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	firstEphemeralPort = 50000
	queueLen           = 256
)

// Network simulates a UDP network.
type Network struct {
	mu       sync.Mutex
	conns    map[string]*PacketConn
	nextPort int
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		conns:    make(map[string]*PacketConn),
		nextPort: firstEphemeralPort,
	}
}

// ListenPacket matches config.PacketListenerFunc. Port 0 picks a free
// port, an unspecified host becomes 127.0.0.1.
func (n *Network) ListenPacket(network, address string) (net.PacketConn, error) {
	return n.Listen(network, address)
}

// Listen is ListenPacket returning the concrete type.
func (n *Network) Listen(network, address string) (*PacketConn, error) {
	if network != "udp" && network != "udp4" {
		return nil, fmt.Errorf("unsupported network type: %s", network)
	}
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	addr := &net.UDPAddr{IP: laddr.IP, Port: laddr.Port}
	if addr.IP == nil || addr.IP.IsUnspecified() {
		addr.IP = net.IPv4(127, 0, 0, 1)
	}
	if addr.Port == 0 {
		addr.Port = n.nextPort
		n.nextPort++
	}

	key := addr.String()
	if _, exists := n.conns[key]; exists {
		return nil, fmt.Errorf("address already in use: %s", key)
	}

	pc := &PacketConn{
		addr:    addr,
		packets: make(chan packet, queueLen),
		closed:  make(chan struct{}),
		network: n,
	}
	n.conns[key] = pc
	return pc, nil
}

func (n *Network) deliver(from *net.UDPAddr, to string, data []byte) {
	n.mu.Lock()
	dst, ok := n.conns[to]
	n.mu.Unlock()
	if !ok {
		return
	}

	p := packet{data: append([]byte(nil), data...), from: from}
	select {
	case dst.packets <- p:
	case <-dst.closed:
	default: // queue full, dropped
	}
}

type packet struct {
	data []byte
	from *net.UDPAddr
}

// PacketConn is an in-memory net.PacketConn.
type PacketConn struct {
	addr    *net.UDPAddr
	packets chan packet
	closed  chan struct{}
	once    sync.Once
	network *Network

	mu       sync.Mutex
	deadline time.Time
	writeErr error
	written  int
}

var _ net.PacketConn = (*PacketConn)(nil)

// ReadFrom returns the next datagram. It honors the read deadline and
// fails with net.ErrClosed after Close.
func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, timeoutError{}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case pkt := <-c.packets:
		return copy(p, pkt.data), pkt.from, nil
	case <-c.closed:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Addr: c.addr, Err: net.ErrClosed}
	case <-timeout:
		return 0, nil, timeoutError{}
	}
}

// WriteTo delivers p to the PacketConn bound to addr.
func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, &net.OpError{Op: "write", Net: "udp", Addr: addr, Err: net.ErrClosed}
	default:
	}

	c.mu.Lock()
	err := c.writeErr
	if err == nil {
		c.written++
	}
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	c.network.deliver(c.addr, addr.String(), p)
	return len(p), nil
}

// SetWriteError makes every following WriteTo fail with err. nil restores
// normal operation.
func (c *PacketConn) SetWriteError(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Written returns the number of successful writes.
func (c *PacketConn) Written() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Recv reads one datagram or fails after timeout.
func (c *PacketConn) Recv(timeout time.Duration) ([]byte, net.Addr, error) {
	c.SetReadDeadline(time.Now().Add(timeout))
	defer c.SetReadDeadline(time.Time{})

	buf := make([]byte, 64*1024)
	n, from, err := c.ReadFrom(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], from, nil
}

// Close unbinds the address.
func (c *PacketConn) Close() error {
	c.once.Do(func() {
		close(c.closed)

		c.network.mu.Lock()
		delete(c.network.conns, c.addr.String())
		c.network.mu.Unlock()
	})
	return nil
}

func (c *PacketConn) LocalAddr() net.Addr { return c.addr }

func (c *PacketConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *PacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op, writes never block.
func (c *PacketConn) SetWriteDeadline(time.Time) error {
	return nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
