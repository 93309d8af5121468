// Package tcp provides an in-memory TCP network for tests. Listeners and
// dialers are plugged into config.Dependencies; connections are net.Pipe
// pairs carrying mock TCP addresses.
package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

const firstEphemeralPort = 40000

// Network simulates a TCP network without sockets.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
	changed   *sync.Cond
	nextPort  int
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	n := &Network{
		listeners: make(map[string]*Listener),
		nextPort:  firstEphemeralPort,
	}
	n.changed = sync.NewCond(&n.mu)
	return n
}

// ListenTCP matches config.TCPListenerFunc. Port 0 picks a free port.
func (n *Network) ListenTCP(network string, laddr *net.TCPAddr) (net.Listener, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("unsupported network type: %s", network)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	addr := &net.TCPAddr{IP: laddr.IP, Port: laddr.Port, Zone: laddr.Zone}
	if addr.IP == nil {
		addr.IP = net.IPv4(127, 0, 0, 1)
	}
	if addr.Port == 0 {
		addr.Port = n.ephemeralPortLocked()
	}

	key := addr.String()
	if _, exists := n.listeners[key]; exists {
		return nil, fmt.Errorf("address already in use: %s", key)
	}

	l := &Listener{
		addr:     addr,
		incoming: make(chan *Conn, 16),
		accepted: make(chan *Conn, 16),
		closed:   make(chan struct{}),
		network:  n,
	}
	n.listeners[key] = l
	n.changed.Broadcast()
	return l, nil
}

// DialTCP connects to a listener on raddr.
func (n *Network) DialTCP(network string, laddr, raddr *net.TCPAddr) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("unsupported network type: %s", network)
	}

	n.mu.Lock()
	l, exists := n.listeners[raddr.String()]
	if laddr == nil {
		laddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.ephemeralPortLocked()}
	}
	n.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("connection refused: no listener on %s", raddr)
	}

	client, server := net.Pipe()
	clientConn := &Conn{Conn: client, local: laddr, remote: raddr}
	serverConn := &Conn{Conn: server, local: raddr, remote: laddr}

	select {
	case l.incoming <- serverConn:
		return clientConn, nil
	case <-l.closed:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("connection refused: listener closed")
	case <-time.After(time.Second):
		client.Close()
		server.Close()
		return nil, fmt.Errorf("connection timeout")
	}
}

// DialTCPContext matches config.TCPDialerFunc.
func (n *Network) DialTCPContext(ctx context.Context, network string, laddr, raddr *net.TCPAddr) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.DialTCP(network, laddr, raddr)
}

// Dial resolves addr and connects to it.
func (n *Network) Dial(addr string) (net.Conn, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return n.DialTCP("tcp", nil, raddr)
}

// WaitForListener blocks until a listener exists on addr or timeout has
// passed.
func (n *Network) WaitForListener(addr string, timeout time.Duration) (*Listener, error) {
	deadline := time.Now().Add(timeout)

	n.mu.Lock()
	defer n.mu.Unlock()

	for {
		if l, exists := n.listeners[addr]; exists {
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for listener on %s", addr)
		}

		// wake up periodically to re-check the deadline
		go func() {
			time.Sleep(20 * time.Millisecond)
			n.changed.Broadcast()
		}()
		n.changed.Wait()
	}
}

func (n *Network) ephemeralPortLocked() int {
	p := n.nextPort
	n.nextPort++
	return p
}
