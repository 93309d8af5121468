package tcp

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Listener is an in-memory net.Listener.
type Listener struct {
	addr     *net.TCPAddr
	incoming chan *Conn
	accepted chan *Conn
	closed   chan struct{}
	once     sync.Once
	network  *Network
}

var _ net.Listener = (*Listener)(nil)

// Accept returns the next dialed connection. After Close it fails with an
// error wrapping net.ErrClosed, as a real listener does.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.incoming:
		select {
		case l.accepted <- c:
		default:
		}
		return c, nil
	case <-l.closed:
		return nil, &net.OpError{Op: "accept", Net: "tcp", Addr: l.addr, Err: net.ErrClosed}
	}
}

// Close unregisters the listener. Connections already accepted stay open.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.closed)

		l.network.mu.Lock()
		delete(l.network.listeners, l.addr.String())
		l.network.mu.Unlock()
	})
	return nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// WaitForAccept waits until Accept has returned a connection.
func (l *Listener) WaitForAccept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.closed:
		return nil, fmt.Errorf("listener closed")
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for connection on %s", l.addr)
	}
}
