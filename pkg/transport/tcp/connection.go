// Package tcp implements the stream transport: an Acceptor serving
// inbound sockets and Dial for outbound ones. Both yield *Connection.
package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lk2023060901/zeus-sub000/pkg/config"
	"github.com/lk2023060901/zeus-sub000/pkg/conn"
	"github.com/lk2023060901/zeus-sub000/pkg/event"
	"github.com/lk2023060901/zeus-sub000/pkg/executor"
	"github.com/lk2023060901/zeus-sub000/pkg/log"
)

// Protocol is the protocol name carried by TCP events.
const Protocol = "TCP"

// ErrSendQueueFull is reported when AsyncSend outpaces the socket.
var ErrSendQueueFull = errors.New("send queue full")

// DefaultHeartbeatPayload is written on every heartbeat unless
// Options.HeartbeatPayload is set.
var DefaultHeartbeatPayload = []byte("PING\n")

// Options configures a Connection.
type Options struct {
	Events   *event.Manager
	Logger   *log.Logger
	Clock    clock.Clock
	Executor executor.Executor

	SendQueue        int
	ReadBuffer       int
	IdleTimeout      time.Duration // 0 disables
	HeartbeatPayload []byte
}

// Connection is a TCP socket wrapped in the connection state machine.
type Connection struct {
	*conn.Base

	nc   net.Conn
	opts Options

	sendq     chan []byte
	closing   chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

var _ conn.Connection = (*Connection)(nil)

// NewConnection wraps nc. The connection starts in state Connecting and
// does no I/O until Start.
func NewConnection(nc net.Conn, opts Options) *Connection {
	if opts.SendQueue <= 0 {
		opts.SendQueue = config.DefaultSendQueue
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = config.DefaultReadBuffer
	}
	if opts.HeartbeatPayload == nil {
		opts.HeartbeatPayload = DefaultHeartbeatPayload
	}

	c := &Connection{
		nc:      nc,
		opts:    opts,
		sendq:   make(chan []byte, opts.SendQueue),
		closing: make(chan struct{}),
	}
	c.Base = conn.NewBase(conn.Params{
		Protocol:    Protocol,
		LocalAddr:   nc.LocalAddr(),
		RemoteAddr:  nc.RemoteAddr(),
		Events:      opts.Events,
		Logger:      opts.Logger,
		Clock:       opts.Clock,
		Executor:    opts.Executor,
		Heartbeater: c,
		Peer:        c,
	})
	return c
}

// Start launches the reader and writer goroutines. Callbacks must be set
// before, data that arrives earlier is not buffered elsewhere.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		select {
		case <-c.closing:
			return
		default:
		}
		go c.readLoop()
		go c.writeLoop()
	})
}

// AsyncSend queues a copy of b. A full queue is a connection error.
func (c *Connection) AsyncSend(b []byte) {
	if c.State().Terminal() {
		c.Logger().DebugMsg("TCP %s: dropping %d bytes, %s", c.ID(), len(b), conn.ErrClosed)
		return
	}

	msg := append([]byte(nil), b...)
	select {
	case c.sendq <- msg:
	default:
		c.HandleError(fmt.Errorf("AsyncSend(%d bytes): %w", len(b), ErrSendQueueFull))
		c.shutdown()
	}
}

// AsyncSendString queues s.
func (c *Connection) AsyncSendString(s string) {
	c.AsyncSend([]byte(s))
}

// SendHeartbeat queues the heartbeat payload.
func (c *Connection) SendHeartbeat() {
	c.AsyncSend(c.opts.HeartbeatPayload)
}

// Close disconnects and closes the socket. It is safe to call more than
// once.
func (c *Connection) Close() error {
	c.UpdateState(conn.Disconnected)
	return c.shutdown()
}

// NetConn returns the wrapped socket.
func (c *Connection) NetConn() net.Conn {
	return c.nc
}

func (c *Connection) shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.Release()
		if cerr := c.nc.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("Close(): %w", cerr)
		}
	})
	return err
}

func (c *Connection) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Connection) readLoop() {
	defer c.shutdown()

	buf := make([]byte, c.opts.ReadBuffer)
	for {
		if c.opts.IdleTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		}

		n, err := c.nc.Read(buf)
		if n > 0 {
			c.HandleDataReceived(append([]byte(nil), buf[:n]...))
		}
		if err == nil {
			continue
		}

		var netErr net.Error
		switch {
		case c.isClosing(), errors.Is(err, io.EOF):
			c.UpdateState(conn.Disconnected)
		case errors.As(err, &netErr) && netErr.Timeout():
			c.HandleIdleTimeout()
		default:
			c.HandleError(fmt.Errorf("Read(): %w", err))
		}
		return
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closing:
			return
		case msg := <-c.sendq:
			if _, err := c.nc.Write(msg); err != nil {
				if !c.isClosing() {
					c.HandleError(fmt.Errorf("Write(): %w", err))
				}
				c.shutdown()
				return
			}
			c.RecordSent(len(msg))
		}
	}
}
