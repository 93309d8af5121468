package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"github.com/lk2023060901/zeus-sub000/pkg/config"
	"github.com/lk2023060901/zeus-sub000/pkg/conn"
	"github.com/lk2023060901/zeus-sub000/pkg/event"
	"github.com/lk2023060901/zeus-sub000/pkg/executor"
	"github.com/lk2023060901/zeus-sub000/pkg/log"
)

// Protocol is the protocol name carried by WebSocket events.
const Protocol = "WS"

// Subprotocol is negotiated by the acceptor and by Dial.
const Subprotocol = "bin"

const (
	readLimit   = 1 << 20
	pingTimeout = 10 * time.Second
	closeReason = "closing"
)

// ErrSendQueueFull is reported when AsyncSend outpaces the socket.
var ErrSendQueueFull = errors.New("send queue full")

// Options configures a Connection.
type Options struct {
	Events   *event.Manager
	Logger   *log.Logger
	Clock    clock.Clock
	Executor executor.Executor

	SendQueue   int
	IdleTimeout time.Duration // 0 disables
}

// Connection is a WebSocket carrying one binary message per AsyncSend.
// Heartbeats are WebSocket pings.
type Connection struct {
	*conn.Base

	ws   *websocket.Conn
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	sendq     chan []byte
	closing   chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

var _ conn.Connection = (*Connection)(nil)

// NewConnection wraps an upgraded socket. laddr and raddr describe the
// underlying TCP connection.
func NewConnection(ws *websocket.Conn, laddr, raddr net.Addr, opts Options) *Connection {
	if opts.SendQueue <= 0 {
		opts.SendQueue = config.DefaultSendQueue
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ws:      ws,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		sendq:   make(chan []byte, opts.SendQueue),
		closing: make(chan struct{}),
	}
	c.Base = conn.NewBase(conn.Params{
		Protocol:    Protocol,
		LocalAddr:   laddr,
		RemoteAddr:  raddr,
		Events:      opts.Events,
		Logger:      opts.Logger,
		Clock:       opts.Clock,
		Executor:    opts.Executor,
		Heartbeater: c,
		Peer:        c,
	})
	return c
}

// Start launches the reader and writer goroutines.
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

// AsyncSend queues a copy of b as one binary message.
func (c *Connection) AsyncSend(b []byte) {
	if c.State().Terminal() {
		c.Logger().DebugMsg("WS %s: dropping %d bytes, %s", c.ID(), len(b), conn.ErrClosed)
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

// SendHeartbeat pings the peer in the background. A missing pong is a
// connection error.
func (c *Connection) SendHeartbeat() {
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, pingTimeout)
		defer cancel()
		if err := c.ws.Ping(ctx); err != nil && !c.isClosing() {
			c.HandleError(fmt.Errorf("Ping(): %w", err))
			c.shutdown()
		}
	}()
}

// Close disconnects with a normal closure. It is safe to call more than
// once.
func (c *Connection) Close() error {
	c.UpdateState(conn.Disconnected)
	return c.shutdown()
}

// shutdown never blocks: the closing handshake runs in the background
// since it needs the read loop, which may be the caller.
func (c *Connection) shutdown() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.Release()
		go func() {
			defer c.cancel()
			if err := c.ws.Close(websocket.StatusNormalClosure, closeReason); err != nil {
				c.Logger().DebugMsg("WS %s: Close(): %s", c.ID(), err)
			}
		}()
	})
	return nil
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

	for {
		ctx, cancel := c.ctx, context.CancelFunc(func() {})
		if c.opts.IdleTimeout > 0 {
			ctx, cancel = context.WithTimeout(c.ctx, c.opts.IdleTimeout)
		}
		_, data, err := c.ws.Read(ctx)
		idle := errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			c.HandleDataReceived(data)
			continue
		}

		switch {
		case c.isClosing(), isNormalClose(err):
			c.UpdateState(conn.Disconnected)
		case idle:
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
			if err := c.ws.Write(c.ctx, websocket.MessageBinary, msg); err != nil {
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

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, io.EOF)
}
