package tcp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lk2023060901/zeus-sub000/pkg/config"
	"github.com/lk2023060901/zeus-sub000/pkg/conn"
	"github.com/lk2023060901/zeus-sub000/pkg/event"
	"github.com/lk2023060901/zeus-sub000/pkg/executor"
	"github.com/lk2023060901/zeus-sub000/pkg/log"
	"github.com/lk2023060901/zeus-sub000/pkg/transport"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// ConnectionFactory builds the connection for an accepted socket.
type ConnectionFactory func(nc net.Conn, opts Options) *Connection

// Acceptor listens on a TCP address and hands every accepted socket to a
// handler as a *Connection.
type Acceptor struct {
	cfg    config.TCP
	events *event.Manager
	logger *log.Logger
	deps   *config.Dependencies
	clock  clock.Clock

	mu       sync.Mutex
	nl       net.Listener
	done     chan struct{}
	factory  ConnectionFactory
	exec     executor.Executor
	maxConns int
	running  atomic.Bool

	count atomic.Int64
}

var _ transport.Acceptor = (*Acceptor)(nil)

// NewAcceptor creates a stopped acceptor for cfg.
func NewAcceptor(cfg config.TCP, events *event.Manager, logger *log.Logger, deps *config.Dependencies) *Acceptor {
	return &Acceptor{
		cfg:      cfg,
		events:   events,
		logger:   logger,
		deps:     deps,
		clock:    config.GetClock(deps),
		factory:  NewConnection,
		maxConns: cfg.MaxConnections,
	}
}

// Protocol returns "TCP".
func (a *Acceptor) Protocol() string { return Protocol }

// Start binds the configured address and accepts in the background.
func (a *Acceptor) Start(handler transport.Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running.Load() {
		return transport.ErrRunning
	}

	laddr, err := net.ResolveTCPAddr("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("net.ResolveTCPAddr(tcp, %s): %w", a.cfg.Addr, err)
	}

	listen := config.GetTCPListenerFunc(a.deps)
	nl, err := listen("tcp", laddr)
	if err != nil {
		return fmt.Errorf("listen(tcp, %s): %w", a.cfg.Addr, err)
	}

	a.nl = nl
	a.done = make(chan struct{})
	a.running.Store(true)

	a.logger.InfoMsg("TCP acceptor listening on %s", nl.Addr())
	go a.serve(nl, a.done, handler, a.factory, a.maxConns)
	return nil
}

// Stop closes the listener. Accepted connections are not touched.
func (a *Acceptor) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running.Swap(false) {
		return nil
	}
	close(a.done)

	if err := a.nl.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("Close(): %w", err)
	}
	a.logger.InfoMsg("TCP acceptor on %s stopped", a.nl.Addr())
	return nil
}

// SetMaxConnections sets the live connection ceiling, 0 means unlimited.
func (a *Acceptor) SetMaxConnections(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running.Load() {
		return transport.ErrRunning
	}
	a.maxConns = n
	return nil
}

// SetConnectionFactory replaces NewConnection.
func (a *Acceptor) SetConnectionFactory(fn ConnectionFactory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running.Load() {
		return transport.ErrRunning
	}
	if fn == nil {
		fn = NewConnection
	}
	a.factory = fn
	return nil
}

// SetExecutor makes data events of accepted connections asynchronous.
func (a *Acceptor) SetExecutor(exec executor.Executor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running.Load() {
		return transport.ErrRunning
	}
	a.exec = exec
	return nil
}

// IsRunning reports whether the acceptor is serving.
func (a *Acceptor) IsRunning() bool {
	return a.running.Load()
}

// ConnectionCount returns the number of accepted connections not yet
// closed.
func (a *Acceptor) ConnectionCount() int {
	return int(a.count.Load())
}

// Addr returns the bound address, nil before Start.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nl == nil {
		return nil
	}
	return a.nl.Addr()
}

func (a *Acceptor) serve(nl net.Listener, done chan struct{}, handler transport.Handler, factory ConnectionFactory, maxConns int) {
	var backoff time.Duration
	for {
		nc, err := nl.Accept()
		if err != nil {
			if !a.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			backoff = nextBackoff(backoff)
			a.logger.ErrorMsg("TCP Accept(): %s, retrying in %s", err, backoff)
			select {
			case <-done:
				return
			case <-a.clock.After(backoff):
			}
			continue
		}
		backoff = 0

		if !a.running.Load() {
			nc.Close()
			return
		}
		if maxConns > 0 && a.count.Load() >= int64(maxConns) {
			a.logger.DebugMsg("TCP %s rejected: %d connections", nc.RemoteAddr(), maxConns)
			nc.Close()
			continue
		}

		a.accept(nc, handler, factory)
	}
}

func (a *Acceptor) accept(nc net.Conn, handler transport.Handler, factory ConnectionFactory) {
	c := factory(nc, Options{
		Events:      a.events,
		Logger:      a.logger,
		Clock:       a.clock,
		Executor:    a.exec,
		SendQueue:   a.cfg.SendQueue,
		ReadBuffer:  a.cfg.ReadBuffer,
		IdleTimeout: a.cfg.IdleTimeout.Duration,
	})

	a.count.Add(1)
	go func() {
		<-c.Done()
		a.count.Add(-1)
	}()

	if a.cfg.Heartbeat.Enabled {
		c.SetHeartbeat(true, a.cfg.Heartbeat.Interval.Or(config.DefaultHeartbeatInterval))
	}
	c.UpdateState(conn.Connected)

	go func() {
		defer c.Start()
		defer func() {
			if r := recover(); r != nil {
				a.logger.ErrorMsg("TCP handler for %s panicked: %v", c.ID(), r)
			}
		}()
		if handler != nil {
			handler(c)
		}
	}()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return d
}
