// Package ws implements the WebSocket transport: an HTTP server that
// upgrades requests on one path and hands each socket to a handler as a
// *Connection.
package ws

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"github.com/lk2023060901/zeus-sub000/pkg/config"
	"github.com/lk2023060901/zeus-sub000/pkg/conn"
	"github.com/lk2023060901/zeus-sub000/pkg/event"
	"github.com/lk2023060901/zeus-sub000/pkg/executor"
	"github.com/lk2023060901/zeus-sub000/pkg/log"
	"github.com/lk2023060901/zeus-sub000/pkg/semaphore"
	"github.com/lk2023060901/zeus-sub000/pkg/transport"
)

const readHeaderTimeout = 10 * time.Second

// Acceptor serves WebSocket upgrades on cfg.Addr and cfg.Path.
type Acceptor struct {
	cfg    config.WS
	events *event.Manager
	logger *log.Logger
	deps   *config.Dependencies
	clock  clock.Clock

	mu       sync.Mutex
	nl       net.Listener
	server   *http.Server
	exec     executor.Executor
	maxConns int
	running  atomic.Bool

	count atomic.Int64
}

var _ transport.Acceptor = (*Acceptor)(nil)

// NewAcceptor creates a stopped acceptor for cfg.
func NewAcceptor(cfg config.WS, events *event.Manager, logger *log.Logger, deps *config.Dependencies) *Acceptor {
	if cfg.Path == "" {
		cfg.Path = config.DefaultWSPath
	}
	return &Acceptor{
		cfg:      cfg,
		events:   events,
		logger:   logger,
		deps:     deps,
		clock:    config.GetClock(deps),
		maxConns: cfg.MaxConnections,
	}
}

// Protocol returns "WS".
func (a *Acceptor) Protocol() string { return Protocol }

// Start binds the configured address and serves HTTP in the background.
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

	mux := http.NewServeMux()
	mux.Handle(a.cfg.Path, a.upgradeHandler(handler, semaphore.New(a.maxConns)))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	a.nl = nl
	a.server = server
	a.running.Store(true)

	a.logger.InfoMsg("WS acceptor listening on ws://%s%s", nl.Addr(), a.cfg.Path)
	go a.serve(server, nl)
	return nil
}

// Stop closes the listener. Upgraded connections are not touched.
func (a *Acceptor) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running.Swap(false) {
		return nil
	}

	if err := a.server.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("Close(): %w", err)
	}
	a.logger.InfoMsg("WS acceptor on %s stopped", a.nl.Addr())
	return nil
}

// SetMaxConnections sets the live connection ceiling, 0 means unlimited.
// Requests beyond it get 503.
func (a *Acceptor) SetMaxConnections(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running.Load() {
		return transport.ErrRunning
	}
	a.maxConns = n
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

// ConnectionCount returns the number of upgraded connections not yet
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

// URL returns the ws:// URL clients dial, empty before Start.
func (a *Acceptor) URL() string {
	addr := a.Addr()
	if addr == nil {
		return ""
	}
	return "ws://" + addr.String() + a.cfg.Path
}

func (a *Acceptor) serve(server *http.Server, nl net.Listener) {
	if err := server.Serve(nl); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.ErrorMsg("WS Serve(): %s", err)
	}
}

// upgradeHandler holds a semaphore slot for the lifetime of each
// connection. The HTTP handler returns once the connection is done.
func (a *Acceptor) upgradeHandler(handler transport.Handler, sem *semaphore.Semaphore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sem.TryAcquire() {
			a.logger.DebugMsg("WS %s rejected: %d connections", r.RemoteAddr, a.maxConns)
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		defer sem.Release()

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			a.logger.ErrorMsg("websocket.Accept(): %s", err)
			return
		}

		c := a.accept(ws, r, handler)
		<-c.Done()
	}
}

func (a *Acceptor) accept(ws *websocket.Conn, r *http.Request, handler transport.Handler) *Connection {
	var laddr net.Addr
	if v, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		laddr = v
	}
	raddr, _ := net.ResolveTCPAddr("tcp", r.RemoteAddr)

	c := NewConnection(ws, laddr, tcpAddrOrNil(raddr), Options{
		Events:      a.events,
		Logger:      a.logger,
		Clock:       a.clock,
		Executor:    a.exec,
		SendQueue:   a.cfg.SendQueue,
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

	func() {
		defer c.Start()
		defer func() {
			if r := recover(); r != nil {
				a.logger.ErrorMsg("WS handler for %s panicked: %v", c.ID(), r)
			}
		}()
		if handler != nil {
			handler(c)
		}
	}()
	return c
}

// tcpAddrOrNil keeps a nil *net.TCPAddr from becoming a non-nil net.Addr.
func tcpAddrOrNil(addr *net.TCPAddr) net.Addr {
	if addr == nil {
		return nil
	}
	return addr
}
