// Package kcp implements reliable sessions over a single UDP socket. The
// Acceptor runs a small handshake to assign each peer a conversation id,
// demultiplexes datagrams by sender, drives every session engine on a
// fixed tick and reaps dead sessions on a slower sweep.
package kcp

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
	"github.com/lk2023060901/zeus-sub000/pkg/format"
	"github.com/lk2023060901/zeus-sub000/pkg/log"
	"github.com/lk2023060901/zeus-sub000/pkg/transport"
)

const (
	maxDatagram      = 64 * 1024
	readErrorBackoff = 5 * time.Millisecond
)

// Acceptor serves KCP sessions on one UDP socket.
type Acceptor struct {
	cfg    config.KCP
	events *event.Manager
	logger *log.Logger
	deps   *config.Dependencies
	clock  clock.Clock

	mu      sync.Mutex // Start/Stop and the fields below
	pc      net.PacketConn
	done    chan struct{}
	exec    executor.Executor
	engines EngineFactory
	running atomic.Bool

	maxConns        atomic.Int64
	tickInterval    atomic.Int64
	cleanupInterval atomic.Int64
	idleTimeout     atomic.Int64

	// hsMu orders handshakes against the sweep and Stop, so a session
	// is never reaped or cleared while it is being set up.
	hsMu     sync.Mutex
	sessions *sessionTable
	pool     *convPool
}

var _ transport.Acceptor = (*Acceptor)(nil)

// NewAcceptor creates a stopped acceptor for cfg.
func NewAcceptor(cfg config.KCP, events *event.Manager, logger *log.Logger, deps *config.Dependencies) *Acceptor {
	if cfg.Magic == 0 {
		cfg.Magic = config.DefaultMagic
	}
	a := &Acceptor{
		cfg:      cfg,
		events:   events,
		logger:   logger,
		deps:     deps,
		clock:    config.GetClock(deps),
		engines:  NewEngine,
		sessions: newSessionTable(),
		pool:     newConvPool(),
	}
	a.SetMaxConnections(cfg.MaxConnections)
	a.SetTickInterval(cfg.TickInterval.Duration)
	a.SetCleanupInterval(cfg.CleanupInterval.Duration)
	a.SetIdleTimeout(cfg.IdleTimeout.Duration)
	return a
}

// Protocol returns "KCP".
func (a *Acceptor) Protocol() string { return Protocol }

// Start binds the UDP socket and starts the read, tick and sweep loops.
// handler runs on the read goroutine and must not block.
func (a *Acceptor) Start(handler transport.Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running.Load() {
		return transport.ErrRunning
	}

	if _, err := net.ResolveUDPAddr("udp", a.cfg.Addr); err != nil {
		return fmt.Errorf("net.ResolveUDPAddr(udp, %s): %w", a.cfg.Addr, err)
	}

	listen := config.GetPacketListenerFunc(a.deps)
	if listen == nil {
		listen = listenUDP
	}
	pc, err := listen("udp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen(udp, %s): %w", a.cfg.Addr, err)
	}

	opts := Options{
		Events:        a.events,
		Logger:        a.logger,
		Clock:         a.clock,
		Executor:      a.exec,
		EngineFactory: a.engines,
	}

	a.pc = pc
	a.done = make(chan struct{})
	a.running.Store(true)

	go a.readLoop(pc, a.done, handler, opts)
	go a.every(a.done, a.TickInterval, a.tick)
	go a.every(a.done, a.CleanupInterval, a.sweep)

	a.logger.InfoMsg("KCP acceptor listening on %s", pc.LocalAddr())
	return nil
}

// Stop closes the socket and forgets every session. Sessions are
// released (their heartbeat is cancelled) but get no close event.
func (a *Acceptor) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running.Swap(false) {
		return nil
	}
	close(a.done)

	var err error
	if cerr := a.pc.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = fmt.Errorf("Close(): %w", cerr)
	}

	a.hsMu.Lock()
	for _, s := range a.sessions.clear() {
		s.Release()
	}
	a.pool.Reset()
	a.hsMu.Unlock()

	a.logger.InfoMsg("KCP acceptor on %s stopped", a.pc.LocalAddr())
	return err
}

// SetMaxConnections sets the session ceiling, 0 means unlimited. It
// applies to the next handshake.
func (a *Acceptor) SetMaxConnections(n int) {
	a.maxConns.Store(int64(n))
}

// SetTickInterval sets the engine update period, applied from the next
// tick.
func (a *Acceptor) SetTickInterval(d time.Duration) {
	if d <= 0 {
		d = config.DefaultTickInterval
	}
	a.tickInterval.Store(int64(d))
}

// SetCleanupInterval sets the sweep period, applied from the next sweep.
func (a *Acceptor) SetCleanupInterval(d time.Duration) {
	if d <= 0 {
		d = config.DefaultCleanupInterval
	}
	a.cleanupInterval.Store(int64(d))
}

// SetIdleTimeout sets how long a session may stay silent before the
// sweep disconnects it. 0 disables expiry.
func (a *Acceptor) SetIdleTimeout(d time.Duration) {
	a.idleTimeout.Store(int64(d))
}

// SetEngineFactory replaces NewEngine for new sessions.
func (a *Acceptor) SetEngineFactory(fn EngineFactory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running.Load() {
		return transport.ErrRunning
	}
	if fn == nil {
		fn = NewEngine
	}
	a.engines = fn
	return nil
}

// SetExecutor makes data events of accepted sessions asynchronous.
func (a *Acceptor) SetExecutor(exec executor.Executor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running.Load() {
		return transport.ErrRunning
	}
	a.exec = exec
	return nil
}

func (a *Acceptor) MaxConnections() int              { return int(a.maxConns.Load()) }
func (a *Acceptor) TickInterval() time.Duration      { return time.Duration(a.tickInterval.Load()) }
func (a *Acceptor) CleanupInterval() time.Duration   { return time.Duration(a.cleanupInterval.Load()) }
func (a *Acceptor) IdleTimeout() time.Duration       { return time.Duration(a.idleTimeout.Load()) }
func (a *Acceptor) IsRunning() bool                  { return a.running.Load() }
func (a *Acceptor) ConnectionCount() int             { return a.sessions.len() }
func (a *Acceptor) SessionByConv(id uint32) *Session { return a.sessions.conv(id) }

// SessionByEndpoint looks a session up by the peer's "ip:port".
func (a *Acceptor) SessionByEndpoint(endpoint string) *Session {
	return a.sessions.endpoint(endpoint)
}

// LocalAddr returns the bound address, nil before Start.
func (a *Acceptor) LocalAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pc == nil {
		return nil
	}
	return a.pc.LocalAddr()
}

func (a *Acceptor) readLoop(pc net.PacketConn, done chan struct{}, handler transport.Handler, opts Options) {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if !a.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.ErrorMsg("KCP ReadFrom(): %s", err)
			select {
			case <-done:
				return
			case <-a.clock.After(readErrorBackoff):
			}
			continue
		}
		a.handleDatagram(pc, buf[:n], from, handler, opts)
	}
}

// handleDatagram routes one datagram: handshake requests go to the
// handshake, everything else to the session of the sender. Datagrams from
// unknown senders are dropped without a reply.
func (a *Acceptor) handleDatagram(pc net.PacketConn, data []byte, from net.Addr, handler transport.Handler, opts Options) {
	if IsRequest(data, a.cfg.Magic) {
		s := a.handshake(pc, from, opts)
		if s == nil {
			return
		}
		// hooks may call Stop, so the state change runs outside hsMu
		s.UpdateState(conn.Connected)
		a.logger.VerboseMsg("KCP: session %d established with %s", s.Conv(), s.Endpoint())
		if a.running.Load() {
			a.runHandler(handler, s)
		}
		return
	}

	s := a.sessions.endpoint(format.Endpoint(from))
	if s == nil {
		a.logger.DebugMsg("KCP: dropping %d bytes from unknown peer %s", len(data), from)
		return
	}
	s.Input(data)
}

// handshake creates a session for from and answers with its
// conversation id. It returns the new session, still Connecting, once the
// answer is sent. A request from an endpoint that already has a live
// session gets that session's id again and returns nil.
func (a *Acceptor) handshake(pc net.PacketConn, from net.Addr, opts Options) *Session {
	a.hsMu.Lock()
	defer a.hsMu.Unlock()

	if !a.running.Load() {
		return nil
	}

	endpoint := format.Endpoint(from)
	if s := a.sessions.endpoint(endpoint); s != nil {
		if st := s.State(); st == conn.Connecting || st == conn.Connected {
			resp := Handshake{Magic: a.cfg.Magic, Type: TypeResponse, Conv: s.Conv()}.Append(nil)
			if _, err := pc.WriteTo(resp, from); err != nil {
				a.logger.ErrorMsg("KCP: repeated handshake response to %s: %s", endpoint, err)
			}
		}
		a.logger.DebugMsg("KCP: repeated handshake from %s answered with session %d", endpoint, s.Conv())
		return nil
	}
	if limit := a.maxConns.Load(); limit > 0 && int64(a.sessions.len()) >= limit {
		a.logger.DebugMsg("KCP: handshake from %s rejected: %d sessions", endpoint, limit)
		return nil
	}

	id, err := a.pool.Allocate()
	if err != nil {
		a.logger.WarnMsg("KCP: handshake from %s: %s", endpoint, err)
		return nil
	}

	s := newSession(pc, from, id, a.cfg, opts)
	a.sessions.add(s)

	resp := Handshake{Magic: a.cfg.Magic, Type: TypeResponse, Conv: id}.Append(nil)
	if _, err := pc.WriteTo(resp, from); err != nil {
		a.sessions.remove(s)
		a.pool.Release(id)
		s.Release()
		a.logger.ErrorMsg("KCP: handshake response to %s: %s", endpoint, err)
		return nil
	}

	if a.cfg.Heartbeat.Enabled {
		s.SetHeartbeat(true, a.cfg.Heartbeat.Interval.Or(config.DefaultHeartbeatInterval))
	}
	return s
}

func (a *Acceptor) runHandler(handler transport.Handler, s *Session) {
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.ErrorMsg("KCP handler for session %d panicked: %v", s.Conv(), r)
		}
	}()
	handler(s)
}

// every calls fn each period until done is closed. The period is read
// again before every wait.
func (a *Acceptor) every(done chan struct{}, period func() time.Duration, fn func(now time.Time)) {
	for {
		t := a.clock.Timer(period())
		select {
		case <-done:
			t.Stop()
			return
		case <-t.C:
		}
		if !a.running.Load() {
			return
		}
		fn(a.clock.Now())
	}
}

// tick updates every connected session. The table lock is not held while
// engines run.
func (a *Acceptor) tick(now time.Time) {
	for _, s := range a.sessions.snapshot() {
		if s.IsConnected() {
			s.Update(now)
		}
	}
}

// sweep disconnects sessions idle for longer than the idle timeout, then
// removes every session that is closed and frees its id. Sessions still
// Connecting are left to the handshake that created them.
func (a *Acceptor) sweep(now time.Time) {
	if idle := a.IdleTimeout(); idle > 0 {
		for _, s := range a.sessions.snapshot() {
			if s.IsConnected() && now.Sub(s.LastActivity()) > idle {
				s.HandleIdleTimeout()
			}
		}
	}

	a.hsMu.Lock()
	defer a.hsMu.Unlock()

	for _, s := range a.sessions.snapshot() {
		if st := s.State(); st == conn.Connected || st == conn.Connecting {
			continue
		}
		if a.sessions.remove(s) {
			a.pool.Release(s.Conv())
			s.Release()
			a.logger.VerboseMsg("KCP: session %d with %s reaped (%s)", s.Conv(), s.Endpoint(), s.State())
		}
	}
}
