package conn

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/lk2023060901/zeus-sub000/pkg/event"
	"github.com/lk2023060901/zeus-sub000/pkg/executor"
	"github.com/lk2023060901/zeus-sub000/pkg/format"
	"github.com/lk2023060901/zeus-sub000/pkg/log"
)

// Heartbeater sends one keep-alive message. Transports implement it.
type Heartbeater interface {
	SendHeartbeat()
}

// Params configures a Base.
type Params struct {
	// ID defaults to a random UUID.
	ID         string
	Protocol   string
	LocalAddr  net.Addr
	RemoteAddr net.Addr

	Events *event.Manager
	Logger *log.Logger
	Clock  clock.Clock

	// Executor, when set, receives the dispatch of data events.
	Executor executor.Executor

	Heartbeater Heartbeater

	// Peer is the connection events refer to. Defaults to the Base itself;
	// transports pass their outer connection.
	Peer event.Peer
}

// Base implements the protocol independent half of a Connection: state
// machine, stats, callbacks, heartbeat timer and event emission.
// Transports embed *Base and add I/O.
type Base struct {
	id       string
	protocol string
	local    net.Addr
	remote   net.Addr

	events *event.Manager
	logger *log.Logger
	clock  clock.Clock
	exec   executor.Executor
	hb     Heartbeater
	peer   event.Peer

	state    atomic.Int32
	stats    Stats
	done     chan struct{}
	doneOnce sync.Once

	cbMu    sync.RWMutex
	onData  func([]byte)
	onError func(error)
	onState func(old, new State)

	hbMu       sync.Mutex
	hbEnabled  bool
	hbInterval time.Duration
	hbTimer    *clock.Timer
	hbGen      uint64
	released   bool
}

// NewBase creates a Base in state Connecting. No event is fired for the
// initial state.
func NewBase(p Params) *Base {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	b := &Base{
		id:       p.ID,
		protocol: p.Protocol,
		local:    p.LocalAddr,
		remote:   p.RemoteAddr,
		events:   p.Events,
		logger:   p.Logger,
		clock:    p.Clock,
		exec:     p.Executor,
		hb:       p.Heartbeater,
		peer:     p.Peer,
		done:     make(chan struct{}),
	}
	if b.peer == nil {
		b.peer = b
	}
	b.state.Store(int32(Connecting))
	b.stats.init(p.Clock.Now())
	return b
}

func (b *Base) ID() string            { return b.id }
func (b *Base) Protocol() string      { return b.protocol }
func (b *Base) LocalAddr() net.Addr   { return b.local }
func (b *Base) RemoteAddr() net.Addr  { return b.remote }
func (b *Base) State() State          { return State(b.state.Load()) }
func (b *Base) IsConnected() bool     { return b.State() == Connected }
func (b *Base) Done() <-chan struct{} { return b.done }

// Endpoint returns the remote address as "ip:port".
func (b *Base) Endpoint() string {
	return format.Endpoint(b.remote)
}

// Stats returns a snapshot of the counters.
func (b *Base) Stats() StatsSnapshot {
	return b.stats.Snapshot()
}

// LastActivity returns the time of the last send, receive or Touch.
func (b *Base) LastActivity() time.Time {
	return b.stats.LastActivity()
}

// Touch marks the connection active without counting a message.
func (b *Base) Touch() {
	b.stats.touch(b.clock.Now())
}

// Clock returns the clock the connection runs on.
func (b *Base) Clock() clock.Clock {
	return b.clock
}

// Logger returns the connection's logger.
func (b *Base) Logger() *log.Logger {
	return b.logger
}

func (b *Base) OnData(fn func([]byte)) {
	b.cbMu.Lock()
	b.onData = fn
	b.cbMu.Unlock()
}

func (b *Base) OnError(fn func(error)) {
	b.cbMu.Lock()
	b.onError = fn
	b.cbMu.Unlock()
}

func (b *Base) OnStateChange(fn func(old, new State)) {
	b.cbMu.Lock()
	b.onState = fn
	b.cbMu.Unlock()
}

// UpdateState moves the connection to s. Setting the current state again
// does nothing; otherwise the heartbeat is started or stopped, one state
// event is fired and the state callback runs.
func (b *Base) UpdateState(s State) {
	old := State(b.state.Swap(int32(s)))
	if old == s {
		return
	}
	b.logger.VerboseMsg("%s %s %s: %s -> %s", b.protocol, b.id, b.Endpoint(), old, s)

	b.hbMu.Lock()
	if s == Connected && b.hbEnabled {
		b.startHeartbeatLocked()
	} else {
		b.stopHeartbeatLocked()
	}
	b.hbMu.Unlock()

	if s.Terminal() {
		b.doneOnce.Do(func() { close(b.done) })
	}

	typ := event.ConnectionEstablished
	switch s {
	case Connecting:
		typ = event.ConnectionConnecting
	case Disconnected, Error:
		typ = event.ConnectionClosed
	}
	b.fire(typ, event.WithField("old_state", old.String()), event.WithField("new_state", s.String()))

	b.cbMu.RLock()
	fn := b.onState
	b.cbMu.RUnlock()
	if fn != nil {
		b.guard("state callback", func() { fn(old, s) })
	}
}

// HandleDataReceived records an inbound message and delivers it.
func (b *Base) HandleDataReceived(data []byte) {
	b.stats.recordReceived(len(data), b.clock.Now())
	b.fireData(event.DataReceived, event.WithData(data))

	b.cbMu.RLock()
	fn := b.onData
	b.cbMu.RUnlock()
	if fn != nil {
		b.guard("data callback", func() { fn(data) })
	}
}

// RecordSent records an outbound message of n bytes.
func (b *Base) RecordSent(n int) {
	b.stats.recordSent(n, b.clock.Now())
	b.fireData(event.DataSent, event.WithBytes(n))
}

// HandleError records err, moves the connection to Error and reports it.
func (b *Base) HandleError(err error) {
	b.stats.recordError()
	b.logger.ErrorMsg("%s %s %s: %s", b.protocol, b.id, b.Endpoint(), err)

	b.UpdateState(Error)
	b.fire(event.ConnectionError, event.WithError(err))

	b.cbMu.RLock()
	fn := b.onError
	b.cbMu.RUnlock()
	if fn != nil {
		b.guard("error callback", func() { fn(err) })
	}
}

// HandleIdleTimeout reports an idle connection and disconnects it.
func (b *Base) HandleIdleTimeout() {
	b.logger.VerboseMsg("%s %s %s: idle timeout", b.protocol, b.id, b.Endpoint())
	b.fire(event.IdleTimeout, event.WithField("last_activity", b.LastActivity()))
	b.UpdateState(Disconnected)
}

func (b *Base) fire(typ event.Type, opts ...event.Option) {
	if b.events == nil {
		return
	}
	b.events.FireEvent(b.newEvent(typ, opts...))
}

func (b *Base) fireData(typ event.Type, opts ...event.Option) {
	if b.events == nil {
		return
	}
	ev := b.newEvent(typ, opts...)
	if b.exec != nil {
		b.events.FireEventAsync(ev, b.exec)
		return
	}
	b.events.FireEvent(ev)
}

func (b *Base) newEvent(typ event.Type, opts ...event.Option) event.Event {
	base := []event.Option{event.WithPeer(b.peer), event.WithTime(b.clock.Now())}
	return event.New(typ, append(base, opts...)...)
}

func (b *Base) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorMsg("%s %s: %s panicked: %v", b.protocol, b.id, what, r)
		}
	}()
	fn()
}
