package kcp

import (
	"errors"
	"fmt"
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

// Protocol is the protocol name carried by KCP events.
const Protocol = "KCP"

// DefaultHeartbeatPayload is sent on every heartbeat unless
// Options.HeartbeatPayload is set.
var DefaultHeartbeatPayload = []byte("PING")

// Options configures a Session.
type Options struct {
	Events   *event.Manager
	Logger   *log.Logger
	Clock    clock.Clock
	Executor executor.Executor

	EngineFactory    EngineFactory
	HeartbeatPayload []byte
}

// Session is one KCP conversation with a peer. Sessions accepted by an
// Acceptor share its socket and are driven by its tick loop; sessions
// returned by Dial own their socket and drive themselves after Start.
type Session struct {
	*conn.Base

	conv  uint32
	pc    net.PacketConn
	raddr net.Addr
	cfg   config.KCP
	opts  Options

	mu     sync.Mutex // guards engine and outErr
	engine Engine
	outErr error

	owned     bool // dialed session, closes pc
	closing   chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

var _ conn.Connection = (*Session)(nil)

func newSession(pc net.PacketConn, raddr net.Addr, conv uint32, cfg config.KCP, opts Options) *Session {
	if opts.EngineFactory == nil {
		opts.EngineFactory = NewEngine
	}
	if opts.HeartbeatPayload == nil {
		opts.HeartbeatPayload = DefaultHeartbeatPayload
	}

	s := &Session{
		conv:    conv,
		pc:      pc,
		raddr:   raddr,
		cfg:     cfg,
		opts:    opts,
		closing: make(chan struct{}),
	}
	s.Base = conn.NewBase(conn.Params{
		Protocol:    Protocol,
		LocalAddr:   pc.LocalAddr(),
		RemoteAddr:  raddr,
		Events:      opts.Events,
		Logger:      opts.Logger,
		Clock:       opts.Clock,
		Executor:    opts.Executor,
		Heartbeater: s,
		Peer:        s,
	})
	s.engine = opts.EngineFactory(conv, cfg, s.output)
	return s
}

// Conv returns the conversation id.
func (s *Session) Conv() uint32 {
	return s.conv
}

// output runs with s.mu held, from inside the engine.
func (s *Session) output(b []byte) {
	if _, err := s.pc.WriteTo(b, s.raddr); err != nil && s.outErr == nil {
		s.outErr = fmt.Errorf("WriteTo(%s): %w", s.raddr, err)
	}
}

// Input feeds a datagram received from the peer to the engine and
// delivers every message it completes.
func (s *Session) Input(data []byte) {
	s.Touch()

	s.mu.Lock()
	ret := s.engine.Input(data)
	msgs := s.drainLocked()
	err := s.takeErrLocked()
	s.mu.Unlock()

	if ret < 0 {
		s.Logger().DebugMsg("KCP %d %s: engine rejected %d byte datagram (%d)", s.conv, s.Endpoint(), len(data), ret)
	}
	for _, m := range msgs {
		s.HandleDataReceived(m)
	}
	if err != nil {
		s.HandleError(err)
	}
}

// Update advances the engine clock.
func (s *Session) Update(now time.Time) {
	s.mu.Lock()
	s.engine.Update(now)
	msgs := s.drainLocked()
	err := s.takeErrLocked()
	s.mu.Unlock()

	for _, m := range msgs {
		s.HandleDataReceived(m)
	}
	if err != nil {
		s.HandleError(err)
	}
}

// AsyncSend queues b as one message. It goes on the wire with the next
// Update.
func (s *Session) AsyncSend(b []byte) {
	if !s.IsConnected() {
		s.Logger().DebugMsg("KCP %d: dropping %d bytes, %s", s.conv, len(b), conn.ErrClosed)
		return
	}

	s.mu.Lock()
	ret := s.engine.Send(b)
	err := s.takeErrLocked()
	s.mu.Unlock()

	if ret < 0 && err == nil {
		err = fmt.Errorf("Send(%d bytes): engine returned %d", len(b), ret)
	}
	if err != nil {
		s.HandleError(err)
		return
	}
	s.RecordSent(len(b))
}

// AsyncSendString queues s as one message.
func (s *Session) AsyncSendString(str string) {
	s.AsyncSend([]byte(str))
}

// SendHeartbeat queues the heartbeat payload.
func (s *Session) SendHeartbeat() {
	s.AsyncSend(s.opts.HeartbeatPayload)
}

// Pending returns the number of segments awaiting acknowledgement.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.WaitSnd()
}

// Close disconnects the session. Accepted sessions are removed from the
// acceptor by its next cleanup sweep.
func (s *Session) Close() error {
	s.UpdateState(conn.Disconnected)
	return s.shutdown()
}

func (s *Session) shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.Release()
		if s.owned {
			if cerr := s.pc.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = fmt.Errorf("Close(): %w", cerr)
			}
		}
	})
	return err
}

func (s *Session) drainLocked() [][]byte {
	var msgs [][]byte
	for {
		n := s.engine.PeekSize()
		if n < 0 {
			return msgs
		}
		buf := make([]byte, n)
		m := s.engine.Recv(buf)
		if m < 0 {
			return msgs
		}
		msgs = append(msgs, buf[:m])
	}
}

func (s *Session) takeErrLocked() error {
	err := s.outErr
	s.outErr = nil
	return err
}
