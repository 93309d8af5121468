package kcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lk2023060901/zeus-sub000/pkg/config"
	"github.com/lk2023060901/zeus-sub000/pkg/conn"
	"github.com/lk2023060901/zeus-sub000/pkg/format"
)

// ErrHandshakeTimeout is returned by Dial when no response arrives in
// time.
var ErrHandshakeTimeout = errors.New("kcp handshake timed out")

// requestInterval is how often Dial repeats its request.
const requestInterval = 250 * time.Millisecond

// Dial performs the handshake with the acceptor at addr and returns a
// Connected session owning its own socket. Set callbacks on it and then
// call Start.
func Dial(ctx context.Context, addr string, cfg config.KCP, opts Options, deps *config.Dependencies) (*Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveUDPAddr(udp, %s): %w", addr, err)
	}
	if cfg.Magic == 0 {
		cfg.Magic = config.DefaultMagic
	}
	if opts.Clock == nil {
		opts.Clock = config.GetClock(deps)
	}

	listen := config.GetPacketListenerFunc(deps)
	if listen == nil {
		listen = net.ListenPacket
	}
	pc, err := listen("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("listen(udp, :0): %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout.Or(config.DefaultHandshakeTimeout))
	defer cancel()

	conv, err := requestConv(ctx, pc, raddr, cfg.Magic)
	if err != nil {
		pc.Close()
		return nil, err
	}

	s := newSession(pc, raddr, conv, cfg, opts)
	s.owned = true
	if cfg.Heartbeat.Enabled {
		s.SetHeartbeat(true, cfg.Heartbeat.Interval.Or(config.DefaultHeartbeatInterval))
	}
	s.UpdateState(conn.Connected)
	return s, nil
}

func requestConv(ctx context.Context, pc net.PacketConn, raddr *net.UDPAddr, magic uint32) (uint32, error) {
	req := Handshake{Magic: magic, Type: TypeRequest}.Append(nil)
	buf := make([]byte, maxDatagram)
	want := format.Endpoint(raddr)

	defer pc.SetReadDeadline(time.Time{})
	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return 0, fmt.Errorf("handshake with %s: %w", raddr, ErrHandshakeTimeout)
			}
			return 0, err
		}

		if _, err := pc.WriteTo(req, raddr); err != nil {
			return 0, fmt.Errorf("WriteTo(%s): %w", raddr, err)
		}

		deadline := time.Now().Add(requestInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		pc.SetReadDeadline(deadline)

		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				var netErr net.Error
				if !errors.As(err, &netErr) || !netErr.Timeout() {
					return 0, fmt.Errorf("ReadFrom(): %w", err)
				}
				break
			}
			if format.Endpoint(from) != want {
				continue
			}
			if conv, ok := parseResponse(buf[:n], magic); ok {
				return conv, nil
			}
		}
	}
}

// Start launches the read and tick goroutines of a dialed session. It
// does nothing for sessions owned by an Acceptor.
func (s *Session) Start() {
	if !s.owned {
		return
	}
	s.startOnce.Do(func() {
		go s.readLoop()
		go s.tickLoop()
	})
}

func (s *Session) readLoop() {
	buf := make([]byte, maxDatagram)
	want := s.Endpoint()
	for {
		n, from, err := s.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.HandleError(fmt.Errorf("ReadFrom(): %w", err))
				s.shutdown()
			}
			return
		}
		if format.Endpoint(from) != want {
			continue
		}
		// late answers to repeated requests
		if conv, ok := parseResponse(buf[:n], s.cfg.Magic); ok && conv == s.conv && n == HandshakeSize {
			continue
		}
		s.Input(buf[:n])
	}
}

func (s *Session) tickLoop() {
	clk := s.Clock()
	interval := s.cfg.TickInterval.Or(config.DefaultTickInterval)
	for {
		t := clk.Timer(interval)
		select {
		case <-s.closing:
			t.Stop()
			return
		case <-t.C:
		}
		if s.State().Terminal() {
			s.shutdown()
			return
		}
		if s.IsConnected() {
			s.Update(clk.Now())
		}
	}
}
