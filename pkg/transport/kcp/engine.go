package kcp

import (
	"time"

	kcpgo "github.com/xtaci/kcp-go/v5"

	"github.com/lk2023060901/zeus-sub000/pkg/config"
)

// Engine is the reliable delivery state machine of one session. It is not
// safe for concurrent use; Session serializes every call.
type Engine interface {
	// Input feeds one datagram. Negative results mean it was rejected.
	Input(data []byte) int
	// Update advances timers and flushes due segments through the output
	// function.
	Update(now time.Time)
	// Send queues one message. Negative results mean it was rejected.
	Send(b []byte) int
	// PeekSize returns the size of the next complete message, or -1.
	PeekSize() int
	// Recv copies the next complete message into buf.
	Recv(buf []byte) int
	// WaitSnd returns the number of segments not yet acknowledged.
	WaitSnd() int
}

// EngineFactory builds the engine of a session. output must be called
// synchronously with datagrams to put on the wire; the slice is only
// valid during the call.
type EngineFactory func(conv uint32, cfg config.KCP, output func([]byte)) Engine

// NewEngine is the default EngineFactory, backed by kcp-go.
func NewEngine(conv uint32, cfg config.KCP, output func([]byte)) Engine {
	k := kcpgo.NewKCP(conv, func(buf []byte, size int) {
		output(buf[:size])
	})
	k.NoDelay(cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion)
	if cfg.SendWindow > 0 && cfg.RecvWindow > 0 {
		k.WndSize(cfg.SendWindow, cfg.RecvWindow)
	}
	if cfg.MTU > 0 {
		k.SetMtu(cfg.MTU)
	}
	return &kcpEngine{k: k}
}

type kcpEngine struct {
	k *kcpgo.KCP
}

func (e *kcpEngine) Input(data []byte) int { return e.k.Input(data, true, false) }
func (e *kcpEngine) Update(time.Time)      { e.k.Update() }
func (e *kcpEngine) Send(b []byte) int     { return e.k.Send(b) }
func (e *kcpEngine) PeekSize() int         { return e.k.PeekSize() }
func (e *kcpEngine) Recv(buf []byte) int   { return e.k.Recv(buf) }
func (e *kcpEngine) WaitSnd() int          { return e.k.WaitSnd() }
