// Package conn defines the protocol independent connection abstraction
// shared by the TCP, KCP and WebSocket transports.
package conn

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// State is the lifecycle state of a connection.
type State int32

const (
	Connecting State = iota
	Connected
	Disconnected
	Error
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s ends the connection.
func (s State) Terminal() bool {
	return s == Disconnected || s == Error
}

// Connection is what handlers receive from an acceptor.
type Connection interface {
	ID() string
	Protocol() string
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	State() State
	IsConnected() bool
	Stats() StatsSnapshot

	// AsyncSend queues b for sending and returns immediately. Failures are
	// reported through the error callback and a ConnectionError event.
	AsyncSend(b []byte)
	AsyncSendString(s string)

	SetHeartbeat(enabled bool, interval time.Duration)
	HeartbeatActive() bool

	OnData(fn func([]byte))
	OnError(fn func(error))
	OnStateChange(fn func(old, new State))

	// Done is closed once the connection reaches a terminal state.
	Done() <-chan struct{}
	Close() error
}

// ErrClosed is reported when sending on a closed connection.
var ErrClosed = errors.New("connection closed")
