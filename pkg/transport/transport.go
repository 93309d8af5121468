// Package transport holds what the TCP, KCP and WebSocket acceptors have
// in common.
//
// Every acceptor follows the same lifecycle:
//   - configure with setters while stopped
//   - Start(handler) binds the socket and serves in the background
//   - handler is called once per established connection; it attaches its
//     callbacks to the connection before any data is delivered
//   - Stop() closes the socket; it is idempotent and safe from any goroutine
//
// Failures after Start are only reported through the event stream and the
// IsRunning/ConnectionCount introspection methods.
package transport

import (
	"errors"

	"github.com/lk2023060901/zeus-sub000/pkg/conn"
)

// ErrRunning is returned by Start and by setters while an acceptor is
// running.
var ErrRunning = errors.New("acceptor is running")

// Handler receives each newly established connection.
type Handler func(conn.Connection)

// Acceptor is implemented by every transport.
type Acceptor interface {
	Start(handler Handler) error
	Stop() error
	IsRunning() bool
	ConnectionCount() int
	Protocol() string
}
