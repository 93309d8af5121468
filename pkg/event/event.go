// Package event implements the network event dispatcher: transports
// describe each notable occurrence as an immutable Event and hand it to a
// Manager, which fans it out to registered hooks by type, filter and
// priority.
package event

import (
	"fmt"
	"net"
	"time"

	"github.com/lk2023060901/zeus-sub000/pkg/format"
)

// Type identifies the kind of occurrence.
type Type int

const (
	ConnectionEstablished Type = iota
	ConnectionClosed
	ConnectionError
	DataReceived
	DataSent
	ConnectionConnecting
	IdleTimeout

	numTypes
)

// Types lists every event type, in declaration order.
func Types() []Type {
	out := make([]Type, 0, numTypes)
	for t := Type(0); t < numTypes; t++ {
		out = append(out, t)
	}
	return out
}

func (t Type) String() string {
	switch t {
	case ConnectionEstablished:
		return "connection_established"
	case ConnectionClosed:
		return "connection_closed"
	case ConnectionError:
		return "connection_error"
	case DataReceived:
		return "data_received"
	case DataSent:
		return "data_sent"
	case ConnectionConnecting:
		return "connection_connecting"
	case IdleTimeout:
		return "idle_timeout"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

func (t Type) valid() bool {
	return t >= 0 && t < numTypes
}

// Peer is the view of a connection an event carries. The event does not
// own it and hooks must not assume it is still connected.
type Peer interface {
	ID() string
	Protocol() string
	RemoteAddr() net.Addr
	IsConnected() bool
}

// Event is an immutable description of something that happened on a
// connection. Build it with New; the zero value is an established event
// for an anonymous peer.
type Event struct {
	typ      Type
	connID   string
	endpoint string
	protocol string
	data     []byte
	bytes    int
	err      error
	fields   map[string]any
	at       time.Time
	peer     Peer
}

// Option sets a field while an Event is being built.
type Option func(*Event)

// New builds an event of type typ.
func New(typ Type, opts ...Option) Event {
	ev := Event{typ: typ}
	for _, opt := range opts {
		opt(&ev)
	}
	if ev.at.IsZero() {
		ev.at = time.Now()
	}
	return ev
}

// WithPeer fills connection id, endpoint and protocol from p and keeps a
// reference to it.
func WithPeer(p Peer) Option {
	return func(ev *Event) {
		if p == nil {
			return
		}
		ev.peer = p
		ev.connID = p.ID()
		ev.protocol = p.Protocol()
		ev.endpoint = format.Endpoint(p.RemoteAddr())
	}
}

// WithConnectionID sets the connection id.
func WithConnectionID(id string) Option {
	return func(ev *Event) { ev.connID = id }
}

// WithEndpoint sets the peer endpoint.
func WithEndpoint(endpoint string) Option {
	return func(ev *Event) { ev.endpoint = endpoint }
}

// WithProtocol sets the protocol name ("TCP", "KCP", "WS").
func WithProtocol(protocol string) Option {
	return func(ev *Event) { ev.protocol = protocol }
}

// WithData attaches a copy of b and sets the transferred byte count.
func WithData(b []byte) Option {
	return func(ev *Event) {
		ev.data = append([]byte(nil), b...)
		ev.bytes = len(b)
	}
}

// WithBytes sets the transferred byte count without attaching data.
func WithBytes(n int) Option {
	return func(ev *Event) { ev.bytes = n }
}

// WithError attaches an error.
func WithError(err error) Option {
	return func(ev *Event) { ev.err = err }
}

// WithField attaches a custom key/value pair.
func WithField(key string, value any) Option {
	return func(ev *Event) {
		if ev.fields == nil {
			ev.fields = make(map[string]any)
		}
		ev.fields[key] = value
	}
}

// WithTime overrides the creation timestamp.
func WithTime(t time.Time) Option {
	return func(ev *Event) { ev.at = t }
}

func (ev Event) Type() Type            { return ev.typ }
func (ev Event) ConnectionID() string  { return ev.connID }
func (ev Event) Endpoint() string      { return ev.endpoint }
func (ev Event) Protocol() string      { return ev.protocol }
func (ev Event) BytesTransferred() int { return ev.bytes }
func (ev Event) Err() error            { return ev.err }
func (ev Event) Time() time.Time       { return ev.at }
func (ev Event) Peer() Peer            { return ev.peer }

// HasField reports whether a custom field is set.
func (ev Event) HasField(key string) bool {
	_, ok := ev.fields[key]
	return ok
}

// Data returns the attached payload. Callers must treat it as read-only;
// it is shared by every hook receiving this event.
func (ev Event) Data() []byte {
	return ev.data
}

// Field returns a custom field.
func (ev Event) Field(key string) (any, bool) {
	v, ok := ev.fields[key]
	return v, ok
}

// Fields returns a copy of all custom fields.
func (ev Event) Fields() map[string]any {
	out := make(map[string]any, len(ev.fields))
	for k, v := range ev.fields {
		out[k] = v
	}
	return out
}

func (ev Event) String() string {
	s := fmt.Sprintf("%s conn=%s proto=%s endpoint=%s", ev.typ, ev.connID, ev.protocol, ev.endpoint)
	if ev.bytes > 0 {
		s += fmt.Sprintf(" bytes=%d", ev.bytes)
	}
	if ev.err != nil {
		s += fmt.Sprintf(" err=%q", ev.err)
	}
	return s
}
