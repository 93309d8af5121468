package event

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakePeer struct{}

func (fakePeer) ID() string       { return "c-1" }
func (fakePeer) Protocol() string { return "TCP" }
func (fakePeer) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}
}
func (fakePeer) IsConnected() bool { return true }

func TestNew(t *testing.T) {
	t.Parallel()

	data := []byte("hello")
	at := time.Unix(1700000000, 0)
	err := errors.New("boom")

	ev := New(DataReceived,
		WithPeer(fakePeer{}),
		WithData(data),
		WithError(err),
		WithField("k", 7),
		WithTime(at),
	)
	data[0] = 'j'

	assert.Equal(t, DataReceived, ev.Type())
	assert.Equal(t, "c-1", ev.ConnectionID())
	assert.Equal(t, "TCP", ev.Protocol())
	assert.Equal(t, "10.0.0.1:4000", ev.Endpoint())
	assert.Equal(t, []byte("hello"), ev.Data(), "data must be copied")
	assert.Equal(t, 5, ev.BytesTransferred())
	assert.ErrorIs(t, ev.Err(), err)
	assert.Equal(t, at, ev.Time())
	assert.NotNil(t, ev.Peer())

	v, ok := ev.Field("k")
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.True(t, ev.HasField("k"))
	assert.False(t, ev.HasField("missing"))

	fields := ev.Fields()
	fields["k"] = 8
	v, _ = ev.Field("k")
	assert.Equal(t, 7, v, "Fields must return a copy")
}

func TestNew_DefaultTime(t *testing.T) {
	t.Parallel()

	ev := New(ConnectionClosed, WithPeer(nil))
	assert.False(t, ev.Time().IsZero())
	assert.Nil(t, ev.Peer())
	assert.Empty(t, ev.ConnectionID())
}

func TestType_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  Type
		want string
	}{
		{ConnectionEstablished, "connection_established"},
		{ConnectionClosed, "connection_closed"},
		{ConnectionError, "connection_error"},
		{DataReceived, "data_received"},
		{DataSent, "data_sent"},
		{ConnectionConnecting, "connection_connecting"},
		{IdleTimeout, "idle_timeout"},
		{Type(99), "unknown(99)"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.typ.String())
	}
	assert.Len(t, Types(), int(numTypes))
}
