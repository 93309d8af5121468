package ws

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/zeus-sub000/pkg/config"
	"github.com/lk2023060901/zeus-sub000/pkg/conn"
	"github.com/lk2023060901/zeus-sub000/pkg/event"
	"github.com/lk2023060901/zeus-sub000/pkg/transport"
)

func startAcceptor(t *testing.T, mutate func(*config.WS), handler transport.Handler) (*Acceptor, *event.Counter) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	events := event.NewManager(0, nil)
	counter := &event.Counter{}
	_, err := events.RegisterGlobalHook(counter.Hook())
	require.NoError(t, err)

	cfg := config.DefaultWS("127.0.0.1:0")
	if mutate != nil {
		mutate(&cfg)
	}
	a := NewAcceptor(cfg, events, nil, nil)
	require.NoError(t, a.Start(handler))
	t.Cleanup(func() { a.Stop() })
	return a, counter
}

func echo(c conn.Connection) {
	c.OnData(func(b []byte) { c.AsyncSend(b) })
}

func dial(t *testing.T, a *Acceptor) *Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, a.URL(), Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAcceptor_Lifecycle(t *testing.T) {
	t.Parallel()

	a, _ := startAcceptor(t, nil, echo)
	assert.True(t, a.IsRunning())
	assert.Equal(t, "WS", a.Protocol())
	assert.Contains(t, a.URL(), "ws://127.0.0.1:")
	assert.Contains(t, a.URL(), config.DefaultWSPath)

	assert.ErrorIs(t, a.Start(echo), transport.ErrRunning)
	assert.ErrorIs(t, a.SetMaxConnections(1), transport.ErrRunning)
	assert.ErrorIs(t, a.SetExecutor(nil), transport.ErrRunning)

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.False(t, a.IsRunning())
}

func TestAcceptor_StartErrors(t *testing.T) {
	t.Parallel()

	a := NewAcceptor(config.DefaultWS("invalid:abc"), nil, nil, nil)
	assert.Nil(t, a.Addr())
	assert.Empty(t, a.URL())
	assert.Error(t, a.Start(echo))
	assert.False(t, a.IsRunning())
}

func TestAcceptor_Echo(t *testing.T) {
	t.Parallel()

	a, counter := startAcceptor(t, nil, echo)
	c := dial(t, a)
	assert.True(t, c.IsConnected())
	assert.Equal(t, "WS", c.Protocol())

	got := make(chan string, 1)
	c.OnData(func(b []byte) { got <- string(b) })
	c.Start()
	c.AsyncSendString("hello over ws")

	select {
	case msg := <-got:
		assert.Equal(t, "hello over ws", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("no echo")
	}
	assert.Equal(t, 1, a.ConnectionCount())
	assert.EqualValues(t, 1, counter.Count(event.ConnectionEstablished))
	require.Eventually(t, func() bool { return counter.Count(event.DataSent) == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, c.Stats().MessagesSent)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return a.ConnectionCount() == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, counter.Count(event.ConnectionClosed))
}

func TestAcceptor_MaxConnections(t *testing.T) {
	t.Parallel()

	a, _ := startAcceptor(t, func(c *config.WS) { c.MaxConnections = 1 }, echo)
	first := dial(t, a)
	first.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, a.URL(), &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return a.ConnectionCount() == 0 }, 3*time.Second, 5*time.Millisecond)

	// the slot is free again
	second := dial(t, a)
	assert.True(t, second.IsConnected())
}

func TestAcceptor_HandlerPanic(t *testing.T) {
	t.Parallel()

	a, _ := startAcceptor(t, nil, func(conn.Connection) { panic("handler") })
	dial(t, a)
	dial(t, a)
	require.Eventually(t, func() bool { return a.ConnectionCount() == 2 }, 3*time.Second, 5*time.Millisecond)
	assert.True(t, a.IsRunning())
}

func TestAcceptor_IdleTimeout(t *testing.T) {
	t.Parallel()

	a, counter := startAcceptor(t, func(c *config.WS) {
		c.IdleTimeout = config.Duration{Duration: 100 * time.Millisecond}
	}, nil)
	c := dial(t, a)
	c.Start()

	require.Eventually(t, func() bool { return counter.Count(event.IdleTimeout) == 1 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return a.ConnectionCount() == 0 }, 3*time.Second, 5*time.Millisecond)

	// the client sees the server go away
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client still connected")
	}
}

func TestAcceptor_Heartbeat(t *testing.T) {
	t.Parallel()

	var server conn.Connection
	accepted := make(chan struct{})
	a, counter := startAcceptor(t, func(c *config.WS) {
		c.Heartbeat = config.Heartbeat{Enabled: true, Interval: config.Duration{Duration: 20 * time.Millisecond}}
	}, func(c conn.Connection) {
		server = c
		close(accepted)
	})
	c := dial(t, a)
	c.Start()
	<-accepted

	assert.True(t, server.HeartbeatActive())
	time.Sleep(200 * time.Millisecond)
	assert.True(t, server.IsConnected(), "pings are answered")
	assert.EqualValues(t, 0, counter.Count(event.ConnectionError))
}

func TestDial_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		url  string
	}{
		{"bad url", "ws://[::1"},
		{"wrong scheme", "http://127.0.0.1:1/ws"},
		{"nobody listening", "ws://127.0.0.1:1/ws"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := Dial(ctx, tc.url, Options{}, nil)
			assert.Error(t, err)
		})
	}
}
