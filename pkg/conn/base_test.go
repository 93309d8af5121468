package conn

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/zeus-sub000/pkg/event"
	"github.com/lk2023060901/zeus-sub000/pkg/executor"
)

type beats struct{ n atomic.Int32 }

func (b *beats) SendHeartbeat() { b.n.Add(1) }

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) hook() event.HookInfo {
	return event.HookInfo{Name: "recorder", Callback: func(ev event.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}}
}

func (r *recorder) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type())
	}
	return out
}

func (r *recorder) last() event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newTestBase(t *testing.T, p Params) (*Base, *recorder) {
	t.Helper()
	rec := &recorder{}
	if p.Events == nil {
		p.Events = event.NewManager(0, nil)
	}
	_, err := p.Events.RegisterGlobalHook(rec.hook())
	require.NoError(t, err)
	if p.Protocol == "" {
		p.Protocol = "TCP"
	}
	if p.RemoteAddr == nil {
		p.RemoteAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	}
	return NewBase(p), rec
}

func TestNewBase(t *testing.T) {
	t.Parallel()

	b, rec := newTestBase(t, Params{})
	assert.NotEmpty(t, b.ID())
	assert.Equal(t, Connecting, b.State())
	assert.False(t, b.IsConnected())
	assert.Equal(t, "127.0.0.1:9000", b.Endpoint())
	assert.Empty(t, rec.types())

	other := NewBase(Params{})
	assert.NotEqual(t, b.ID(), other.ID())
}

func TestBase_UpdateState(t *testing.T) {
	t.Parallel()

	b, rec := newTestBase(t, Params{ID: "c1"})

	var transitions []string
	b.OnStateChange(func(old, new State) { transitions = append(transitions, old.String()+">"+new.String()) })

	b.UpdateState(Connected)
	b.UpdateState(Connected)
	require.Equal(t, []event.Type{event.ConnectionEstablished}, rec.types())

	ev := rec.last()
	assert.Equal(t, "c1", ev.ConnectionID())
	assert.Equal(t, "TCP", ev.Protocol())
	old, _ := ev.Field("old_state")
	assert.Equal(t, "connecting", old)
	assert.Same(t, b, ev.Peer())

	b.UpdateState(Connecting)
	b.UpdateState(Disconnected)
	assert.Equal(t, []event.Type{
		event.ConnectionEstablished,
		event.ConnectionConnecting,
		event.ConnectionClosed,
	}, rec.types())
	assert.Equal(t, []string{"connecting>connected", "connected>connecting", "connecting>disconnected"}, transitions)

	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed after Disconnected")
	}

	b.UpdateState(Error)
	assert.Len(t, rec.types(), 4, "Error after Disconnected still emits one closed event")
}

func TestBase_CallbackPanics(t *testing.T) {
	t.Parallel()

	b, rec := newTestBase(t, Params{})
	b.OnStateChange(func(State, State) { panic("state") })
	b.OnData(func([]byte) { panic("data") })
	b.OnError(func(error) { panic("error") })

	b.UpdateState(Connected)
	b.HandleDataReceived([]byte("x"))
	b.HandleError(errors.New("boom"))

	assert.Equal(t, Error, b.State())
	assert.Contains(t, rec.types(), event.ConnectionError)
}

func TestBase_HandleDataReceived(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	b, rec := newTestBase(t, Params{Clock: mock})
	b.UpdateState(Connected)

	var got []byte
	b.OnData(func(p []byte) { got = append(got, p...) })

	mock.Add(time.Minute)
	b.HandleDataReceived([]byte("hello"))

	assert.Equal(t, []byte("hello"), got)
	st := b.Stats()
	assert.EqualValues(t, 5, st.BytesReceived)
	assert.EqualValues(t, 1, st.MessagesReceived)
	assert.True(t, st.LastActivity.Equal(mock.Now()))

	ev := rec.last()
	assert.Equal(t, event.DataReceived, ev.Type())
	assert.Equal(t, []byte("hello"), ev.Data())
	assert.True(t, ev.Time().Equal(mock.Now()))

	b.RecordSent(3)
	st = b.Stats()
	assert.EqualValues(t, 3, st.BytesSent)
	assert.EqualValues(t, 1, st.MessagesSent)
	assert.Equal(t, event.DataSent, rec.last().Type())
	assert.Equal(t, 3, rec.last().BytesTransferred())
}

func TestBase_HandleError(t *testing.T) {
	t.Parallel()

	b, rec := newTestBase(t, Params{})
	b.UpdateState(Connected)

	var gotErr error
	b.OnError(func(err error) { gotErr = err })

	boom := errors.New("boom")
	b.HandleError(boom)

	assert.ErrorIs(t, gotErr, boom)
	assert.Equal(t, Error, b.State())
	assert.EqualValues(t, 1, b.Stats().Errors)
	assert.Equal(t, []event.Type{
		event.ConnectionEstablished,
		event.ConnectionClosed,
		event.ConnectionError,
	}, rec.types())
	assert.ErrorIs(t, rec.last().Err(), boom)
}

func TestBase_HandleIdleTimeout(t *testing.T) {
	t.Parallel()

	b, rec := newTestBase(t, Params{})
	b.UpdateState(Connected)
	b.HandleIdleTimeout()

	assert.Equal(t, Disconnected, b.State())
	assert.Equal(t, []event.Type{
		event.ConnectionEstablished,
		event.IdleTimeout,
		event.ConnectionClosed,
	}, rec.types())
}

func TestBase_DataEventsUseExecutor(t *testing.T) {
	t.Parallel()

	var posted []func()
	exec := executor.Func(func(fn func()) { posted = append(posted, fn) })
	b, rec := newTestBase(t, Params{Executor: exec})

	b.UpdateState(Connected)
	b.HandleDataReceived([]byte("a"))
	assert.Equal(t, []event.Type{event.ConnectionEstablished}, rec.types(), "state events stay synchronous")
	require.Len(t, posted, 1)

	posted[0]()
	assert.Equal(t, []event.Type{event.ConnectionEstablished, event.DataReceived}, rec.types())
}

func TestBase_Heartbeat(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	hb := &beats{}
	b, _ := newTestBase(t, Params{Clock: mock, Heartbeater: hb})

	b.SetHeartbeat(true, time.Second)
	assert.False(t, b.HeartbeatActive(), "heartbeat must wait for Connected")

	b.UpdateState(Connected)
	assert.True(t, b.HeartbeatActive())

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return hb.n.Load() >= 3
	}, time.Second, time.Millisecond)

	b.SetHeartbeat(false, time.Second)
	assert.False(t, b.HeartbeatActive())
	time.Sleep(10 * time.Millisecond)
	n := hb.n.Load()
	mock.Add(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, hb.n.Load())
}

func TestBase_HeartbeatSingleTimer(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	hb := &beats{}
	b, _ := newTestBase(t, Params{Clock: mock, Heartbeater: hb})
	b.UpdateState(Connected)

	for i := 0; i < 5; i++ {
		b.SetHeartbeat(true, time.Second)
	}
	mock.Add(time.Second)

	require.Eventually(t, func() bool { return hb.n.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, hb.n.Load())
}

func TestBase_HeartbeatStopsOnDisconnect(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	hb := &beats{}
	b, _ := newTestBase(t, Params{Clock: mock, Heartbeater: hb})

	b.UpdateState(Connected)
	b.SetHeartbeat(true, time.Second)
	b.UpdateState(Disconnected)
	assert.False(t, b.HeartbeatActive())

	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 0, hb.n.Load())
}

func TestBase_Release(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	hb := &beats{}
	b, _ := newTestBase(t, Params{Clock: mock, Heartbeater: hb})

	b.UpdateState(Connected)
	b.SetHeartbeat(true, time.Second)
	b.Release()
	assert.False(t, b.HeartbeatActive())

	b.SetHeartbeat(true, time.Second)
	assert.False(t, b.HeartbeatActive(), "released connection must not rearm")

	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 0, hb.n.Load())
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "error", Error.String())
	assert.Equal(t, "state(9)", State(9).String())
	assert.True(t, Error.Terminal())
	assert.False(t, Connected.Terminal())
}
