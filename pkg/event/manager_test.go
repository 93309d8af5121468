package event

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/zeus-sub000/pkg/executor"
	"github.com/lk2023060901/zeus-sub000/pkg/log"
)

func record(order *[]string, mu *sync.Mutex, name string) func(Event) {
	return func(Event) {
		mu.Lock()
		defer mu.Unlock()
		*order = append(*order, name)
	}
}

func TestManager_RegisterAndUnregister(t *testing.T) {
	t.Parallel()

	m := NewManager(0, nil)
	var calls atomic.Int32

	id, err := m.RegisterHook([]Type{ConnectionEstablished}, HookInfo{
		Name:     "c1",
		Callback: func(Event) { calls.Add(1) },
	})
	require.NoError(t, err)
	assert.Equal(t, "hook-1", id)
	assert.Equal(t, 1, m.HookCount(ConnectionEstablished))

	m.FireEvent(New(ConnectionEstablished))
	assert.EqualValues(t, 1, calls.Load())

	assert.True(t, m.UnregisterHook(id))
	assert.False(t, m.UnregisterHook(id))
	assert.Equal(t, 0, m.HookCount(ConnectionEstablished))

	m.FireEvent(New(ConnectionEstablished))
	assert.EqualValues(t, 1, calls.Load())
}

func TestManager_RegisterRejects(t *testing.T) {
	t.Parallel()

	m := NewManager(0, nil)

	_, err := m.RegisterHook([]Type{DataSent}, HookInfo{Name: "nil"})
	assert.ErrorIs(t, err, ErrNilCallback)

	_, err = m.RegisterHook(nil, HookInfo{Callback: func(Event) {}})
	assert.ErrorIs(t, err, ErrNoTypes)

	_, err = m.RegisterHook([]Type{Type(42)}, HookInfo{Callback: func(Event) {}})
	assert.Error(t, err)

	_, err = m.RegisterGlobalHook(HookInfo{Name: "nil"})
	assert.ErrorIs(t, err, ErrNilCallback)
}

func TestManager_PriorityOrder(t *testing.T) {
	t.Parallel()

	m := NewManager(0, nil)
	var (
		mu    sync.Mutex
		order []string
	)

	for _, h := range []struct {
		name     string
		priority int
	}{
		{"low", 1},
		{"high", 10},
		{"mid-a", 5},
		{"mid-b", 5},
	} {
		_, err := m.RegisterHook([]Type{DataReceived}, HookInfo{
			Name:     h.name,
			Priority: h.priority,
			Callback: record(&order, &mu, h.name),
		})
		require.NoError(t, err)
	}
	_, err := m.RegisterGlobalHook(HookInfo{Name: "global", Priority: 7, Callback: record(&order, &mu, "global")})
	require.NoError(t, err)

	m.FireEvent(New(DataReceived))
	assert.Equal(t, []string{"high", "global", "mid-a", "mid-b", "low"}, order)

	order = nil
	m.FireEvent(New(DataSent))
	assert.Equal(t, []string{"global"}, order)
}

func TestManager_Filter(t *testing.T) {
	t.Parallel()

	m := NewManager(0, nil)
	var got []string

	_, err := m.RegisterHook([]Type{DataReceived}, HookInfo{
		Name:     "kcp-only",
		Filter:   func(ev Event) bool { return ev.Protocol() == "KCP" },
		Callback: func(ev Event) { got = append(got, ev.ConnectionID()) },
	})
	require.NoError(t, err)
	_, err = m.RegisterHook([]Type{DataReceived}, HookInfo{
		Name:     "bad-filter",
		Filter:   func(Event) bool { panic("filter") },
		Callback: func(Event) { t.Error("callback behind a panicking filter ran") },
	})
	require.NoError(t, err)

	m.FireEvent(New(DataReceived, WithProtocol("TCP"), WithConnectionID("a")))
	m.FireEvent(New(DataReceived, WithProtocol("KCP"), WithConnectionID("b")))
	assert.Equal(t, []string{"b"}, got)
}

func TestManager_Once(t *testing.T) {
	t.Parallel()

	m := NewManager(0, nil)
	var calls atomic.Int32

	id, err := m.RegisterHook([]Type{ConnectionClosed}, HookInfo{
		Name:     "once",
		Once:     true,
		Callback: func(Event) { calls.Add(1) },
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.FireEvent(New(ConnectionClosed))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	_, ok := m.HookInfoByID(id)
	assert.False(t, ok, "once hook must be unregistered after firing")
}

func TestManager_Cap(t *testing.T) {
	t.Parallel()

	m := NewManager(2, nil)
	noop := HookInfo{Callback: func(Event) {}}

	for i := 0; i < 2; i++ {
		_, err := m.RegisterHook([]Type{DataReceived}, noop)
		require.NoError(t, err)
	}

	id, err := m.RegisterHook([]Type{DataSent, DataReceived}, noop)
	assert.ErrorIs(t, err, ErrHookLimit)
	assert.Empty(t, id)
	assert.Equal(t, 0, m.HookCount(DataSent), "rejected registration must not touch other types")

	for i := 0; i < 2; i++ {
		_, err := m.RegisterGlobalHook(noop)
		require.NoError(t, err)
	}
	_, err = m.RegisterGlobalHook(noop)
	assert.ErrorIs(t, err, ErrHookLimit)

	m.SetMaxHooksPerType(3)
	assert.Equal(t, 3, m.MaxHooksPerType())
	_, err = m.RegisterHook([]Type{DataReceived}, noop)
	assert.NoError(t, err)
}

func TestManager_DefaultCap(t *testing.T) {
	t.Parallel()

	m := NewManager(0, nil)
	noop := HookInfo{Callback: func(Event) {}}

	for i := 0; i < 100; i++ {
		_, err := m.RegisterHook([]Type{IdleTimeout}, noop)
		require.NoError(t, err)
	}
	_, err := m.RegisterHook([]Type{IdleTimeout}, noop)
	assert.ErrorIs(t, err, ErrHookLimit)
}

func TestManager_PanicIsolation(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m := NewManager(0, log.NewLoggerTo(&buf, false))
	var ran atomic.Bool

	_, err := m.RegisterHook([]Type{ConnectionError}, HookInfo{
		Name:     "panics",
		Priority: 10,
		Callback: func(Event) { panic("hook") },
	})
	require.NoError(t, err)
	_, err = m.RegisterHook([]Type{ConnectionError}, HookInfo{
		Name:     "after",
		Callback: func(Event) { ran.Store(true) },
	})
	require.NoError(t, err)

	m.FireEvent(New(ConnectionError))
	assert.True(t, ran.Load())
	assert.True(t, strings.Contains(buf.String(), "panicked"))
}

func TestManager_Reentrant(t *testing.T) {
	t.Parallel()

	m := NewManager(0, nil)
	var inner atomic.Int32

	_, err := m.RegisterHook([]Type{ConnectionEstablished}, HookInfo{
		Name: "reentrant",
		Callback: func(Event) {
			id, err := m.RegisterHook([]Type{DataReceived}, HookInfo{Callback: func(Event) { inner.Add(1) }})
			require.NoError(t, err)
			m.FireEvent(New(DataReceived))
			m.UnregisterHook(id)
		},
	})
	require.NoError(t, err)

	m.FireEvent(New(ConnectionEstablished))
	assert.EqualValues(t, 1, inner.Load())
	assert.Equal(t, 0, m.HookCount(DataReceived))
}

func TestManager_Disabled(t *testing.T) {
	t.Parallel()

	m := NewManager(0, nil)
	var calls atomic.Int32
	_, err := m.RegisterGlobalHook(HookInfo{Callback: func(Event) { calls.Add(1) }})
	require.NoError(t, err)

	m.SetEnabled(false)
	assert.False(t, m.IsEnabled())
	m.FireEvent(New(DataSent))
	m.FireEventAsync(New(DataSent), executor.Inline)
	assert.EqualValues(t, 0, calls.Load())

	m.SetEnabled(true)
	m.FireEvent(New(DataSent))
	assert.EqualValues(t, 1, calls.Load())
}

func TestManager_FireEventAsync(t *testing.T) {
	t.Parallel()

	m := NewManager(0, nil)
	var calls atomic.Int32
	_, err := m.RegisterHook([]Type{DataReceived}, HookInfo{Callback: func(Event) { calls.Add(1) }})
	require.NoError(t, err)

	pool := executor.NewPool(2, nil)
	defer pool.Close()

	for i := 0; i < 10; i++ {
		m.FireEventAsync(New(DataReceived), pool)
	}
	pool.Drain()
	assert.EqualValues(t, 10, calls.Load())

	m.FireEventAsync(New(DataReceived), nil)
	assert.EqualValues(t, 11, calls.Load())
}

func TestManager_HookInfoByIDAndClear(t *testing.T) {
	t.Parallel()

	m := NewManager(0, nil)
	id, err := m.RegisterHook([]Type{DataSent, DataReceived}, HookInfo{
		Name:     "stats",
		Priority: 3,
		Callback: func(Event) {},
	})
	require.NoError(t, err)

	m.FireEvent(New(DataSent))
	m.FireEvent(New(DataReceived))

	info, ok := m.HookInfoByID(id)
	require.True(t, ok)
	assert.Equal(t, "stats", info.Name)
	assert.Equal(t, 3, info.Priority)
	assert.EqualValues(t, 2, info.Calls)
	assert.ElementsMatch(t, []Type{DataSent, DataReceived}, info.Types)
	assert.False(t, info.RegisteredAt.IsZero())

	m.Clear()
	_, ok = m.HookInfoByID(id)
	assert.False(t, ok)
	assert.Equal(t, 0, m.HookCount(DataSent))
}

func TestConsoleHookAndCounter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m := NewManager(0, nil)
	c := &Counter{}

	_, err := m.RegisterGlobalHook(ConsoleHook(log.NewLoggerTo(&buf, false)))
	require.NoError(t, err)
	_, err = m.RegisterGlobalHook(c.Hook())
	require.NoError(t, err)

	m.FireEvent(New(ConnectionEstablished, WithConnectionID("abc")))
	m.FireEvent(New(DataReceived, WithData([]byte("x"))))
	m.FireEvent(New(DataReceived, WithData([]byte("y"))))

	assert.Contains(t, buf.String(), "connection_established conn=abc")
	assert.NotContains(t, buf.String(), "data_received", "data events are verbose only")
	assert.EqualValues(t, 1, c.Count(ConnectionEstablished))
	assert.EqualValues(t, 2, c.Count(DataReceived))
	assert.EqualValues(t, 3, c.Total())
	assert.Equal(t, map[Type]uint64{ConnectionEstablished: 1, DataReceived: 2}, c.Snapshot())
}

func TestManager_RegisteredAtUsesClock(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager(0, nil, WithClock(mock))

	first, err := m.RegisterHook([]Type{DataSent}, HookInfo{Name: "first", Callback: func(Event) {}})
	require.NoError(t, err)
	mock.Add(time.Minute)
	second, err := m.RegisterGlobalHook(HookInfo{Name: "second", Callback: func(Event) {}})
	require.NoError(t, err)

	info, ok := m.HookInfoByID(first)
	require.True(t, ok)
	assert.True(t, info.RegisteredAt.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)), "got %s", info.RegisteredAt)

	info, ok = m.HookInfoByID(second)
	require.True(t, ok)
	assert.True(t, info.RegisteredAt.Equal(time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC)), "got %s", info.RegisteredAt)
}
