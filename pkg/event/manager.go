package event

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lk2023060901/zeus-sub000/pkg/config"
	"github.com/lk2023060901/zeus-sub000/pkg/executor"
	"github.com/lk2023060901/zeus-sub000/pkg/log"
)

var (
	// ErrHookLimit is returned when a registration would exceed the
	// per-type hook cap.
	ErrHookLimit = errors.New("hook limit reached")
	// ErrNilCallback is returned when a hook has no callback.
	ErrNilCallback = errors.New("hook callback is nil")
	// ErrNoTypes is returned when RegisterHook is called without types.
	ErrNoTypes = errors.New("no event types given")
)

// HookInfo describes a hook to register.
type HookInfo struct {
	Name     string
	Callback func(Event)

	// Filter, when set, must return true for the callback to run.
	Filter func(Event) bool

	// Priority orders hooks; higher runs first.
	Priority int

	// Once unregisters the hook after its first invocation.
	Once bool
}

// HookStats is a read-only view of a registered hook.
type HookStats struct {
	ID           string
	Name         string
	Priority     int
	Once         bool
	Global       bool
	Types        []Type
	Calls        uint64
	RegisteredAt time.Time
}

type hook struct {
	id           string
	seq          uint64
	info         HookInfo
	types        []Type
	global       bool
	registeredAt time.Time

	calls atomic.Uint64
	fired atomic.Bool
}

// Manager dispatches events to registered hooks. It is safe for concurrent
// use; hooks may register, unregister and fire events from inside a
// callback.
type Manager struct {
	mu         sync.RWMutex
	byType     map[Type][]*hook
	global     []*hook
	byID       map[string]*hook
	seq        uint64
	maxPerType int

	enabled atomic.Bool
	logger  *log.Logger
	clock   clock.Clock
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock used to stamp hook registrations.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// NewManager creates an enabled manager. maxPerType <= 0 selects
// config.DefaultMaxHooksPerType.
func NewManager(maxPerType int, logger *log.Logger, opts ...ManagerOption) *Manager {
	if maxPerType <= 0 {
		maxPerType = config.DefaultMaxHooksPerType
	}
	m := &Manager{
		byType:     make(map[Type][]*hook),
		byID:       make(map[string]*hook),
		maxPerType: maxPerType,
		logger:     logger,
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.enabled.Store(true)
	return m
}

// RegisterHook registers info for every type in types. Either the hook is
// added to all of them or to none: if any list is at the cap the call
// fails with ErrHookLimit and returns "".
func (m *Manager) RegisterHook(types []Type, info HookInfo) (string, error) {
	if info.Callback == nil {
		return "", ErrNilCallback
	}
	types = dedupe(types)
	if len(types) == 0 {
		return "", ErrNoTypes
	}
	for _, t := range types {
		if !t.valid() {
			return "", fmt.Errorf("RegisterHook(%s): invalid event type %s", info.Name, t)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range types {
		if len(m.byType[t]) >= m.maxPerType {
			m.logger.WarnMsg("event: hook %q rejected, %s already has %d hooks", info.Name, t, m.maxPerType)
			return "", fmt.Errorf("RegisterHook(%s): %s: %w", info.Name, t, ErrHookLimit)
		}
	}

	h := m.newHookLocked(info)
	h.types = types
	for _, t := range types {
		m.byType[t] = insertSorted(m.byType[t], h)
	}
	m.byID[h.id] = h

	m.logger.VerboseMsg("event: registered hook %s (%s) for %v", h.id, info.Name, types)
	return h.id, nil
}

// RegisterGlobalHook registers info for every event type. The global list
// is subject to the same cap as each per-type list.
func (m *Manager) RegisterGlobalHook(info HookInfo) (string, error) {
	if info.Callback == nil {
		return "", ErrNilCallback
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.global) >= m.maxPerType {
		m.logger.WarnMsg("event: global hook %q rejected, limit %d reached", info.Name, m.maxPerType)
		return "", fmt.Errorf("RegisterGlobalHook(%s): %w", info.Name, ErrHookLimit)
	}

	h := m.newHookLocked(info)
	h.global = true
	m.global = insertSorted(m.global, h)
	m.byID[h.id] = h

	m.logger.VerboseMsg("event: registered global hook %s (%s)", h.id, info.Name)
	return h.id, nil
}

func (m *Manager) newHookLocked(info HookInfo) *hook {
	m.seq++
	return &hook{
		id:           fmt.Sprintf("hook-%d", m.seq),
		seq:          m.seq,
		info:         info,
		registeredAt: m.clock.Now(),
	}
}

// UnregisterHook removes the hook from every list. It reports whether the
// id was registered.
func (m *Manager) UnregisterHook(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)

	if h.global {
		m.global = remove(m.global, h)
	}
	for _, t := range h.types {
		m.byType[t] = remove(m.byType[t], h)
		if len(m.byType[t]) == 0 {
			delete(m.byType, t)
		}
	}
	return true
}

// FireEvent invokes every matching hook on the calling goroutine, in
// descending priority order. A panicking hook is logged and skipped.
func (m *Manager) FireEvent(ev Event) {
	if !m.enabled.Load() {
		return
	}
	for _, h := range m.candidates(ev.Type()) {
		if !m.matches(h, ev) {
			continue
		}
		if h.info.Once && !h.fired.CompareAndSwap(false, true) {
			continue
		}
		m.invoke(h, ev)
		if h.info.Once {
			m.UnregisterHook(h.id)
		}
	}
}

// FireEventAsync posts the dispatch of ev to exec. With a nil executor the
// event is fired synchronously.
func (m *Manager) FireEventAsync(ev Event, exec executor.Executor) {
	if !m.enabled.Load() {
		return
	}
	if exec == nil {
		m.FireEvent(ev)
		return
	}
	exec.Post(func() { m.FireEvent(ev) })
}

// candidates merges the global list and the list for t, both already
// ordered by priority, into a private slice.
func (m *Manager) candidates(t Type) []*hook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, b := m.global, m.byType[t]
	out := make([]*hook, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		if before(b[0], a[0]) {
			out = append(out, b[0])
			b = b[1:]
		} else {
			out = append(out, a[0])
			a = a[1:]
		}
	}
	out = append(out, a...)
	return append(out, b...)
}

func (m *Manager) matches(h *hook, ev Event) (ok bool) {
	if h.info.Filter == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorMsg("event: filter of hook %s (%s) panicked: %v", h.id, h.info.Name, r)
			ok = false
		}
	}()
	return h.info.Filter(ev)
}

func (m *Manager) invoke(h *hook, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorMsg("event: hook %s (%s) panicked on %s: %v", h.id, h.info.Name, ev.Type(), r)
		}
	}()
	h.calls.Add(1)
	h.info.Callback(ev)
}

// SetEnabled turns dispatch on or off. Registration still works while
// disabled.
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// IsEnabled reports whether events are dispatched.
func (m *Manager) IsEnabled() bool {
	return m.enabled.Load()
}

// SetMaxHooksPerType changes the cap for future registrations. Lists
// already above the new cap are left alone.
func (m *Manager) SetMaxHooksPerType(n int) {
	if n <= 0 {
		n = config.DefaultMaxHooksPerType
	}
	m.mu.Lock()
	m.maxPerType = n
	m.mu.Unlock()
}

// MaxHooksPerType returns the current cap.
func (m *Manager) MaxHooksPerType() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxPerType
}

// HookCount returns the number of hooks registered for t, not counting
// global hooks.
func (m *Manager) HookCount(t Type) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byType[t])
}

// GlobalHookCount returns the number of global hooks.
func (m *Manager) GlobalHookCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.global)
}

// HookInfoByID returns the stats of a registered hook.
func (m *Manager) HookInfoByID(id string) (HookStats, bool) {
	m.mu.RLock()
	h, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return HookStats{}, false
	}
	return HookStats{
		ID:           h.id,
		Name:         h.info.Name,
		Priority:     h.info.Priority,
		Once:         h.info.Once,
		Global:       h.global,
		Types:        append([]Type(nil), h.types...),
		Calls:        h.calls.Load(),
		RegisteredAt: h.registeredAt,
	}, true
}

// Clear removes every hook.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byType = make(map[Type][]*hook)
	m.byID = make(map[string]*hook)
	m.global = nil
}

// before orders hooks by descending priority, then registration order.
func before(a, b *hook) bool {
	if a.info.Priority != b.info.Priority {
		return a.info.Priority > b.info.Priority
	}
	return a.seq < b.seq
}

// insertSorted returns a new slice so snapshots taken by FireEvent are
// never mutated underneath it.
func insertSorted(list []*hook, h *hook) []*hook {
	out := make([]*hook, 0, len(list)+1)
	out = append(out, list...)
	out = append(out, h)
	sort.SliceStable(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

func remove(list []*hook, h *hook) []*hook {
	out := make([]*hook, 0, len(list))
	for _, x := range list {
		if x != h {
			out = append(out, x)
		}
	}
	return out
}

func dedupe(types []Type) []Type {
	seen := make(map[Type]bool, len(types))
	out := make([]Type, 0, len(types))
	for _, t := range types {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
