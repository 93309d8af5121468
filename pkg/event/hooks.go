package event

import (
	"sync/atomic"

	"github.com/lk2023060901/zeus-sub000/pkg/log"
)

// ConsoleHook returns a hook printing every event it receives. Lifecycle
// events are printed as info, data events only in verbose mode.
func ConsoleHook(logger *log.Logger) HookInfo {
	return HookInfo{
		Name:     "console",
		Priority: -100,
		Callback: func(ev Event) {
			switch ev.Type() {
			case ConnectionError:
				logger.ErrorMsg("%s", ev)
			case DataReceived, DataSent:
				logger.VerboseMsg("%s", ev)
			default:
				logger.InfoMsg("%s", ev)
			}
		},
	}
}

// Counter counts events per type.
type Counter struct {
	counts [numTypes]atomic.Uint64
}

// Hook returns a hook feeding the counter. Register it globally.
func (c *Counter) Hook() HookInfo {
	return HookInfo{
		Name:     "counter",
		Priority: 100,
		Callback: func(ev Event) {
			if ev.Type().valid() {
				c.counts[ev.Type()].Add(1)
			}
		},
	}
}

// Count returns how many events of type t were seen.
func (c *Counter) Count(t Type) uint64 {
	if !t.valid() {
		return 0
	}
	return c.counts[t].Load()
}

// Total returns the number of events seen.
func (c *Counter) Total() uint64 {
	var n uint64
	for i := range c.counts {
		n += c.counts[i].Load()
	}
	return n
}

// Snapshot returns the non-zero counts keyed by type.
func (c *Counter) Snapshot() map[Type]uint64 {
	out := make(map[Type]uint64)
	for i := range c.counts {
		if n := c.counts[i].Load(); n > 0 {
			out[Type(i)] = n
		}
	}
	return out
}
