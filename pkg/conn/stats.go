package conn

import (
	"sync/atomic"
	"time"
)

// Stats holds per connection counters. All methods are safe for
// concurrent use.
type Stats struct {
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	errors           atomic.Uint64
	lastActivity     atomic.Int64 // unix nanos
	createdAt        time.Time
}

// StatsSnapshot is a point in time copy of Stats.
type StatsSnapshot struct {
	BytesSent        uint64
	BytesReceived    uint64
	MessagesSent     uint64
	MessagesReceived uint64
	Errors           uint64
	LastActivity     time.Time
	CreatedAt        time.Time
}

func (s *Stats) init(now time.Time) {
	s.createdAt = now
	s.lastActivity.Store(now.UnixNano())
}

func (s *Stats) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Stats) recordSent(n int, now time.Time) {
	s.bytesSent.Add(uint64(n))
	s.messagesSent.Add(1)
	s.touch(now)
}

func (s *Stats) recordReceived(n int, now time.Time) {
	s.bytesReceived.Add(uint64(n))
	s.messagesReceived.Add(1)
	s.touch(now)
}

func (s *Stats) recordError() {
	s.errors.Add(1)
}

// LastActivity returns the time of the last send, receive or touch.
func (s *Stats) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		Errors:           s.errors.Load(),
		LastActivity:     s.LastActivity(),
		CreatedAt:        s.createdAt,
	}
}
