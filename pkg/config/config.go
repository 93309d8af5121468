// Package config holds the configuration surface of the transport layer:
// per-acceptor settings, event dispatch limits and injectable dependencies.
package config

import (
	"fmt"
	"time"
)

// Defaults applied by Default and by acceptors for zero values.
const (
	DefaultMaxConnections    = 10000
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSendQueue         = 256
	DefaultReadBuffer        = 32 * 1024

	DefaultTickInterval     = 10 * time.Millisecond
	DefaultCleanupInterval  = 30 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultMagic            = 0x5A4B4350 // "PCKZ" on the wire

	DefaultWSPath = "/ws"

	DefaultMaxHooksPerType = 100
	DefaultEventWorkers    = 4
)

// Config is the root configuration, usually loaded from a TOML file.
// An empty Addr disables the corresponding acceptor.
type Config struct {
	Verbose bool   `toml:"verbose"`
	TCP     TCP    `toml:"tcp"`
	KCP     KCP    `toml:"kcp"`
	WS      WS     `toml:"ws"`
	Events  Events `toml:"events"`
}

// Heartbeat controls the per-connection keepalive timer.
type Heartbeat struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
}

// TCP configures the stream acceptor.
type TCP struct {
	Addr           string    `toml:"addr"`
	MaxConnections int       `toml:"max_connections"`
	IdleTimeout    Duration  `toml:"idle_timeout"`
	SendQueue      int       `toml:"send_queue"`
	ReadBuffer     int       `toml:"read_buffer"`
	Heartbeat      Heartbeat `toml:"heartbeat"`
}

// KCP configures the multiplexed UDP acceptor and the per-session engine.
type KCP struct {
	Addr             string    `toml:"addr"`
	MaxConnections   int       `toml:"max_connections"`
	IdleTimeout      Duration  `toml:"idle_timeout"`
	TickInterval     Duration  `toml:"tick_interval"`
	CleanupInterval  Duration  `toml:"cleanup_interval"`
	HandshakeTimeout Duration  `toml:"handshake_timeout"`
	Magic            uint32    `toml:"magic"`
	Heartbeat        Heartbeat `toml:"heartbeat"`

	// engine tuning, see kcp NoDelay/WndSize/SetMtu
	NoDelay      int `toml:"nodelay"`
	Interval     int `toml:"interval"`
	Resend       int `toml:"resend"`
	NoCongestion int `toml:"no_congestion"`
	SendWindow   int `toml:"send_window"`
	RecvWindow   int `toml:"recv_window"`
	MTU          int `toml:"mtu"`
}

// WS configures the WebSocket acceptor.
type WS struct {
	Addr           string    `toml:"addr"`
	Path           string    `toml:"path"`
	MaxConnections int       `toml:"max_connections"`
	IdleTimeout    Duration  `toml:"idle_timeout"`
	SendQueue      int       `toml:"send_queue"`
	Heartbeat      Heartbeat `toml:"heartbeat"`
}

// Events configures the hook dispatcher.
type Events struct {
	MaxHooksPerType int `toml:"max_hooks_per_type"`
	Workers         int `toml:"workers"`
}

// Default returns a configuration with every default filled in and all
// acceptors disabled.
func Default() *Config {
	return &Config{
		TCP: DefaultTCP(""),
		KCP: DefaultKCP(""),
		WS:  DefaultWS(""),
		Events: Events{
			MaxHooksPerType: DefaultMaxHooksPerType,
			Workers:         DefaultEventWorkers,
		},
	}
}

// DefaultTCP returns TCP defaults for addr.
func DefaultTCP(addr string) TCP {
	return TCP{
		Addr:           addr,
		MaxConnections: DefaultMaxConnections,
		IdleTimeout:    Duration{DefaultIdleTimeout},
		SendQueue:      DefaultSendQueue,
		ReadBuffer:     DefaultReadBuffer,
		Heartbeat:      Heartbeat{Interval: Duration{DefaultHeartbeatInterval}},
	}
}

// DefaultKCP returns KCP defaults for addr. Engine tuning matches a
// low-latency profile: nodelay on, 10ms internal interval, fast resend
// after 2 ACK skips, congestion control off.
func DefaultKCP(addr string) KCP {
	return KCP{
		Addr:             addr,
		MaxConnections:   DefaultMaxConnections,
		IdleTimeout:      Duration{DefaultIdleTimeout},
		TickInterval:     Duration{DefaultTickInterval},
		CleanupInterval:  Duration{DefaultCleanupInterval},
		HandshakeTimeout: Duration{DefaultHandshakeTimeout},
		Magic:            DefaultMagic,
		Heartbeat:        Heartbeat{Interval: Duration{DefaultHeartbeatInterval}},
		NoDelay:          1,
		Interval:         10,
		Resend:           2,
		NoCongestion:     1,
		SendWindow:       1024,
		RecvWindow:       1024,
		MTU:              1400,
	}
}

// DefaultWS returns WebSocket defaults for addr.
func DefaultWS(addr string) WS {
	return WS{
		Addr:           addr,
		Path:           DefaultWSPath,
		MaxConnections: DefaultMaxConnections,
		IdleTimeout:    Duration{DefaultIdleTimeout},
		SendQueue:      DefaultSendQueue,
		Heartbeat:      Heartbeat{Interval: Duration{DefaultHeartbeatInterval}},
	}
}

// Validate checks the whole tree and returns every problem found.
func (c *Config) Validate() []error {
	return Validate(&c.TCP, &c.KCP, &c.WS, &c.Events)
}

// Validate ...
func (c *TCP) Validate() []error {
	var errors []error

	if c.Addr != "" {
		if err := validateListenAddr(c.Addr); err != nil {
			errors = append(errors, fmt.Errorf("tcp.addr: %s", err))
		}
	}
	if c.MaxConnections < 0 {
		errors = append(errors, fmt.Errorf("tcp.max_connections must be >= 0"))
	}
	if c.IdleTimeout.Duration < 0 {
		errors = append(errors, fmt.Errorf("tcp.idle_timeout must be >= 0"))
	}
	if c.SendQueue < 0 {
		errors = append(errors, fmt.Errorf("tcp.send_queue must be >= 0"))
	}
	errors = append(errors, c.Heartbeat.validate("tcp")...)

	return errors
}

// Validate ...
func (c *KCP) Validate() []error {
	var errors []error

	if c.Addr != "" {
		if err := validateListenAddr(c.Addr); err != nil {
			errors = append(errors, fmt.Errorf("kcp.addr: %s", err))
		}
	}
	if c.MaxConnections < 0 {
		errors = append(errors, fmt.Errorf("kcp.max_connections must be >= 0"))
	}
	if c.TickInterval.Duration < 0 || c.CleanupInterval.Duration < 0 {
		errors = append(errors, fmt.Errorf("kcp intervals must be >= 0"))
	}
	if c.IdleTimeout.Duration < 0 {
		errors = append(errors, fmt.Errorf("kcp.idle_timeout must be >= 0"))
	}
	if c.Addr != "" && c.Magic == 0 {
		errors = append(errors, fmt.Errorf("kcp.magic must not be 0"))
	}
	if c.MTU != 0 && (c.MTU < 50 || c.MTU > 1500) {
		errors = append(errors, fmt.Errorf("kcp.mtu %d not in [50, 1500]", c.MTU))
	}
	errors = append(errors, c.Heartbeat.validate("kcp")...)

	return errors
}

// Validate ...
func (c *WS) Validate() []error {
	var errors []error

	if c.Addr != "" {
		if err := validateListenAddr(c.Addr); err != nil {
			errors = append(errors, fmt.Errorf("ws.addr: %s", err))
		}
		if c.Path == "" || c.Path[0] != '/' {
			errors = append(errors, fmt.Errorf("ws.path must start with '/'"))
		}
	}
	if c.MaxConnections < 0 {
		errors = append(errors, fmt.Errorf("ws.max_connections must be >= 0"))
	}
	errors = append(errors, c.Heartbeat.validate("ws")...)

	return errors
}

// Validate ...
func (c *Events) Validate() []error {
	var errors []error

	if c.MaxHooksPerType < 0 {
		errors = append(errors, fmt.Errorf("events.max_hooks_per_type must be >= 0"))
	}
	if c.Workers < 0 {
		errors = append(errors, fmt.Errorf("events.workers must be >= 0"))
	}

	return errors
}

func (h Heartbeat) validate(section string) []error {
	if h.Enabled && h.Interval.Duration <= 0 {
		return []error{fmt.Errorf("%s.heartbeat.interval must be > 0 when enabled", section)}
	}
	return nil
}

// Duration is a time.Duration that decodes from strings like "10ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("time.ParseDuration(%s): %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Or returns d, or def when d is not positive.
func (d Duration) Or(def time.Duration) time.Duration {
	if d.Duration <= 0 {
		return def
	}
	return d.Duration
}
