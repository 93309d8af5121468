// Package metrics exports the event stream and acceptor state as
// Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lk2023060901/zeus-sub000/pkg/conn"
	"github.com/lk2023060901/zeus-sub000/pkg/event"
	"github.com/lk2023060901/zeus-sub000/pkg/transport"
)

const namespace = "zeusnet"

// Collector turns events into Prometheus series. Register its Hook
// globally on an event.Manager.
type Collector struct {
	registry *prometheus.Registry

	events  *prometheus.CounterVec // by type, protocol
	bytes   *prometheus.CounterVec // by direction, protocol
	active  *prometheus.GaugeVec   // by protocol
	errors  *prometheus.CounterVec // by protocol
	timeout *prometheus.CounterVec // by protocol
}

// NewCollector creates a collector with its own registry, which also
// carries the Go runtime and process collectors.
func NewCollector() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Connection events fired, by event type",
		}, []string{"type", "protocol"}),

		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Payload bytes received (in) and sent (out)",
		}, []string{"direction", "protocol"}),

		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently in state connected",
		}, []string{"protocol"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Connections that failed with an error",
		}, []string{"protocol"}),

		timeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_timeouts_total",
			Help:      "Connections closed for inactivity",
		}, []string{"protocol"}),
	}

	for _, col := range []prometheus.Collector{
		c.events, c.bytes, c.active, c.errors, c.timeout,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("Register(): %w", err)
		}
	}
	return c, nil
}

// Registry returns the registry the collector exports to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// TrackAcceptor exports a's live connection count and running flag.
func (c *Collector) TrackAcceptor(a transport.Acceptor) error {
	labels := prometheus.Labels{"protocol": a.Protocol()}

	count := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "acceptor_connections",
		Help:        "Connections held by the acceptor",
		ConstLabels: labels,
	}, func() float64 { return float64(a.ConnectionCount()) })

	running := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "acceptor_running",
		Help:        "1 while the acceptor is serving",
		ConstLabels: labels,
	}, func() float64 {
		if a.IsRunning() {
			return 1
		}
		return 0
	})

	for _, col := range []prometheus.Collector{count, running} {
		if err := c.registry.Register(col); err != nil {
			return fmt.Errorf("Register(%s acceptor): %w", a.Protocol(), err)
		}
	}
	return nil
}

// Hook returns the global hook feeding the collector.
func (c *Collector) Hook() event.HookInfo {
	return event.HookInfo{
		Name:     "metrics",
		Priority: 90,
		Callback: c.observe,
	}
}

func (c *Collector) observe(ev event.Event) {
	proto := ev.Protocol()
	c.events.WithLabelValues(ev.Type().String(), proto).Inc()

	switch ev.Type() {
	case event.ConnectionEstablished:
		c.active.WithLabelValues(proto).Inc()
	case event.ConnectionClosed:
		// Error -> Disconnected fires a second close
		if old, _ := ev.Field("old_state"); old == conn.Connected.String() {
			c.active.WithLabelValues(proto).Dec()
		}
	case event.ConnectionError:
		c.errors.WithLabelValues(proto).Inc()
	case event.IdleTimeout:
		c.timeout.WithLabelValues(proto).Inc()
	case event.DataReceived:
		c.bytes.WithLabelValues("in", proto).Add(float64(ev.BytesTransferred()))
	case event.DataSent:
		c.bytes.WithLabelValues("out", proto).Add(float64(ev.BytesTransferred()))
	}
}
