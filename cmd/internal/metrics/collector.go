// Package metrics exports Prometheus collectors fed by the collab event bus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coedit/cmd/internal/collab"
)

// Collector owns a private registry so tests and multiple servers don't collide.
type Collector struct {
	reg *prometheus.Registry

	events         *prometheus.CounterVec
	activeSessions prometheus.Gauge
	participants   prometheus.Gauge
	changeBytes    prometheus.Histogram

	mu         sync.Mutex
	perSession map[string]int
	total      int
}

// New registers the collab collectors plus the Go and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		reg: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coedit_events_total",
			Help: "Events published on the collab bus, by type.",
		}, []string{"type"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "coedit_active_sessions",
			Help: "Sessions currently open.",
		}),
		participants: f.NewGauge(prometheus.GaugeOpts{
			Name: "coedit_participants",
			Help: "Participants across all open sessions.",
		}),
		changeBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coedit_change_content_bytes",
			Help:    "Content size of applied changes.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		perSession: make(map[string]int),
	}
}

// Observe is a collab.Listener.
func (c *Collector) Observe(ev collab.Event) {
	c.events.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case collab.EventSessionCreated:
		c.activeSessions.Inc()
		if p, ok := ev.Payload.(collab.SessionCreatedPayload); ok {
			c.setParticipants(ev.SessionID, len(p.Session.Participants))
		}
	case collab.EventSessionClosed:
		c.activeSessions.Dec()
		c.setParticipants(ev.SessionID, -1)
	case collab.EventParticipantJoined, collab.EventParticipantLeft:
		if p, ok := ev.Payload.(collab.ParticipantPayload); ok {
			c.setParticipants(ev.SessionID, len(p.Participants))
		}
	case collab.EventChangeApplied:
		if p, ok := ev.Payload.(collab.ChangePayload); ok {
			c.changeBytes.Observe(float64(len(p.Change.Content)))
		}
	}
}

// setParticipants records n members for sessionID; n < 0 forgets the session.
func (c *Collector) setParticipants(sessionID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total -= c.perSession[sessionID]
	if n < 0 {
		delete(c.perSession, sessionID)
	} else {
		c.perSession[sessionID] = n
		c.total += n
	}
	c.participants.Set(float64(c.total))
}

// RegisterDropCounter exposes a consumer's backpressure drop count.
func (c *Collector) RegisterDropCounter(consumer string, dropped func() uint64) {
	c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "coedit_bus_dropped_events_total",
		Help:        "Events a bus consumer lost to backpressure or shutdown.",
		ConstLabels: prometheus.Labels{"consumer": consumer},
	}, func() float64 { return float64(dropped()) }))
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}
