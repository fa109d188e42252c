// Package metrics exposes Prometheus collectors for calls, the relay, the
// offline inbox and the sweeper. Collectors implements the Metrics hooks of
// those packages so they never import Prometheus themselves.
package metrics

import (
	"call-signaling/internal/calls"

	"github.com/prometheus/client_golang/prometheus"
)

type Collectors struct {
	callStatus      *prometheus.CounterVec
	acceptConflicts prometheus.Counter
	expired         prometheus.Counter
	connections     prometheus.Gauge
	broadcasts      *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	dropped         prometheus.Counter
	inboxQueued     prometheus.Counter
	inboxDiscarded  prometheus.Counter
	inboxEvicted    prometheus.Counter
	storeFallbacks  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		callStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_status_transitions_total",
			Help: "Call status transitions by target status.",
		}, []string{"status"}),
		acceptConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calls_accept_conflicts_total",
			Help: "Accept attempts that lost the race or hit a resolved call.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calls_ring_timeouts_total",
			Help: "Ringing calls expired by the sweeper.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Connections currently registered with the relay.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Events broadcast by the relay, by event type.",
		}, []string{"type"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Frames handed to connections, by event type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_dropped_frames_total",
			Help: "Frames dropped because a connection's send buffer was full.",
		}),
		inboxQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_invites_queued_total",
			Help: "Invites buffered for offline responders.",
		}),
		inboxDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_invites_discarded_total",
			Help: "Buffered invites discarded on drain because the call was no longer pending.",
		}),
		inboxEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_invites_evicted_total",
			Help: "Buffered invites evicted by the per-responder capacity.",
		}),
		storeFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_store_fallbacks_total",
			Help: "Operations served by the in-memory store after the primary failed.",
		}, []string{"op"}),
	}
	reg.MustRegister(
		c.callStatus, c.acceptConflicts, c.expired,
		c.connections, c.broadcasts, c.delivered, c.dropped,
		c.inboxQueued, c.inboxDiscarded, c.inboxEvicted,
		c.storeFallbacks,
	)
	return c
}

func (c *Collectors) CallStatus(s calls.Status) { c.callStatus.WithLabelValues(string(s)).Inc() }
func (c *Collectors) AcceptConflict()           { c.acceptConflicts.Inc() }
func (c *Collectors) Expired(n int)             { c.expired.Add(float64(n)) }

func (c *Collectors) Connections(n int) { c.connections.Set(float64(n)) }

func (c *Collectors) Broadcast(kind string, delivered int) {
	c.broadcasts.WithLabelValues(kind).Inc()
	c.delivered.WithLabelValues(kind).Add(float64(delivered))
}

func (c *Collectors) Dropped() { c.dropped.Inc() }

func (c *Collectors) InviteQueued()    { c.inboxQueued.Inc() }
func (c *Collectors) InviteDiscarded() { c.inboxDiscarded.Inc() }

// InboxEvicted counts n invites pushed out of a full inbox.
func (c *Collectors) InboxEvicted(n int) { c.inboxEvicted.Add(float64(n)) }

// StoreFallback counts one call-store operation served from memory.
func (c *Collectors) StoreFallback(op string) { c.storeFallbacks.WithLabelValues(op).Inc() }
