// Package relay is the topic registry: it maps connections to the named
// topics they joined and delivers broadcasts to every current subscriber.
package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"call-signaling/internal/events"
	"call-signaling/pkg/logger"
)

func ResponderTopic(id string) string { return "responder:" + id }
func RequesterTopic(id string) string { return "requester:" + id }
func OrgTopic(id string) string       { return "org:" + id }
func CallTopic(id string) string      { return "call:" + id }

// Conn is one live connection. Send must not block; it returns false when
// the connection cannot take more frames.
type Conn interface {
	ID() string
	Send(frame []byte) bool
}

// Replicator copies a broadcast to other process instances.
type Replicator interface {
	Replicate(ctx context.Context, topics []string, frame []byte, excludeID string)
}

// Metrics observes hub traffic. Optional.
type Metrics interface {
	Connections(n int)
	Broadcast(kind string, delivered int)
	Dropped()
}

// Hub is safe for concurrent use. Broadcasts are serialized under the hub
// lock, so every subscriber sees frames of one topic in broadcast order.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]Conn
	topics map[string]map[string]struct{} // topic -> conn ids
	joined map[string]map[string]struct{} // conn id -> topics

	replicator Replicator
	metrics    Metrics
	log        *slog.Logger
}

func NewHub(l *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]Conn),
		topics: make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
		log:    logger.Component(l, "relay"),
	}
}

// SetReplicator wires a cross-instance bridge. Call before serving traffic.
func (h *Hub) SetReplicator(r Replicator) { h.replicator = r }

func (h *Hub) SetMetrics(m Metrics) { h.metrics = m }

// Join subscribes c to topic. Joining twice is a no-op.
func (h *Hub) Join(c Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := c.ID()
	if _, ok := h.conns[id]; !ok {
		h.conns[id] = c
		h.joined[id] = make(map[string]struct{})
		if h.metrics != nil {
			h.metrics.Connections(len(h.conns))
		}
	}
	h.joined[id][topic] = struct{}{}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		h.topics[topic] = subs
	}
	subs[id] = struct{}{}
}

// Leave unsubscribes the connection from one topic.
func (h *Hub) Leave(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, topic)
}

// LeaveAll drops every membership of the connection and returns the topics
// it had joined.
func (h *Hub) LeaveAll(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts := h.joined[connID]
	out := make([]string, 0, len(ts))
	for t := range ts {
		out = append(out, t)
	}
	for _, t := range out {
		h.leaveLocked(connID, t)
	}
	if _, ok := h.conns[connID]; ok {
		delete(h.conns, connID)
		delete(h.joined, connID)
		if h.metrics != nil {
			h.metrics.Connections(len(h.conns))
		}
	}
	sort.Strings(out)
	return out
}

func (h *Hub) leaveLocked(connID, topic string) {
	if ts, ok := h.joined[connID]; ok {
		delete(ts, topic)
	}
	if subs, ok := h.topics[topic]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// SubscriberCount reports live subscribers of topic on this instance.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Topics lists the topics a connection has joined, sorted.
func (h *Hub) Topics(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.joined[connID]))
	for t := range h.joined[connID] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Publish encodes ev and broadcasts it to the union of topics. A connection
// subscribed to several of them receives the frame once. excludeID, when
// set, is skipped. It returns how many local connections accepted the frame.
func (h *Hub) Publish(ctx context.Context, topics []string, ev events.Event, excludeID string) int {
	frame, err := events.Encode(ev)
	if err != nil {
		h.log.Error("encode event", "kind", ev.Kind(), "err", err)
		return 0
	}
	n := h.Deliver(topics, frame, excludeID)
	if h.metrics != nil {
		h.metrics.Broadcast(string(ev.Kind()), n)
	}
	if h.replicator != nil {
		h.replicator.Replicate(ctx, topics, frame, excludeID)
	}
	return n
}

// SendTo delivers ev to a single connection.
func (h *Hub) SendTo(connID string, ev events.Event) bool {
	frame, err := events.Encode(ev)
	if err != nil {
		h.log.Error("encode event", "kind", ev.Kind(), "err", err)
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	return h.sendLocked(c, frame)
}

// Deliver writes an already-encoded frame to local subscribers only.
func (h *Hub) Deliver(topics []string, frame []byte, excludeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]struct{})
	n := 0
	for _, t := range topics {
		for id := range h.topics[t] {
			if id == excludeID {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if h.sendLocked(h.conns[id], frame) {
				n++
			}
		}
	}
	return n
}

func (h *Hub) sendLocked(c Conn, frame []byte) bool {
	if c == nil {
		return false
	}
	if c.Send(frame) {
		return true
	}
	h.log.Warn("connection send buffer full; frame dropped", "conn_id", c.ID())
	if h.metrics != nil {
		h.metrics.Dropped()
	}
	return false
}
