// Package bus implements the broadcast event bus (C4, spec §4.8): global
// monotonic sequencing, per-connection fan-out, and the backpressure policy
// between dropping an event and closing a slow connection.
//
// Grounded on the teacher's gateway.GatewayManager fan-out methods
// (SendReply/StreamReply) and web.SafeConn's single-writer-goroutine
// discipline, generalized from "one channel, one target" into
// "broadcast to every authenticated connection with an explicit outbox".
package bus

import (
	"sync"
	"sync/atomic"

	"chatgateway/pkg/protocol"
	"chatgateway/pkg/telemetry"
)

const (
	// DefaultOutboxSize is the bounded per-connection outbox length (§9's
	// suggested 512-message bound, used when a platform doesn't expose a
	// byte-level bufferedAmount).
	DefaultOutboxSize = 512
	// CloseSlowConsumer is the close code used when backpressure trips for
	// a non-droppable event.
	CloseSlowConsumer = protocol.CloseHandshakeFailure
)

// Sink is the minimal interface a connection exposes to the bus.
type Sink interface {
	ID() string
	// TrySend attempts a non-blocking enqueue of the already-serialized
	// frame. It returns false if the outbox is full.
	TrySend(payload []byte) bool
	// Close tears the connection down with the given WebSocket close code.
	Close(code int, reason string)
}

// StateVersion tracks the presence/health monotonic counters (spec §3).
type StateVersion struct {
	Presence atomic.Uint64
	Health   atomic.Uint64
}

// PresenceEntry is one live-connection record, per spec §3. The insertion
// order is preserved for ListPresence so snapshots are stable for clients
// doing a naive diff.
type PresenceEntry struct {
	InstanceID string   `json:"instanceId"`
	Host       string   `json:"host"`
	Version    string   `json:"version"`
	Platform   string   `json:"platform"`
	Mode       string   `json:"mode"`
	Ts         int64    `json:"ts"`
	Reason     string   `json:"reason,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
}

// Bus owns the global sequence counter, the live connection set used for
// fan-out, and the presence list. It does not own connection lifecycle
// (wsgateway does); it only needs to iterate whatever is currently
// registered.
type Bus struct {
	seq   atomic.Uint64
	State StateVersion

	mu    sync.RWMutex
	conns map[string]Sink

	presenceMu    sync.RWMutex
	presenceOrder []string
	presence      map[string]PresenceEntry

	Metrics *telemetry.Metrics // optional; nil means dropped-event counting is skipped
}

func New() *Bus {
	return &Bus{conns: make(map[string]Sink), presence: make(map[string]PresenceEntry)}
}

// WithMetrics attaches the process's Prometheus series so dropped broadcasts
// are counted per event name.
func (b *Bus) WithMetrics(m *telemetry.Metrics) *Bus {
	b.Metrics = m
	return b
}

// AddPresence records a newly-authenticated connection and bumps
// stateVersion.presence inside the same critical section, per spec §9's
// warning against observing a stale snapshot with a fresh counter.
func (b *Bus) AddPresence(instanceID string, entry PresenceEntry) {
	entry.InstanceID = instanceID
	b.presenceMu.Lock()
	if _, exists := b.presence[instanceID]; !exists {
		b.presenceOrder = append(b.presenceOrder, instanceID)
	}
	b.presence[instanceID] = entry
	b.State.Presence.Add(1)
	b.presenceMu.Unlock()
}

// RemovePresence drops a connection's presence entry on close.
func (b *Bus) RemovePresence(instanceID string) {
	b.presenceMu.Lock()
	if _, ok := b.presence[instanceID]; ok {
		delete(b.presence, instanceID)
		for i, id := range b.presenceOrder {
			if id == instanceID {
				b.presenceOrder = append(b.presenceOrder[:i], b.presenceOrder[i+1:]...)
				break
			}
		}
		b.State.Presence.Add(1)
	}
	b.presenceMu.Unlock()
}

// ListPresence returns the current presence list in insertion order.
func (b *Bus) ListPresence() []PresenceEntry {
	b.presenceMu.RLock()
	defer b.presenceMu.RUnlock()
	out := make([]PresenceEntry, 0, len(b.presenceOrder))
	for _, id := range b.presenceOrder {
		out = append(out, b.presence[id])
	}
	return out
}

func (b *Bus) Register(c Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.ID()] = c
}

func (b *Bus) Unregister(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, connID)
}

// Count returns the number of currently registered (authenticated)
// connections — used for the presence invariant in spec §8.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// NextSeq atomically assigns the next global sequence number. Exposed so
// callers that need the seq value before building the event payload (e.g.
// to embed it for a response too) can fetch it directly.
func (b *Bus) NextSeq() uint64 {
	return b.seq.Add(1)
}

// Broadcast fans an event out to every registered connection, atomically
// stamping the event with the next global sequence number exactly once so
// all recipients observe the same seq for that logical event (spec §4.8's
// ordering guarantee). dropIfSlow selects the backpressure policy: tick,
// health, presence, and heartbeat events are marked dropIfSlow=true.
func (b *Bus) Broadcast(eventName string, payload any, stateVersion any, dropIfSlow bool) {
	seq := b.NextSeq()
	frame, err := protocol.EncodeEvent(protocol.Event{
		Event:        eventName,
		Payload:      payload,
		Seq:          seq,
		StateVersion: stateVersion,
	})
	if err != nil {
		return
	}

	b.mu.RLock()
	targets := make([]Sink, 0, len(b.conns))
	for _, c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		if c.TrySend(frame) {
			continue
		}
		if dropIfSlow {
			if b.Metrics != nil {
				b.Metrics.RecordDroppedEvent(eventName)
			}
			continue
		}
		c.Close(CloseSlowConsumer, "slow consumer")
	}
}

// CloseAll tears down every registered connection with the given close
// code — used by C11 shutdown.
func (b *Bus) CloseAll(code int, reason string) {
	b.mu.RLock()
	targets := make([]Sink, 0, len(b.conns))
	for _, c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.RUnlock()
	for _, c := range targets {
		c.Close(code, reason)
	}
}

// Send delivers an event to exactly one connection (still consuming a
// global seq, so per-connection ordering relative to broadcasts holds).
func (b *Bus) Send(connID string, eventName string, payload any) bool {
	seq := b.NextSeq()
	frame, err := protocol.EncodeEvent(protocol.Event{Event: eventName, Payload: payload, Seq: seq})
	if err != nil {
		return false
	}
	b.mu.RLock()
	c, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	return c.TrySend(frame)
}
