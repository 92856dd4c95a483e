package bus

import (
	"sync"
	"testing"
)

// fakeSink is a minimal Sink for exercising Broadcast's backpressure policy
// without a real WebSocket connection.
type fakeSink struct {
	mu     sync.Mutex
	id     string
	accept bool
	sent   int
	last   []byte
	closed bool
	code   int
}

func (f *fakeSink) ID() string { return f.id }

func (f *fakeSink) TrySend(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.sent++
	f.last = payload
	return true
}

func (f *fakeSink) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
}

func TestBroadcastStampsSameSeqForAllRecipients(t *testing.T) {
	b := New()
	a := &fakeSink{id: "a", accept: true}
	c := &fakeSink{id: "c", accept: true}
	b.Register(a)
	b.Register(c)

	b.Broadcast("tick", map[string]any{}, nil, true)

	if a.sent != 1 || c.sent != 1 {
		t.Fatalf("expected both sinks to receive the frame, got a=%d c=%d", a.sent, c.sent)
	}
	if string(a.last) != string(c.last) {
		t.Fatalf("expected identical frames (same seq) for both sinks, got a=%s c=%s", a.last, c.last)
	}
}

func TestBroadcastDropsForSlowConsumerWhenAllowed(t *testing.T) {
	b := New()
	slow := &fakeSink{id: "slow", accept: false}
	b.Register(slow)

	b.Broadcast("tick", nil, nil, true)

	if slow.closed {
		t.Fatal("a dropIfSlow broadcast must not close a slow consumer")
	}
}

func TestBroadcastClosesSlowConsumerWhenNotDroppable(t *testing.T) {
	b := New()
	slow := &fakeSink{id: "slow", accept: false}
	b.Register(slow)

	b.Broadcast("chat", nil, nil, false)

	if !slow.closed || slow.code != CloseSlowConsumer {
		t.Fatalf("expected slow consumer closed with code %d, got closed=%v code=%d", CloseSlowConsumer, slow.closed, slow.code)
	}
}

func TestPresenceRoundTripPreservesInsertionOrder(t *testing.T) {
	b := New()
	b.AddPresence("conn-1", PresenceEntry{Host: "h1"})
	b.AddPresence("conn-2", PresenceEntry{Host: "h2"})

	list := b.ListPresence()
	if len(list) != 2 || list[0].InstanceID != "conn-1" || list[1].InstanceID != "conn-2" {
		t.Fatalf("got %+v", list)
	}

	b.RemovePresence("conn-1")
	list = b.ListPresence()
	if len(list) != 1 || list[0].InstanceID != "conn-2" {
		t.Fatalf("got %+v", list)
	}
}

func TestAddAndRemovePresenceBumpStateVersion(t *testing.T) {
	b := New()
	before := b.State.Presence.Load()
	b.AddPresence("conn-1", PresenceEntry{})
	b.RemovePresence("conn-1")
	if after := b.State.Presence.Load(); after != before+2 {
		t.Fatalf("expected presence counter to advance by 2, got %d -> %d", before, after)
	}
}

func TestSendTargetsOneConnectionOnly(t *testing.T) {
	b := New()
	a := &fakeSink{id: "a", accept: true}
	other := &fakeSink{id: "other", accept: true}
	b.Register(a)
	b.Register(other)

	if ok := b.Send("a", "health", nil); !ok {
		t.Fatal("expected Send to succeed for a registered connection")
	}
	if a.sent != 1 || other.sent != 0 {
		t.Fatalf("expected only the targeted sink to receive the frame, got a=%d other=%d", a.sent, other.sent)
	}
}

func TestSendUnknownConnectionReturnsFalse(t *testing.T) {
	b := New()
	if ok := b.Send("missing", "health", nil); ok {
		t.Fatal("expected Send to fail for an unregistered connection")
	}
}
