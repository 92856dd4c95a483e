package periodic

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chatgateway/pkg/bus"
	"chatgateway/pkg/idempotency"
)

// recordingSink captures the event name of every frame delivered to it so
// tests can assert on which periodic events actually reached a connection.
type recordingSink struct {
	id     string
	events []string
}

func (s *recordingSink) ID() string { return s.id }
func (s *recordingSink) TrySend(payload []byte) bool {
	var f struct {
		Event string `json:"event"`
	}
	_ = json.Unmarshal(payload, &f)
	s.events = append(s.events, f.Event)
	return true
}
func (s *recordingSink) Close(code int, reason string) {}

func TestRunnerEmitsTickAndHealthOnSchedule(t *testing.T) {
	b := bus.New()
	sink := &recordingSink{id: "conn-1"}
	b.Register(sink)

	r := &Runner{
		Bus:                   b,
		Idem:                  idempotency.New(10, time.Minute),
		TickInterval:          10 * time.Millisecond,
		HealthRefreshInterval: 15 * time.Millisecond,
		DedupeSweepInterval:   time.Hour,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	seen := map[string]bool{}
	for _, ev := range sink.events {
		seen[ev] = true
	}
	if !seen["tick"] || !seen["health"] {
		t.Fatalf("expected both tick and health broadcasts to reach the connection, got %v", sink.events)
	}
}

func TestSweepIdempotencyDropsExpiredKeys(t *testing.T) {
	idem := idempotency.New(10, 5*time.Millisecond)
	idem.Record("stale-key")
	time.Sleep(15 * time.Millisecond)

	r := &Runner{Idem: idem}
	r.sweepIdempotency()

	if idem.Len() != 0 {
		t.Fatalf("expected the expired key to be swept, got len=%d", idem.Len())
	}
}

func TestSafeguardRecoversPanicWithoutPropagating(t *testing.T) {
	r := &Runner{}
	r.safeguard("boom", func() { panic("nope") })
}
