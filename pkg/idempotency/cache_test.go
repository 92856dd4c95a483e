package idempotency

import (
	"testing"
	"time"
)

func TestIsDuplicateAfterRecord(t *testing.T) {
	c := New(10, time.Minute)
	if c.IsDuplicate("a") {
		t.Fatal("unrecorded key should not be a duplicate")
	}
	c.Record("a")
	if !c.IsDuplicate("a") {
		t.Fatal("recorded key should be a duplicate")
	}
}

func TestRecordIsIdempotentForSameKey(t *testing.T) {
	c := New(2, time.Minute)
	c.Record("a")
	c.Record("a")
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	c := New(2, time.Minute)
	c.Record("a")
	c.Record("b")
	c.Record("c") // evicts "a"
	if c.IsDuplicate("a") {
		t.Fatal("oldest entry should have been evicted")
	}
	if !c.IsDuplicate("b") || !c.IsDuplicate("c") {
		t.Fatal("b and c should still be present")
	}
	if c.Len() != 2 {
		t.Fatalf("expected capacity-bounded len 2, got %d", c.Len())
	}
}

func TestIsDuplicateExpiresAfterTTL(t *testing.T) {
	c := New(10, 10*time.Millisecond)
	c.Record("a")
	time.Sleep(20 * time.Millisecond)
	if c.IsDuplicate("a") {
		t.Fatal("expired entry should not be a duplicate")
	}
}

func TestSweepDropsExpiredEntriesOnly(t *testing.T) {
	c := New(10, 10*time.Millisecond)
	c.Record("old")
	time.Sleep(20 * time.Millisecond)
	c.Record("fresh")

	dropped := c.Sweep()
	if dropped != 1 {
		t.Fatalf("expected 1 dropped entry, got %d", dropped)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", c.Len())
	}
	if !c.IsDuplicate("fresh") {
		t.Fatal("fresh entry should have survived the sweep")
	}
}

func TestNewAppliesDefaultsForNonPositiveArgs(t *testing.T) {
	c := New(0, 0)
	if c.capacity != DefaultCapacity {
		t.Fatalf("expected default capacity, got %d", c.capacity)
	}
	if c.ttl != DefaultTTL {
		t.Fatalf("expected default ttl, got %v", c.ttl)
	}
}
