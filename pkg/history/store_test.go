package history

import (
	"strings"
	"testing"
)

func TestAppendCreatesSessionAndTracksMetadata(t *testing.T) {
	s := NewStore(nil)
	s.Append("sess-1", HistoryEntry{ID: "1", Role: "user", Content: []ContentPart{TextPart("hi")}, Timestamp: 100})

	got := s.Get("sess-1", 10)
	if len(got) != 1 || got[0].Content[0].Text != "hi" {
		t.Fatalf("got %+v", got)
	}

	list := s.List()
	if len(list) != 1 || list[0].Key != "sess-1" || list[0].MessageCount != 1 {
		t.Fatalf("got %+v", list)
	}
}

func TestGetClampsLimitAndReturnsMostRecent(t *testing.T) {
	s := NewStore(nil)
	for i := 0; i < 5; i++ {
		s.Append("sess", HistoryEntry{ID: string(rune('a' + i)), Timestamp: int64(i)})
	}
	got := s.Get("sess", 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[len(got)-1].Timestamp != 4 {
		t.Fatalf("expected most recent entry last, got %+v", got)
	}
}

func TestGetUnknownSessionReturnsNil(t *testing.T) {
	s := NewStore(nil)
	if got := s.Get("missing", 10); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestResetKeepsMetadataButClearsHistory(t *testing.T) {
	s := NewStore(nil)
	s.Append("sess", HistoryEntry{ID: "1", Timestamp: 1})
	s.Reset("sess")

	if got := s.Get("sess", 10); len(got) != 0 {
		t.Fatalf("expected empty history after reset, got %+v", got)
	}
	list := s.List()
	if len(list) != 1 {
		t.Fatalf("expected session metadata to survive reset, got %+v", list)
	}
}

func TestDeleteRemovesSessionEntirely(t *testing.T) {
	s := NewStore(nil)
	s.Append("sess", HistoryEntry{ID: "1", Timestamp: 1})
	s.Delete("sess")

	if len(s.List()) != 0 {
		t.Fatal("expected no sessions after delete")
	}
}

func TestPatchRejectsOverlongLabel(t *testing.T) {
	s := NewStore(nil)
	if err := s.Patch("sess", strings.Repeat("x", maxLabelLen+1)); err == nil {
		t.Fatal("expected error for overlong label")
	}
}

func TestPatchSetsLabelOnNewSession(t *testing.T) {
	s := NewStore(nil)
	if err := s.Patch("sess", "my label"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list := s.List()
	if len(list) != 1 || list[0].Label != "my label" {
		t.Fatalf("got %+v", list)
	}
}

func TestListOmitsSessionsWithNoHistoryOrMetadata(t *testing.T) {
	s := NewStore(nil)
	s.getOrCreate("ghost")
	if got := s.List(); len(got) != 0 {
		t.Fatalf("expected no sessions listed, got %+v", got)
	}
}
