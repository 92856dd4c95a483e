// Package history implements the per-session ordered history log and
// session metadata store (C3, spec §3 and §4.5). It is adapted from the
// teacher's ChatHistory/SessionManager pair: same double-checked-locking
// session lookup, same deep-copy-on-read discipline, generalized from one
// channel's "the" history into the spec's keyed multi-session store.
package history

import (
	"fmt"
	"sync"
	"time"
)

// ContentPart is the tagged-union content of a HistoryEntry (spec §3).
type ContentPart struct {
	Type string `json:"type"` // "text" | "thinking" | "tool_call"

	Text string `json:"text,omitempty"` // text | thinking

	// tool_call fields
	Name        string `json:"name,omitempty"`
	ToolCallID  string `json:"toolCallId,omitempty"`
	Arguments   string `json:"arguments,omitempty"`
	Status      string `json:"status,omitempty"` // "success" | "error"
	Result      string `json:"result,omitempty"`
	ResultError string `json:"resultError,omitempty"`
}

func TextPart(text string) ContentPart     { return ContentPart{Type: "text", Text: text} }
func ThinkingPart(text string) ContentPart { return ContentPart{Type: "thinking", Text: text} }

// HistoryEntry is one turn in a session's ordered log.
type HistoryEntry struct {
	ID         string        `json:"id"`
	Role       string        `json:"role"` // "user" | "assistant"
	Content    []ContentPart `json:"content"`
	Timestamp  int64         `json:"timestamp"`
	StopReason string        `json:"stopReason,omitempty"`
	Model      string        `json:"model,omitempty"`
	Provider   string        `json:"provider,omitempty"`
}

// Metadata is the per-session record independent of history contents.
type Metadata struct {
	CreatedAt    int64  `json:"createdAt"`
	LastActiveAt int64  `json:"lastActiveAt"`
	Label        string `json:"label,omitempty"`
}

const maxLabelLen = 64

type session struct {
	mu      sync.RWMutex
	history []HistoryEntry
	meta    *Metadata
}

// Store is the guarded, process-local home for every session's history and
// metadata. One Store instance is shared by the run engine and the router.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	disk     *DiskLogger // advisory, may be nil
}

func NewStore(disk *DiskLogger) *Store {
	return &Store{
		sessions: make(map[string]*session),
		disk:     disk,
	}
}

func (s *Store) getOrCreate(key string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[key]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[key]; ok {
		return sess
	}
	sess = &session{}
	s.sessions[key] = sess
	return sess
}

// Append creates the session on first append, appends entry, and updates
// lastActiveAt. It is the single write path used by both the user-message
// step and the assistant-message step of a run.
func (s *Store) Append(sessionKey string, entry HistoryEntry) {
	sess := s.getOrCreate(sessionKey)

	sess.mu.Lock()
	sess.history = append(sess.history, entry)
	now := entry.Timestamp
	if sess.meta == nil {
		sess.meta = &Metadata{CreatedAt: now, LastActiveAt: now}
	} else {
		sess.meta.LastActiveAt = now
	}
	sess.mu.Unlock()

	if s.disk != nil {
		s.disk.Write(sessionKey, entry)
	}
}

// Get returns the last `limit` entries in insertion order (limit clamped to
// [1, 1000], default 50 when limit <= 0).
func (s *Store) Get(sessionKey string, limit int) []HistoryEntry {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	s.mu.RLock()
	sess, ok := s.sessions[sessionKey]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()
	start := 0
	if len(sess.history) > limit {
		start = len(sess.history) - limit
	}
	out := make([]HistoryEntry, len(sess.history)-start)
	copy(out, sess.history[start:])
	for i := range out {
		if out[i].Content != nil {
			parts := make([]ContentPart, len(out[i].Content))
			copy(parts, out[i].Content)
			out[i].Content = parts
		}
	}
	return out
}

// Delete drops both history and metadata. Idempotent.
func (s *Store) Delete(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey)
}

// Reset drops history only, keeping metadata.
func (s *Store) Reset(sessionKey string) {
	sess := s.getOrCreate(sessionKey)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.history = nil
}

// Patch creates metadata if missing and updates the label. Returns an error
// if the label exceeds 64 characters (spec: INVALID_REQUEST).
func (s *Store) Patch(sessionKey, label string) error {
	if len(label) > maxLabelLen {
		return fmt.Errorf("label exceeds %d characters", maxLabelLen)
	}
	sess := s.getOrCreate(sessionKey)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	now := time.Now().UnixMilli()
	if sess.meta == nil {
		sess.meta = &Metadata{CreatedAt: now, LastActiveAt: now}
	}
	if label != "" {
		sess.meta.Label = label
	}
	return nil
}

// SessionSummary is one row of the sessions.list response.
type SessionSummary struct {
	Key          string `json:"key"`
	Label        string `json:"label,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	LastActiveAt int64  `json:"lastActiveAt"`
	MessageCount int    `json:"messageCount"`
}

// List returns every session that has either metadata or at least one
// history entry (spec invariant in §4.5).
func (s *Store) List() []SessionSummary {
	s.mu.RLock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	out := make([]SessionSummary, 0, len(keys))
	for _, k := range keys {
		s.mu.RLock()
		sess := s.sessions[k]
		s.mu.RUnlock()

		sess.mu.RLock()
		hasHistory := len(sess.history) > 0
		hasMeta := sess.meta != nil
		if !hasHistory && !hasMeta {
			sess.mu.RUnlock()
			continue
		}
		summary := SessionSummary{Key: k, MessageCount: len(sess.history)}
		if hasMeta {
			summary.Label = sess.meta.Label
			summary.CreatedAt = sess.meta.CreatedAt
			summary.LastActiveAt = sess.meta.LastActiveAt
		}
		sess.mu.RUnlock()
		out = append(out, summary)
	}
	return out
}
