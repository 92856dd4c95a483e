package history

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizeSessionKey mirrors the teacher's filename-safe-regex convention
// (see pkg/llm/session_manager.go) adapted to the spec's
// one-file-per-(session,UTC-date) disk log format.
func sanitizeSessionKey(key string) string {
	safe := unsafeFilenameChars.ReplaceAllString(key, "-")
	if len(safe) > 64 {
		safe = safe[:64]
	}
	return safe
}

type diskLine struct {
	Session    string `json:"session"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	StopReason string `json:"stopReason,omitempty"`
	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`
}

// DiskLogger is an advisory, append-only JSONL logger. Per spec §6, it is
// never the source of truth for history — in-memory state is — so write
// failures are logged and swallowed rather than propagated.
type DiskLogger struct {
	mu  sync.Mutex
	dir string
}

func NewDiskLogger(dir string) *DiskLogger {
	return &DiskLogger{dir: dir}
}

// Write appends one JSONL line to the file for (sessionKey, today's UTC date).
func (d *DiskLogger) Write(sessionKey string, entry HistoryEntry) {
	if d == nil || d.dir == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.dir, 0755); err != nil {
		fmt.Printf("[history] disk log mkdir failed: %v\n", err)
		return
	}

	date := time.Now().UTC().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.jsonl", sanitizeSessionKey(sessionKey), date)
	path := filepath.Join(d.dir, filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Printf("[history] disk log open failed: %v\n", err)
		return
	}
	defer f.Close()

	var text string
	for _, part := range entry.Content {
		if part.Type == "text" {
			text += part.Text
		}
	}

	line := diskLine{
		Session:    sessionKey,
		Role:       entry.Role,
		Content:    text,
		Timestamp:  entry.Timestamp,
		StopReason: entry.StopReason,
		Model:      entry.Model,
		Provider:   entry.Provider,
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		fmt.Printf("[history] disk log write failed: %v\n", err)
	}
}

// Tail returns the last `lines` raw JSONL lines logged for sessionKey on
// the current UTC date, for the logs.tail method. Returns nil, no error, if
// no disk logging is configured or nothing has been logged today.
func (d *DiskLogger) Tail(sessionKey string, lines int) ([]string, error) {
	if d == nil || d.dir == "" {
		return nil, nil
	}
	if lines <= 0 {
		lines = 100
	}

	date := time.Now().UTC().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.jsonl", sanitizeSessionKey(sessionKey), date)
	path := filepath.Join(d.dir, filename)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return all, nil
}
