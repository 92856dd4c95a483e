// Package httpapi implements the HTTP completions surface (C9, spec §4.9):
// the OpenAI-compatible /v1/chat/completions entrypoint, four stub
// endpoints, and the catch-all that lets every other path fall through to
// the WebSocket upgrade. Routed with go-chi/chi/v5 (A5), reusing
// pkg/runengine exactly like the WS chat.send path.
package httpapi

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"chatgateway/pkg/history"
	"chatgateway/pkg/runengine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultSessionKey = "http-default"
const runTimeout = 5 * time.Minute

type Handlers struct {
	Engine    *runengine.Engine
	History   *history.Store
	AuthToken string
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Messages []completionMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
	User     string               `json:"user"`
	Model    string               `json:"model"`
}

// NewRouter builds the chi router for every HTTP path spec §6 names.
// notFound handles paths chi doesn't match (the WS-or-426 fallback).
func NewRouter(h *Handlers, notFound http.HandlerFunc) chi.Router {
	r := chi.NewRouter()
	r.Post("/v1/chat/completions", h.chatCompletions)
	r.Post("/v1/responses", stub501)
	r.Post("/hooks/wake", stub501)
	r.Post("/hooks/agent", stub501)
	r.Post("/tools/invoke", stub501)
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)
	return r
}

func stub501(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotImplemented, map[string]any{
		"ok":    false,
		"error": map[string]any{"message": "#TODO not implemented"},
	})
}

func (h *Handlers) chatCompletions(w http.ResponseWriter, r *http.Request) {
	if h.AuthToken != "" {
		authz := r.Header.Get("Authorization")
		if authz != "Bearer "+h.AuthToken {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"ok":    false,
				"error": map[string]any{"message": "invalid bearer token"},
			})
			return
		}
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": map[string]any{"message": "malformed request body: " + err.Error()},
		})
		return
	}

	sessionKey := req.User
	if sessionKey == "" {
		sessionKey = defaultSessionKey
	}

	var lastUser string
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			h.History.Append(sessionKey, history.HistoryEntry{
				ID:        uuid.NewString(),
				Role:      "user",
				Content:   []history.ContentPart{history.TextPart("[System] " + m.Content)},
				Timestamp: time.Now().UnixMilli(),
			})
		case "user":
			lastUser = m.Content
		}
	}
	if lastUser == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": map[string]any{"message": "messages must include at least one user entry"},
		})
		return
	}

	result, err := h.Engine.RunAndWait(r.Context(), sessionKey, lastUser, runTimeout)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok":    false,
			"error": map[string]any{"message": err.Error()},
		})
		return
	}

	id := "chatcmpl_" + shortID()
	if req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeStreamingCompletion(w, id, result.Text)
		return
	}
	writeNonStreamingCompletion(w, id, result.Text)
}

func writeNonStreamingCompletion(w http.ResponseWriter, id, text string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0},
	})
}

// writeStreamingCompletion emits the minimum-correct three-chunk SSE shape
// spec §4.9 describes (role, then the full text in one content chunk, then
// finish) followed by the [DONE] sentinel — not per-token streaming.
func writeStreamingCompletion(w http.ResponseWriter, id, text string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	write := func(chunk map[string]any) {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	created := time.Now().Unix()
	base := map[string]any{"id": id, "object": "chat.completion.chunk", "created": created}

	write(mergeChunk(base, map[string]any{"choices": []map[string]any{{"index": 0, "delta": map[string]any{"role": "assistant"}}}}))
	write(mergeChunk(base, map[string]any{"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": text}}}}))
	write(mergeChunk(base, map[string]any{"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": "stop"}}}))

	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func mergeChunk(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func shortID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return hex.EncodeToString([]byte(raw))[:12]
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
