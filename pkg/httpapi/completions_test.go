package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatgateway/pkg/backend/demo"
	"chatgateway/pkg/bus"
	"chatgateway/pkg/history"
	"chatgateway/pkg/idempotency"
	"chatgateway/pkg/mcp"
	"chatgateway/pkg/runengine"
	"chatgateway/pkg/tools"
)

func newTestHandlers(authToken string) (*Handlers, *history.Store) {
	h := history.NewStore(nil)
	engine := runengine.New(bus.New(), h, idempotency.New(10, time.Minute), tools.NewRegistry(), mcp.NoopClient{}, demo.New(), "")
	return &Handlers{Engine: engine, History: h, AuthToken: authToken}, h
}

func notFoundIsUpgradeRequired(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusUpgradeRequired)
}

func TestChatCompletionsNonStreamingShape(t *testing.T) {
	handlers, _ := newTestHandlers("")
	router := NewRouter(handlers, notFoundIsUpgradeRequired)

	body := `{"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["object"] != "chat.completion" {
		t.Fatalf("got %+v", resp)
	}
	choices := resp["choices"].([]any)
	if len(choices) != 1 {
		t.Fatalf("expected exactly one choice, got %+v", choices)
	}
	message := choices[0].(map[string]any)["message"].(map[string]any)
	if message["role"] != "assistant" || message["content"] == "" {
		t.Fatalf("got %+v", message)
	}
}

func TestChatCompletionsStreamingEmitsThreeChunksAndDone(t *testing.T) {
	handlers, _ := newTestHandlers("")
	router := NewRouter(handlers, notFoundIsUpgradeRequired)

	body := `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	chunks := bytes.Count(rec.Body.Bytes(), []byte("data: "))
	if chunks != 4 { // 3 delta chunks + [DONE]
		t.Fatalf("expected 4 'data:' lines, got %d:\n%s", chunks, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "data: [DONE]") {
		t.Fatal("expected a [DONE] sentinel")
	}
}

func TestChatCompletionsRejectsMissingUserMessage(t *testing.T) {
	handlers, _ := newTestHandlers("")
	router := NewRouter(handlers, notFoundIsUpgradeRequired)

	body := `{"messages":[{"role":"system","content":"be nice"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestChatCompletionsSystemMessageBecomesHistoryEntry(t *testing.T) {
	handlers, store := newTestHandlers("")
	router := NewRouter(handlers, notFoundIsUpgradeRequired)

	body := `{"user":"sess-a","messages":[{"role":"system","content":"be concise"},{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	entries := store.Get("sess-a", 10)
	if len(entries) < 1 || entries[0].Content[0].Text != "[System] be concise" {
		t.Fatalf("got %+v", entries)
	}
}

func TestChatCompletionsRequiresBearerTokenWhenConfigured(t *testing.T) {
	handlers, _ := newTestHandlers("secret")
	router := NewRouter(handlers, notFoundIsUpgradeRequired)

	body := `{"messages":[{"role":"user","content":"hello"}]}`

	unauthed := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, unauthed)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}

	authed := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	authed.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct bearer token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStubEndpointsReturn501(t *testing.T) {
	handlers, _ := newTestHandlers("")
	router := NewRouter(handlers, notFoundIsUpgradeRequired)

	for _, path := range []string{"/v1/responses", "/hooks/wake", "/hooks/agent", "/tools/invoke"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotImplemented {
			t.Errorf("%s: expected 501, got %d", path, rec.Code)
		}
	}
}

func TestUnknownPathFallsThroughToUpgradeRequired(t *testing.T) {
	handlers, _ := newTestHandlers("")
	router := NewRouter(handlers, notFoundIsUpgradeRequired)

	req := httptest.NewRequest(http.MethodGet, "/whatever-the-client-sends", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUpgradeRequired {
		t.Fatalf("expected 426, got %d", rec.Code)
	}
}
