package router

import (
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"

	"chatgateway/pkg/backend/demo"
	"chatgateway/pkg/bus"
	"chatgateway/pkg/history"
	"chatgateway/pkg/idempotency"
	"chatgateway/pkg/mcp"
	"chatgateway/pkg/runengine"
	"chatgateway/pkg/tools"
)

func newTestRouter() *Router {
	h := history.NewStore(nil)
	b := bus.New()
	idem := idempotency.New(10, time.Minute)
	engine := runengine.New(b, h, idem, tools.NewRegistry(), mcp.NoopClient{}, demo.New(), "")
	return New(engine, h, b, idem, nil, PublicConfig{Port: 8080, AuthMode: "none"})
}

func params(t *testing.T, v any) jsoniter.RawMessage {
	t.Helper()
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return data
}

func TestDispatchUnknownMethodIsInvalidRequest(t *testing.T) {
	r := newTestRouter()
	_, errBody := r.Dispatch("conn-1", "not.a.real.method", nil)
	if errBody == nil || errBody.Code != "INVALID_REQUEST" {
		t.Fatalf("expected INVALID_REQUEST, got %+v", errBody)
	}
}

func TestDispatchConnectIsRejectedPostHandshake(t *testing.T) {
	r := newTestRouter()
	_, errBody := r.Dispatch("conn-1", "connect", nil)
	if errBody == nil || errBody.Code != "INVALID_REQUEST" {
		t.Fatalf("expected connect to be rejected post-handshake, got %+v", errBody)
	}
}

func TestDispatchStubMethodReturnsFixedShape(t *testing.T) {
	r := newTestRouter()
	payload, errBody := r.Dispatch("conn-1", "cron.list", nil)
	if errBody != nil {
		t.Fatalf("unexpected error: %+v", errBody)
	}
	m, ok := payload.(map[string]any)
	if !ok || m["stub"] != true || m["todo"] != "cron.list" {
		t.Fatalf("got %+v", payload)
	}
}

func TestChatSendRequiresSessionKeyAndMessage(t *testing.T) {
	r := newTestRouter()
	if _, errBody := r.Dispatch("conn-1", "chat.send", params(t, map[string]any{"message": "hi"})); errBody == nil {
		t.Fatal("expected error for missing sessionKey on chat.send")
	}
	if _, errBody := r.Dispatch("conn-1", "agent", params(t, map[string]any{"message": "hi"})); errBody != nil {
		t.Fatalf("expected agent to default sessionKey, got %+v", errBody)
	}
}

func TestChatSendAndAgentWaitRoundTrip(t *testing.T) {
	r := newTestRouter()
	payload, errBody := r.Dispatch("conn-1", "chat.send", params(t, map[string]any{
		"sessionKey": "sess-1",
		"message":    "hello",
	}))
	if errBody != nil {
		t.Fatalf("chat.send: %+v", errBody)
	}
	runID := payload.(map[string]any)["runId"].(string)
	if runID == "" {
		t.Fatal("expected a runId")
	}

	waitPayload, errBody := r.Dispatch("conn-1", "agent.wait", params(t, map[string]any{
		"runId":     runID,
		"timeoutMs": 2000,
	}))
	if errBody != nil {
		t.Fatalf("agent.wait: %+v", errBody)
	}
	if waitPayload.(map[string]any)["state"] != runengine.StateCompleted {
		t.Fatalf("got %+v", waitPayload)
	}
}

func TestChatSendDuplicateIdempotencyKeyIsRejected(t *testing.T) {
	r := newTestRouter()
	req := map[string]any{"sessionKey": "sess-1", "message": "hello", "idempotencyKey": "k1"}
	if _, errBody := r.Dispatch("conn-1", "chat.send", params(t, req)); errBody != nil {
		t.Fatalf("first send: %+v", errBody)
	}
	if _, errBody := r.Dispatch("conn-1", "chat.send", params(t, req)); errBody == nil {
		t.Fatal("expected duplicate idempotency key to be rejected")
	}
}

func TestAgentWaitUnknownRunIsInvalidRequest(t *testing.T) {
	r := newTestRouter()
	_, errBody := r.Dispatch("conn-1", "agent.wait", params(t, map[string]any{"runId": "missing"}))
	if errBody == nil {
		t.Fatal("expected error for unknown runId")
	}
}

func TestChatInjectThenHistoryRoundTrip(t *testing.T) {
	r := newTestRouter()
	_, errBody := r.Dispatch("conn-1", "chat.inject", params(t, map[string]any{
		"sessionKey": "sess-1",
		"role":       "assistant",
		"text":       "injected text",
	}))
	if errBody != nil {
		t.Fatalf("chat.inject: %+v", errBody)
	}

	payload, errBody := r.Dispatch("conn-1", "chat.history", params(t, map[string]any{"sessionKey": "sess-1"}))
	if errBody != nil {
		t.Fatalf("chat.history: %+v", errBody)
	}
	entries := payload.(map[string]any)["entries"].([]history.HistoryEntry)
	if len(entries) != 1 || entries[0].Content[0].Text != "injected text" {
		t.Fatalf("got %+v", entries)
	}
}

func TestSessionsResetAndDeleteLifecycle(t *testing.T) {
	r := newTestRouter()
	r.Dispatch("conn-1", "chat.inject", params(t, map[string]any{"sessionKey": "sess-1", "role": "user", "text": "hi"}))

	if _, errBody := r.Dispatch("conn-1", "sessions.reset", params(t, map[string]any{"sessionKey": "sess-1"})); errBody != nil {
		t.Fatalf("sessions.reset: %+v", errBody)
	}
	payload, _ := r.Dispatch("conn-1", "chat.history", params(t, map[string]any{"sessionKey": "sess-1"}))
	if entries := payload.(map[string]any)["entries"].([]history.HistoryEntry); len(entries) != 0 {
		t.Fatalf("expected empty history after reset, got %+v", entries)
	}

	if _, errBody := r.Dispatch("conn-1", "sessions.delete", params(t, map[string]any{"sessionKey": "sess-1"})); errBody != nil {
		t.Fatalf("sessions.delete: %+v", errBody)
	}
	listPayload, _ := r.Dispatch("conn-1", "sessions.list", nil)
	sessions := listPayload.(map[string]any)["sessions"].([]history.SessionSummary)
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions after delete, got %+v", sessions)
	}
}

func TestLegacySendHonorsIdempotency(t *testing.T) {
	r := newTestRouter()
	req := map[string]any{"idempotencyKey": "leg-1"}
	payload, errBody := r.Dispatch("conn-1", "send", params(t, req))
	if errBody != nil {
		t.Fatalf("send: %+v", errBody)
	}
	if payload.(map[string]any)["sent"] != true {
		t.Fatalf("got %+v", payload)
	}
	if _, errBody := r.Dispatch("conn-1", "send", params(t, req)); errBody == nil {
		t.Fatal("expected duplicate idempotency key to be rejected on second send")
	}
}

func TestConfigGetReturnsPublicConfigVerbatim(t *testing.T) {
	r := newTestRouter()
	payload, errBody := r.Dispatch("conn-1", "config.get", nil)
	if errBody != nil {
		t.Fatalf("config.get: %+v", errBody)
	}
	cfg, ok := payload.(PublicConfig)
	if !ok || cfg.Port != 8080 || cfg.AuthMode != "none" {
		t.Fatalf("got %+v", payload)
	}
}

func TestMethodNamesCoversEveryDispatchableMethod(t *testing.T) {
	r := newTestRouter()
	for _, name := range MethodNames() {
		if name == "connect" {
			continue // handled by the handshake, not Dispatch
		}
		if _, ok := r.handlers[name]; !ok {
			t.Errorf("MethodNames lists %q but no handler is registered for it", name)
		}
	}
}
