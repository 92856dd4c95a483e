package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"chatgateway/pkg/backend"
	"chatgateway/pkg/history"
	"chatgateway/pkg/runengine"
)

// handleSend builds the chat.send/agent handler. defaultSessionKey is
// "default" for `agent`, empty (required) for `chat.send` (spec §4.6:
// "identical shape for agent, which differs only in the session key
// defaulting to default").
func (r *Router) handleSend(defaultSessionKey string) Handler {
	return func(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
		var req struct {
			SessionKey     string `json:"sessionKey"`
			Message        string `json:"message"`
			IdempotencyKey string `json:"idempotencyKey"`
		}
		if err := decode(params, &req); err != nil {
			return nil, invalidRequest("malformed params: " + err.Error())
		}
		if req.SessionKey == "" {
			req.SessionKey = defaultSessionKey
		}
		if req.SessionKey == "" {
			return nil, invalidRequest("sessionKey is required")
		}
		if req.Message == "" {
			return nil, invalidRequest("message is required")
		}

		runID, err := r.Engine.Send(req.SessionKey, req.Message, req.IdempotencyKey)
		if err != nil {
			if runengine.IsDuplicateErr(err) {
				return nil, invalidRequest("duplicate idempotency key")
			}
			return nil, invalidRequest(err.Error())
		}
		return map[string]any{"runId": runID, "sessionKey": req.SessionKey}, nil
	}
}

func (r *Router) handleAbort(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	var req struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId"`
	}
	if err := decode(params, &req); err != nil {
		return nil, invalidRequest("malformed params: " + err.Error())
	}
	runID, ok := r.Engine.Abort(req.SessionKey, req.RunID)
	if !ok {
		return nil, invalidRequest("no running run found")
	}
	return map[string]any{"runId": runID, "aborted": true}, nil
}

func (r *Router) handleWait(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	var req struct {
		RunID     string `json:"runId"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := decode(params, &req); err != nil {
		return nil, invalidRequest("malformed params: " + err.Error())
	}
	if req.RunID == "" {
		return nil, invalidRequest("runId is required")
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	result, err := r.Engine.Wait(context.Background(), req.RunID, timeout)
	if err != nil {
		if runengine.IsTimeoutErr(err) {
			return nil, &ErrorBody{Code: "AGENT_TIMEOUT", Message: "agent.wait timed out"}
		}
		return nil, invalidRequest(err.Error())
	}
	return map[string]any{"runId": result.RunID, "state": result.State, "text": result.Text}, nil
}

func (r *Router) handleHistory(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	var req struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit"`
	}
	if err := decode(params, &req); err != nil {
		return nil, invalidRequest("malformed params: " + err.Error())
	}
	if req.SessionKey == "" {
		return nil, invalidRequest("sessionKey is required")
	}
	return map[string]any{"entries": r.History.Get(req.SessionKey, req.Limit)}, nil
}

func (r *Router) handleInject(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	var req struct {
		SessionKey string `json:"sessionKey"`
		Role       string `json:"role"`
		Text       string `json:"text"`
		StopReason string `json:"stopReason"`
		Model      string `json:"model"`
		Provider   string `json:"provider"`
	}
	if err := decode(params, &req); err != nil {
		return nil, invalidRequest("malformed params: " + err.Error())
	}
	if req.SessionKey == "" || req.Role == "" {
		return nil, invalidRequest("sessionKey and role are required")
	}
	r.History.Append(req.SessionKey, history.HistoryEntry{
		ID:         uuid.NewString(),
		Role:       req.Role,
		Content:    []history.ContentPart{history.TextPart(req.Text)},
		Timestamp:  time.Now().UnixMilli(),
		StopReason: req.StopReason,
		Model:      req.Model,
		Provider:   req.Provider,
	})
	return map[string]any{"ok": true}, nil
}

func (r *Router) handleSessionsList(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	return map[string]any{"sessions": r.History.List()}, nil
}

func (r *Router) handleSessionsPatch(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	var req struct {
		SessionKey string `json:"sessionKey"`
		Label      string `json:"label"`
	}
	if err := decode(params, &req); err != nil {
		return nil, invalidRequest("malformed params: " + err.Error())
	}
	if req.SessionKey == "" {
		return nil, invalidRequest("sessionKey is required")
	}
	if err := r.History.Patch(req.SessionKey, req.Label); err != nil {
		return nil, invalidRequest(err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (r *Router) handleSessionsReset(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	var req struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := decode(params, &req); err != nil {
		return nil, invalidRequest("malformed params: " + err.Error())
	}
	if req.SessionKey == "" {
		return nil, invalidRequest("sessionKey is required")
	}
	r.History.Reset(req.SessionKey)
	return map[string]any{"ok": true}, nil
}

func (r *Router) handleSessionsDelete(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	var req struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := decode(params, &req); err != nil {
		return nil, invalidRequest("malformed params: " + err.Error())
	}
	if req.SessionKey == "" {
		return nil, invalidRequest("sessionKey is required")
	}
	r.History.Delete(req.SessionKey)
	return map[string]any{"ok": true}, nil
}

// handleLegacySend implements the documented `send` stub (spec §9: "the
// source's send method... implemented as the documented stub {sent:true},
// idempotency still validated").
func (r *Router) handleLegacySend(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	var req struct {
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := decode(params, &req); err != nil {
		return nil, invalidRequest("malformed params: " + err.Error())
	}
	if req.IdempotencyKey != "" {
		if r.Idem.IsDuplicate(req.IdempotencyKey) {
			return nil, invalidRequest("duplicate idempotency key")
		}
		r.Idem.Record(req.IdempotencyKey)
	}
	return map[string]any{"sent": true}, nil
}

func (r *Router) handleHealth(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	return map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(r.startedAt).Milliseconds(),
		"stateVersion": map[string]any{
			"presence": r.Bus.State.Presence.Load(),
			"health":   r.Bus.State.Health.Load(),
		},
	}, nil
}

func (r *Router) handleStatus(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	return map[string]any{
		"uptimeMs":    time.Since(r.startedAt).Milliseconds(),
		"connections": r.Bus.Count(),
		"authMode":    r.Config.AuthMode,
	}, nil
}

func (r *Router) handleSystemPresence(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	return map[string]any{"presence": r.Bus.ListPresence()}, nil
}

func (r *Router) handleLogsTail(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	var req struct {
		SessionKey string `json:"sessionKey"`
		Lines      int    `json:"lines"`
	}
	if err := decode(params, &req); err != nil {
		return nil, invalidRequest("malformed params: " + err.Error())
	}
	if req.SessionKey == "" {
		return nil, invalidRequest("sessionKey is required")
	}
	lines, err := r.Disk.Tail(req.SessionKey, req.Lines)
	if err != nil {
		return nil, &ErrorBody{Code: "UNAVAILABLE", Message: err.Error()}
	}
	return map[string]any{"lines": lines}, nil
}

func (r *Router) handleModelsList(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	return map[string]any{"providers": backend.RegisteredProviders()}, nil
}

func (r *Router) handleConfigGet(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
	return r.Config, nil
}
