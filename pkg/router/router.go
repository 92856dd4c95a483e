// Package router implements the method router (C6, spec §4.2): a
// name→Handler table populated with real implementations and stubs, the
// authentication gate, and unknown-method handling. Adapted from the
// teacher's registry-of-factories pattern (pkg/llm/registry.go,
// pkg/channels/registry.go — both a map populated at construction and
// consulted per request) generalized from "construct a client once" to
// "dispatch a request every time".
//
// Router is deliberately independent of pkg/wsgateway to avoid an import
// cycle (wsgateway calls into Router, not the reverse): it knows connections
// only by their opaque connID string, never touching a *wsgateway.Connection
// directly. The `connect` method is the one exception described in the
// method table below — it is handled entirely inside the C5 state machine
// before a connection ever reaches Router.Dispatch, and appears in
// MethodNames only so the handshake's features.methods list is accurate.
package router

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"chatgateway/pkg/bus"
	"chatgateway/pkg/history"
	"chatgateway/pkg/idempotency"
	"chatgateway/pkg/protocol"
	"chatgateway/pkg/runengine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler processes one request's params and returns either a success
// payload or an error body — never both. connID identifies the caller for
// handlers that need it (none of the current real methods do, but it keeps
// the signature future-proof for per-connection filtering noted as an open
// question in spec §9).
type Handler func(connID string, params jsoniter.RawMessage) (payload any, errBody *ErrorBody)

// ErrorBody mirrors protocol.ErrorBody. Handlers return this plain struct
// rather than wire frames so they can be unit-tested without constructing
// frames; the caller (wsgateway) converts this 1:1 into protocol.ErrorBody.
type ErrorBody struct {
	Code    string
	Message string
}

// PublicConfig is the redacted configuration surface config.get returns —
// no secrets (authToken/authPassword are reduced to the authMode they
// imply).
type PublicConfig struct {
	Port                   int    `json:"port"`
	Hostname               string `json:"hostname"`
	AuthMode               string `json:"authMode"`
	TickIntervalMs         int    `json:"tickIntervalMs"`
	HealthRefreshIntervalMs int   `json:"healthRefreshIntervalMs"`
	MaxPayload             int    `json:"maxPayload"`
	HandshakeTimeoutMs     int    `json:"handshakeTimeoutMs"`
	DedupeMaxKeys          int    `json:"dedupeMaxKeys"`
	DedupeTtlMs            int    `json:"dedupeTtlMs"`
	LogDir                 string `json:"logDir,omitempty"`
}

// Router owns the method table and every collaborator a handler needs.
type Router struct {
	Engine  *runengine.Engine
	History *history.Store
	Bus     *bus.Bus
	Idem    *idempotency.Cache
	Disk    *history.DiskLogger
	Config  PublicConfig

	startedAt time.Time
	handlers  map[string]Handler
}

func New(engine *runengine.Engine, h *history.Store, b *bus.Bus, idem *idempotency.Cache, disk *history.DiskLogger, cfg PublicConfig) *Router {
	r := &Router{
		Engine:    engine,
		History:   h,
		Bus:       b,
		Idem:      idem,
		Disk:      disk,
		Config:    cfg,
		startedAt: time.Now(),
	}
	r.handlers = r.buildHandlers()
	return r
}

// MethodNames returns the full closed set (real + stub) named by
// protocol.AllMethods, for features.methods. Kept as a function (rather
// than a re-export) so callers don't need to know the method table lives
// in pkg/protocol.
func MethodNames() []string {
	return protocol.AllMethods()
}

func stubHandler(tag string) Handler {
	return func(connID string, params jsoniter.RawMessage) (any, *ErrorBody) {
		return map[string]any{"stub": true, "todo": tag}, nil
	}
}

func (r *Router) buildHandlers() map[string]Handler {
	m := make(map[string]Handler, len(protocol.RealMethods)+len(protocol.StubMethods))
	for _, name := range protocol.StubMethods {
		m[name] = stubHandler(name)
	}

	m["chat.send"] = r.handleSend("")
	m["agent"] = r.handleSend("default")
	m["chat.abort"] = r.handleAbort
	m["chat.history"] = r.handleHistory
	m["chat.inject"] = r.handleInject
	m["chat.subscribe"] = func(string, jsoniter.RawMessage) (any, *ErrorBody) {
		return map[string]any{"subscribed": true}, nil
	}
	m["agent.wait"] = r.handleWait
	m["sessions.list"] = r.handleSessionsList
	m["sessions.patch"] = r.handleSessionsPatch
	m["sessions.reset"] = r.handleSessionsReset
	m["sessions.delete"] = r.handleSessionsDelete
	m["send"] = r.handleLegacySend
	m["health"] = r.handleHealth
	m["status"] = r.handleStatus
	m["system-presence"] = r.handleSystemPresence
	m["logs.tail"] = r.handleLogsTail
	m["models.list"] = r.handleModelsList
	m["config.get"] = r.handleConfigGet

	return m
}

// Dispatch looks up method and invokes its handler. "connect" and any name
// outside the closed set resolve to INVALID_REQUEST — the connection stays
// open (spec §4.2: "On unknown method: INVALID_REQUEST response, connection
// stays open").
func (r *Router) Dispatch(connID, method string, params jsoniter.RawMessage) (any, *ErrorBody) {
	if method == "connect" {
		return nil, &ErrorBody{Code: "INVALID_REQUEST", Message: "connect is only valid during the handshake"}
	}
	h, ok := r.handlers[method]
	if !ok {
		return nil, &ErrorBody{Code: "INVALID_REQUEST", Message: "unknown method: " + method}
	}
	return h(connID, params)
}

func invalidRequest(msg string) *ErrorBody {
	return &ErrorBody{Code: "INVALID_REQUEST", Message: msg}
}

func decode(params jsoniter.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}
