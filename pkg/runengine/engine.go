// Package runengine implements the run engine (C7, spec §3 Run and §4.6-§4.7):
// the component that turns one chat.send/agent request into a tracked,
// abortable, waitable Run, drives the streaming-translation/tool-loop
// algorithm against a backend.Backend, and emits the agent/chat event
// envelope the bus fans out. Adapted from the teacher's AgentEngine
// (pkg/agent/engine.go) — ProcessLLMStream's recursive tool loop becomes
// executeRun's for-loop, CollectChunks becomes the inline chunk consumer,
// and ResolveAndCommitToolCall's recover-guarded resilience wrapper becomes
// dispatchTool. The teacher has no concept of multiple concurrent, named,
// abortable runs (it drives one WebSocket connection's one conversation at
// a time), so the Run/run-table bookkeeping here has no direct teacher
// analogue and is grounded on the spec's data model instead.
package runengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"chatgateway/pkg/backend"
	"chatgateway/pkg/backend/demo"
	"chatgateway/pkg/bus"
	"chatgateway/pkg/history"
	"chatgateway/pkg/idempotency"
	"chatgateway/pkg/mcp"
	"chatgateway/pkg/telemetry"
	"chatgateway/pkg/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// maxIterations bounds the tool-call re-entry loop (spec §4.7).
	maxIterations = 10
	// chatDeltaThrottle is the minimum wall-clock gap between chat.delta
	// broadcasts for one run (spec §4.6: "~150ms, timestamp-compare not
	// sleep").
	chatDeltaThrottle = 150 * time.Millisecond
	// defaultWaitTimeout is agent.wait's timeout when the caller doesn't
	// specify one.
	defaultWaitTimeout = 60 * time.Second
)

// AgentEventPayload is the payload of every "agent" event. Its Seq field is
// the per-run counter (spec §4.6) — unrelated to protocol.Event.Seq, the
// global broadcast sequence the bus stamps on the envelope one level up.
type AgentEventPayload struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	Seq        uint64 `json:"seq"`
	Stream     string `json:"stream"` // "lifecycle" | "assistant" | "reasoning" | "tool"
	Ts         int64  `json:"ts"`
	Data       any    `json:"data"`
}

// ChatEventPayload is the payload of every "chat" event, same per-run Seq
// discipline as AgentEventPayload.
type ChatEventPayload struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	Seq        uint64 `json:"seq"`
	State      string `json:"state"` // "delta" | "final" | "error"
	Text       string `json:"text,omitempty"`
	Message    any    `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Engine owns every in-flight and recently-finished Run, the single
// configured backend (itself possibly a Fallback wrapping several), and the
// collaborators a run needs: history, idempotency, tools, MCP.
type Engine struct {
	Bus     *bus.Bus
	History *history.Store
	Idem    *idempotency.Cache
	Tools   *tools.Registry
	MCP     mcp.Client

	Backend      backend.Backend // may be nil if config had no usable provider
	demoBackend  backend.Backend
	SystemPrompt string
	Metrics      *telemetry.Metrics // optional; nil means metrics are skipped

	modelMu sync.Mutex
	model   string

	mu   sync.RWMutex
	runs map[string]*Run
}

func New(b *bus.Bus, h *history.Store, idem *idempotency.Cache, reg *tools.Registry, mcpClient mcp.Client, be backend.Backend, systemPrompt string) *Engine {
	if mcpClient == nil {
		mcpClient = mcp.NoopClient{}
	}
	return &Engine{
		Bus:          b,
		History:      h,
		Idem:         idem,
		Tools:        reg,
		MCP:          mcpClient,
		Backend:      be,
		demoBackend:  demo.New(),
		SystemPrompt: systemPrompt,
		runs:         make(map[string]*Run),
	}
}

// WithMetrics attaches the process's Prometheus series to the engine. Calling
// it is optional — every call site below is a nil-checked no-op otherwise.
func (e *Engine) WithMetrics(m *telemetry.Metrics) *Engine {
	e.Metrics = m
	return e
}

// Send implements the chat.send/agent contract (spec §4.6): validate,
// dedupe, append the user turn to history, create and register a Run, reply
// synchronously with its identity, and start execution in the background.
func (e *Engine) Send(sessionKey, message, idempotencyKey string) (runID string, err error) {
	sessionKey = strings.TrimSpace(sessionKey)
	message = strings.TrimSpace(message)
	if sessionKey == "" {
		return "", fmt.Errorf("sessionKey is required")
	}
	if message == "" {
		return "", fmt.Errorf("message is required")
	}
	if idempotencyKey != "" {
		if e.Idem.IsDuplicate(idempotencyKey) {
			return "", errDuplicate
		}
		e.Idem.Record(idempotencyKey)
	}

	runID = uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	run := newRun(runID, sessionKey, message, cancel)

	e.mu.Lock()
	e.runs[runID] = run
	e.mu.Unlock()

	e.History.Append(sessionKey, history.HistoryEntry{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   []history.ContentPart{history.TextPart(message)},
		Timestamp: time.Now().UnixMilli(),
	})

	go e.executeRun(ctx, run)

	return runID, nil
}

var errDuplicate = fmt.Errorf("duplicate idempotency key")

// IsDuplicateErr reports whether err is the sentinel Send returns for an
// already-seen idempotency key, so the router can answer with an
// INVALID_REQUEST whose message names the duplicate key.
func IsDuplicateErr(err error) bool { return err == errDuplicate }

// Abort implements chat.abort: cancel the named run, or if runID is empty,
// the most recently started running run in sessionKey.
func (e *Engine) Abort(sessionKey, runID string) (abortedRunID string, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if runID != "" {
		run, found := e.runs[runID]
		if !found || run.State() != StateRunning {
			return runID, false
		}
		run.Cancel()
		return runID, true
	}

	var latest *Run
	for _, run := range e.runs {
		if run.SessionKey != sessionKey || run.State() != StateRunning {
			continue
		}
		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			latest = run
		}
	}
	if latest == nil {
		return "", false
	}
	latest.Cancel()
	return latest.ID, true
}

// Wait implements agent.wait: resolve immediately if the run is already
// terminal, otherwise block up to timeout (default defaultWaitTimeout) for
// termination. A timeout here does not cancel the run — other waiters and
// the run itself are unaffected.
func (e *Engine) Wait(ctx context.Context, runID string, timeout time.Duration) (WaitResult, error) {
	e.mu.RLock()
	run, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return WaitResult{}, fmt.Errorf("unknown run: %s", runID)
	}

	result, done, ch := run.AddWaiterOrResult()
	if done {
		return result, nil
	}

	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	select {
	case result := <-ch:
		return result, nil
	case <-time.After(timeout):
		return WaitResult{}, errTimeout
	case <-ctx.Done():
		return WaitResult{}, ctx.Err()
	}
}

// RunAndWait is the synchronous send-then-await-completion helper the HTTP
// completions surface (C9) uses in place of the WS chat.send/agent.wait
// pair — spec §4.9 drives one turn to completion inline rather than
// returning a runId for the caller to poll.
func (e *Engine) RunAndWait(ctx context.Context, sessionKey, message string, timeout time.Duration) (WaitResult, error) {
	runID, err := e.Send(sessionKey, message, "")
	if err != nil {
		return WaitResult{}, err
	}
	return e.Wait(ctx, runID, timeout)
}

var errTimeout = fmt.Errorf("agent.wait timed out")

func IsTimeoutErr(err error) bool { return err == errTimeout }

// CancelAll requests cancellation of every still-running run, used by C11
// shutdown so in-flight backend streams stop promptly instead of leaking
// past process exit.
func (e *Engine) CancelAll() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, run := range e.runs {
		if run.State() == StateRunning {
			run.Cancel()
		}
	}
}

// executeRun drives one Run to completion. Grounded on the teacher's
// ProcessLLMStream, restructured from recursion into an explicit bounded
// loop so MAX_ITERATIONS is a simple counter rather than call depth.
func (e *Engine) executeRun(ctx context.Context, run *Run) {
	startedAt := time.Now()
	defer func() {
		if e.Metrics != nil {
			e.Metrics.RecordRun(string(run.State()), time.Since(startedAt).Seconds())
		}
	}()

	e.emitAgentEvent(run, "lifecycle", map[string]any{"phase": "start"})

	trimmed := strings.TrimSpace(run.Message)
	if strings.HasPrefix(trimmed, "/") {
		text := e.handleSlashCommand(run.SessionKey, trimmed)
		run.SetAccumulatedText(text)
		e.emitChatEvent(run, "delta", text, nil)
		e.finishRun(run, StateCompleted, "", []history.ContentPart{history.TextPart(text)})
		return
	}

	be := e.Backend
	if be == nil {
		be = e.demoBackend
	}

	messages := e.buildMessages(run.SessionKey)
	allTools := e.allTools(ctx)

	lastChatDeltaAt := time.Time{}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if run.Cancelled() {
			return
		}

		backendStartedAt := time.Now()
		chunkCh, err := be.StreamChat(ctx, messages, allTools)
		if e.Metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			e.Metrics.RecordBackendRequest(be.Name(), status, time.Since(backendStartedAt).Seconds())
		}
		if err != nil {
			e.finishRun(run, StateError, err.Error(), nil)
			return
		}

		var textAcc, thinkingAcc strings.Builder
		accum := backend.NewToolCallAccumulator()
		var streamErr error

		for chunk := range chunkCh {
			if run.Cancelled() {
				return
			}
			if chunk.Err != nil {
				streamErr = chunk.Err
				continue
			}
			if chunk.ThinkingDelta != "" {
				thinkingAcc.WriteString(chunk.ThinkingDelta)
				e.emitAgentEvent(run, "reasoning", map[string]any{"text": thinkingAcc.String(), "delta": chunk.ThinkingDelta})
			}
			if chunk.TextDelta != "" {
				textAcc.WriteString(chunk.TextDelta)
				run.SetAccumulatedText(textAcc.String())
				e.emitAgentEvent(run, "assistant", map[string]any{"text": textAcc.String(), "delta": chunk.TextDelta})
				if time.Since(lastChatDeltaAt) >= chatDeltaThrottle {
					e.emitChatEvent(run, "delta", textAcc.String(), nil)
					lastChatDeltaAt = time.Now()
				}
			}
			for _, d := range chunk.ToolCallDeltas {
				accum.Add(d)
			}
		}

		if run.Cancelled() {
			return
		}
		if streamErr != nil {
			e.finishRun(run, StateError, streamErr.Error(), nil)
			return
		}

		toolCalls := accum.Resolve()
		if len(toolCalls) == 0 {
			if textAcc.Len() > 0 {
				e.emitChatEvent(run, "delta", textAcc.String(), nil)
			}
			parts := run.ToolParts()
			if thinkingAcc.Len() > 0 {
				parts = append(parts, history.ThinkingPart(thinkingAcc.String()))
			}
			if textAcc.Len() > 0 {
				parts = append(parts, history.TextPart(textAcc.String()))
			}
			e.finishRun(run, StateCompleted, "", parts)
			return
		}

		messages = append(messages, backend.Message{Role: "assistant", Text: textAcc.String(), ToolCalls: toolCalls})
		for _, tc := range toolCalls {
			if run.Cancelled() {
				return
			}
			args := parseToolArgs(tc.Arguments)
			e.emitAgentEvent(run, "tool", map[string]any{"phase": "start", "name": tc.Name, "toolCallId": tc.ID, "args": args})

			toolStartedAt := time.Now()
			result, isError := e.dispatchTool(ctx, tc.Name, args)
			if e.Metrics != nil {
				status := "ok"
				if isError {
					status = "error"
				}
				e.Metrics.RecordToolExecution(tc.Name, status, time.Since(toolStartedAt).Seconds())
			}

			e.emitAgentEvent(run, "tool", map[string]any{"phase": "result", "name": tc.Name, "toolCallId": tc.ID, "result": result, "isError": isError})

			part := history.ContentPart{Type: "tool_call", Name: tc.Name, ToolCallID: tc.ID, Arguments: tc.Arguments}
			if isError {
				part.Status = "error"
				part.ResultError = result
			} else {
				part.Status = "success"
				part.Result = result
			}
			run.AppendToolPart(part)

			messages = append(messages, backend.Message{Role: "tool", Text: result, ToolCallID: tc.ID})
		}
		// loop: re-enter the backend with the enriched message history.
	}

	// Iteration cap exceeded: finish with whatever was accumulated rather
	// than looping forever (spec §4.7 "MAX_ITERATIONS=10").
	e.finishRun(run, StateCompleted, "", run.ToolParts())
}

func parseToolArgs(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// dispatchTool routes a resolved tool call to MCP or the built-in registry.
// A panic inside a built-in tool's Execute is recovered so the run always
// gets a tool-role history entry to continue from, matching the teacher's
// ResolveAndCommitToolCall resilience wrapper.
func (e *Engine) dispatchTool(ctx context.Context, name string, args map[string]any) (result string, isError bool) {
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Sprintf("tool %s panicked: %v", name, r)
			isError = true
		}
	}()

	if _, _, ok := mcp.Split(name); ok {
		res, mcpErr, err := e.MCP.Call(ctx, name, args)
		if err != nil {
			return err.Error(), true
		}
		return res, mcpErr
	}
	return e.Tools.Dispatch(name, args)
}

// finishRun marks a run terminal, broadcasts the lifecycle-end/error and
// chat final/error events, appends the assistant HistoryEntry (completed
// only), and resolves every agent.wait waiter. Never called for an aborted
// run — chat.abort's cancellation path returns before reaching here, since
// the engine does not synthesize a final chat message for an aborted run
// (spec §4.6): the last chat.delta is the final visible state.
func (e *Engine) finishRun(run *Run, state State, errMessage string, parts []history.ContentPart) {
	run.setState(state)

	switch state {
	case StateCompleted:
		e.emitAgentEvent(run, "lifecycle", map[string]any{"phase": "end"})
		msg := map[string]any{"role": "assistant", "content": parts}
		e.emitChatEvent(run, "final", "", msg)
		e.History.Append(run.SessionKey, history.HistoryEntry{
			ID:         uuid.NewString(),
			Role:       "assistant",
			Content:    parts,
			Timestamp:  time.Now().UnixMilli(),
			StopReason: "end_turn",
		})
	case StateError:
		e.emitAgentEvent(run, "lifecycle", map[string]any{"phase": "error", "error": errMessage})
		e.Bus.Broadcast("chat", ChatEventPayload{
			RunID:      run.ID,
			SessionKey: run.SessionKey,
			Seq:        run.NextSeq(),
			State:      "error",
			Error:      errMessage,
		}, nil, false)
	}

	run.ResolveWaiters(WaitResult{RunID: run.ID, State: state, Text: run.AccumulatedText()})
}

func (e *Engine) emitAgentEvent(run *Run, stream string, data any) {
	e.Bus.Broadcast("agent", AgentEventPayload{
		RunID:      run.ID,
		SessionKey: run.SessionKey,
		Seq:        run.NextSeq(),
		Stream:     stream,
		Ts:         time.Now().UnixMilli(),
		Data:       data,
	}, nil, false)
}

func (e *Engine) emitChatEvent(run *Run, state, text string, message any) {
	e.Bus.Broadcast("chat", ChatEventPayload{
		RunID:      run.ID,
		SessionKey: run.SessionKey,
		Seq:        run.NextSeq(),
		State:      state,
		Text:       text,
		Message:    message,
	}, nil, false)
}

// buildMessages converts a session's finalized history into the flat
// Message list a backend expects, prefixed with the system prompt if
// configured. The user turn for this run is already the last history entry
// (Send appends it before executeRun starts), so no separate "ensure last
// message is the user's" step is needed here.
func (e *Engine) buildMessages(sessionKey string) []backend.Message {
	var out []backend.Message
	if e.SystemPrompt != "" {
		out = append(out, backend.Message{Role: "system", Text: e.SystemPrompt})
	}
	for _, entry := range e.History.Get(sessionKey, 200) {
		var text strings.Builder
		for _, p := range entry.Content {
			switch p.Type {
			case "text":
				text.WriteString(p.Text)
			case "tool_call":
				fmt.Fprintf(&text, "[used tool %s]", p.Name)
			}
		}
		out = append(out, backend.Message{Role: entry.Role, Text: text.String()})
	}
	return out
}

func (e *Engine) allTools(ctx context.Context) []backend.ToolSpec {
	var out []backend.ToolSpec
	for _, t := range e.Tools.All() {
		out = append(out, backend.ToolSpec{
			Name:               t.Name(),
			Description:        t.Description(),
			Parameters:         t.Parameters(),
			RequiredParameters: t.RequiredParameters(),
		})
	}
	descriptors, err := e.MCP.GetToolList(ctx)
	if err == nil {
		for _, d := range descriptors {
			out = append(out, backend.ToolSpec{Name: d.NamespacedName, Parameters: d.Schema})
		}
	}
	return out
}

// handleSlashCommand intercepts the small set of in-band control commands
// without touching the backend (spec §4.6's slash-command interception
// step). Adapted from the teacher's handleSlashCommand, generalized from
// one active model per process to this engine's single shared model label.
func (e *Engine) handleSlashCommand(sessionKey, trimmed string) string {
	fields := strings.Fields(trimmed)
	cmd := fields[0]
	switch cmd {
	case "/new":
		e.History.Reset(sessionKey)
		return "Session history cleared."
	case "/model":
		if len(fields) == 1 {
			return "Current model: " + e.currentModel()
		}
		e.setModel(fields[1])
		return "Model set to: " + fields[1]
	case "/models":
		names := backend.RegisteredProviders()
		if len(names) == 0 {
			return "No providers registered."
		}
		return "Available providers: " + strings.Join(names, ", ")
	case "/help":
		return "Commands: /new (clear history), /model [name] (show/set active model), /models (list providers), /help."
	default:
		return "Unknown command: " + cmd + ". Try /help."
	}
}

func (e *Engine) currentModel() string {
	e.modelMu.Lock()
	defer e.modelMu.Unlock()
	if e.model == "" {
		return "auto"
	}
	return e.model
}

func (e *Engine) setModel(name string) {
	e.modelMu.Lock()
	e.model = name
	e.modelMu.Unlock()
}
