// Package demo implements a keyword-matched canned-response backend with no
// external dependency — the fallback adapter run when no other backend
// configured (spec §4.6 step 3). Grounded on the teacher's pkg/llm package
// shape (Message/Chunk/StreamChat), since the teacher has no demo-mode
// client of its own to adapt from; the word-by-word sleep pacing mirrors
// the teacher's ThinkingInitDelayMs/streaming-feel config knobs.
package demo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatgateway/pkg/backend"
	"chatgateway/pkg/config"
)

func init() {
	backend.RegisterProvider("demo", factory{})
}

type factory struct{}

// Create ignores the provider group entirely — demo mode takes no API key,
// model list, or base URL. One Client serves every "demo" group.
func (factory) Create(group backend.ProviderGroupConfig, system *config.SystemConfig) ([]backend.Backend, error) {
	return []backend.Backend{New()}, nil
}

// New constructs the demo backend directly; the run engine also calls this
// to build the last-resort fallback when no provider group could be
// initialized from config, bypassing the factory registry entirely.
func New() *Client { return &Client{} }

type Client struct{}

func (c *Client) Name() string { return "demo" }

func (c *Client) IsTransientError(err error) bool { return false }

const webSearchToolName = "web_search"

func (c *Client) StreamChat(ctx context.Context, messages []backend.Message, tools []backend.ToolSpec) (<-chan backend.Chunk, error) {
	chunkCh := make(chan backend.Chunk, 16)

	lastUserText := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUserText = strings.ToLower(messages[i].Text)
			break
		}
	}

	// A pending tool result (appended by the run engine's tool loop after
	// executing our earlier web_search request) means this is the
	// re-entry call: finish with the synthesized table instead of asking
	// for another tool call.
	var toolResult string
	for _, m := range messages {
		if m.Role == "tool" {
			toolResult = m.Text
		}
	}

	go func() {
		defer close(chunkCh)

		select {
		case <-ctx.Done():
			chunkCh <- backend.Chunk{Err: ctx.Err(), IsFinal: true}
			return
		case <-time.After(50 * time.Millisecond):
		}

		if toolResult != "" {
			streamWords(ctx, chunkCh, weatherTable(toolResult))
			chunkCh <- backend.Chunk{IsFinal: true, FinishReason: backend.StopReasonStop}
			return
		}

		if strings.Contains(lastUserText, "weather") {
			chunkCh <- backend.Chunk{ToolCallDeltas: []backend.ToolCallFragment{{
				Index:          0,
				IDDelta:        "demo-call-1",
				NameDelta:      webSearchToolName,
				ArgumentsDelta: fmt.Sprintf(`{"query":%q}`, lastUserText),
			}}}
			chunkCh <- backend.Chunk{IsFinal: true, FinishReason: backend.StopReasonStop}
			return
		}

		streamWords(ctx, chunkCh, canned(lastUserText))
		chunkCh <- backend.Chunk{IsFinal: true, FinishReason: backend.StopReasonStop}
	}()

	return chunkCh, nil
}

func streamWords(ctx context.Context, ch chan<- backend.Chunk, text string) {
	words := strings.Split(text, " ")
	for i, w := range words {
		delta := w
		if i < len(words)-1 {
			delta += " "
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(15 * time.Millisecond):
		}
		ch <- backend.Chunk{TextDelta: delta}
	}
}

func weatherTable(rawResult string) string {
	return fmt.Sprintf("Here's what I found:\n\n| Day | Forecast |\n| --- | --- |\n| Today | %s |\n| Tomorrow | Similar conditions expected |\n", rawResult)
}

func canned(userText string) string {
	switch {
	case strings.Contains(userText, "hello") || strings.Contains(userText, "hi "):
		return "Hello! I'm running in demo mode — no LLM backend is configured, so my answers are canned."
	case strings.Contains(userText, "help"):
		return "I can only echo scripted responses right now. Configure a real backend (ollama, openai, gemini, anthropic) for actual answers."
	default:
		return "Demo mode: I don't have a scripted answer for that, but the round trip works."
	}
}
