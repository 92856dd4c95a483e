// Package gemini adapts google.golang.org/genai into the backend.Backend
// contract. Adapted from the teacher's pkg/llm/gemini/client.go: same
// ThinkingConfig.IncludeThoughts wiring for the reasoning stream, same
// "thought" part flag distinguishing thinking text from normal text, same
// FunctionCall/FunctionResponse role mapping (tool results travel as a user
// turn, per the Gemini wire format).
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/genai"

	"chatgateway/pkg/backend"
	"chatgateway/pkg/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	backend.RegisterProvider("gemini", factory{})
}

type factory struct{}

func (factory) Create(group backend.ProviderGroupConfig, system *config.SystemConfig) ([]backend.Backend, error) {
	apiKey := ""
	if len(group.APIKeys) > 0 {
		apiKey = group.APIKeys[0]
	}
	useThought := true
	if v, ok := group.Options["use_thought"].(bool); ok {
		useThought = v
	}
	var out []backend.Backend
	for _, model := range group.Models {
		c, err := New(apiKey, model, useThought, group.Options)
		if err != nil {
			slog.Error("gemini: failed to init client", "model", model, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Client wraps one Gemini model.
type Client struct {
	client     *genai.Client
	model      string
	useThought bool
	options    map[string]any
}

func New(apiKey, model string, useThought bool, options map[string]any) (*Client, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &Client{client: client, model: model, useThought: useThought, options: options}, nil
}

func (c *Client) Name() string { return "gemini:" + c.model }

func (c *Client) StreamChat(ctx context.Context, messages []backend.Message, tools []backend.ToolSpec) (<-chan backend.Chunk, error) {
	apiMessages, systemInstruction := convertMessages(messages)
	genaiTools := convertTools(tools)

	chunkCh := make(chan backend.Chunk, 100)
	startResultCh := make(chan error, 1)

	slog.InfoContext(ctx, "gemini: streaming", "model", c.model)

	go func() {
		defer close(chunkCh)

		var thinkingCfg *genai.ThinkingConfig
		if c.useThought {
			thinkingCfg = &genai.ThinkingConfig{IncludeThoughts: true}
		}

		genConfig := &genai.GenerateContentConfig{
			SystemInstruction: systemInstruction,
			Tools:             genaiTools,
			ThinkingConfig:    thinkingCfg,
		}
		if t, ok := c.options["temperature"].(float64); ok {
			t32 := float32(t)
			genConfig.Temperature = &t32
		}
		if p, ok := c.options["top_p"].(float64); ok {
			p32 := float32(p)
			genConfig.TopP = &p32
		}
		if maxTok, ok := c.options["max_tokens"].(float64); ok {
			genConfig.MaxOutputTokens = int32(maxTok)
		}

		iter := c.client.Models.GenerateContentStream(ctx, c.model, apiMessages, genConfig)

		started := false
		var lastUsage *backend.Usage
		var lastStopReason string

		for resp, err := range iter {
			if err != nil {
				if resp == nil {
					slog.ErrorContext(ctx, "gemini: stream error", "error", err)
					if !started {
						startResultCh <- err
					} else {
						chunkCh <- backend.Chunk{Err: err, IsFinal: true}
					}
					return
				}
				slog.WarnContext(ctx, "gemini: stream error with data", "error", err)
			}

			if !started {
				started = true
				startResultCh <- nil
			}

			if resp.UsageMetadata != nil {
				u := resp.UsageMetadata
				lastUsage = &backend.Usage{
					PromptTokens:     int(u.PromptTokenCount),
					CompletionTokens: int(u.CandidatesTokenCount),
					TotalTokens:      int(u.TotalTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" {
					lastStopReason = normalizeStopReason(string(candidate.FinishReason))
				}
				if candidate.Content == nil {
					continue
				}

				var deltas []backend.ToolCallFragment
				for i, part := range candidate.Content.Parts {
					if part.Text != "" {
						if part.Thought {
							chunkCh <- backend.Chunk{ThinkingDelta: part.Text}
						} else {
							chunkCh <- backend.Chunk{TextDelta: part.Text}
						}
					}
					if part.FunctionCall != nil {
						// Gemini delivers each function call whole in a single part rather
						// than as fragments, and rarely sets an ID on the stream — synthesize
						// one from the part index so downstream accumulation still works.
						argsB, _ := json.Marshal(part.FunctionCall.Args)
						deltas = append(deltas, backend.ToolCallFragment{
							Index:          i,
							IDDelta:        fmt.Sprintf("gemini-call-%d", i),
							NameDelta:      part.FunctionCall.Name,
							ArgumentsDelta: string(argsB),
						})
					}
				}
				if len(deltas) > 0 {
					chunkCh <- backend.Chunk{ToolCallDeltas: deltas}
				}
			}
		}

		if lastStopReason == "" {
			lastStopReason = backend.StopReasonStop
		}
		chunkCh <- backend.Chunk{IsFinal: true, FinishReason: lastStopReason, Usage: lastUsage}
	}()

	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func convertMessages(messages []backend.Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemInstruction *genai.Content

	for _, m := range messages {
		if m.Role == "system" {
			if m.Text != "" {
				systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Text}}}
			}
			continue
		}

		if m.Role == "tool" {
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     m.ToolCallID,
						Response: map[string]any{"result": m.Text},
					},
				}},
			})
			continue
		}

		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}

		var parts []*genai.Part
		if m.Text != "" {
			parts = append(parts, &genai.Part{Text: m.Text})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(tc.Arguments), &args)
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args}})
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	return contents, systemInstruction
}

func convertTools(tools []backend.ToolSpec) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	var fds []*genai.FunctionDeclaration
	for _, t := range tools {
		fd := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
		if t.Parameters != nil {
			fullSchema := map[string]any{"type": "object", "properties": t.Parameters}
			if len(t.RequiredParameters) > 0 {
				fullSchema["required"] = t.RequiredParameters
			}
			schemaB, _ := json.Marshal(fullSchema)
			var schema genai.Schema
			_ = json.Unmarshal(schemaB, &schema)
			fd.Parameters = &schema
		}
		fds = append(fds, fd)
	}
	return []*genai.Tool{{FunctionDeclarations: fds}}
}

// normalizeStopReason converts Gemini's FinishReason enum strings ("STOP",
// "MAX_TOKENS", ...) to the lowercase set shared across adapters.
func normalizeStopReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP", "FINISH_REASON_STOP":
		return backend.StopReasonStop
	case "MAX_TOKENS", "FINISH_REASON_MAX_TOKENS":
		return backend.StopReasonLength
	default:
		return strings.ToLower(reason)
	}
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"503", "overloaded", "429", "resource exhausted", "500", "internal error", "timeout", "connection refused", "context deadline exceeded"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
