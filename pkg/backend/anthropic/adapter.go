// Package anthropic adapts github.com/anthropics/anthropic-sdk-go into the
// backend.Backend contract. Grounded on haasonsaas-nexus's
// internal/agent/providers/anthropic.go: same content_block_start/delta/stop
// event switch distinguishing thinking/text/tool_use blocks, same
// input_json_delta accumulation into a single tool call per block, same
// message_delta usage extraction.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	jsoniter "github.com/json-iterator/go"

	"chatgateway/pkg/backend"
	"chatgateway/pkg/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	backend.RegisterProvider("anthropic", factory{})
}

type factory struct{}

func (factory) Create(group backend.ProviderGroupConfig, system *config.SystemConfig) ([]backend.Backend, error) {
	apiKey := ""
	if len(group.APIKeys) > 0 {
		apiKey = group.APIKeys[0]
	}
	var out []backend.Backend
	for _, model := range group.Models {
		out = append(out, New(apiKey, model, group.BaseURL))
	}
	return out, nil
}

// Client wraps one Claude model.
type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func New(apiKey, model, baseURL string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{client: anthropic.NewClient(opts...), model: model, maxTokens: 4096}
}

func (c *Client) Name() string { return "anthropic:" + c.model }

func (c *Client) StreamChat(ctx context.Context, messages []backend.Message, tools []backend.ToolSpec) (<-chan backend.Chunk, error) {
	msgs, system := convertMessages(messages)
	toolParams, err := convertTools(tools)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  msgs,
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	chunkCh := make(chan backend.Chunk, 100)
	go func() {
		defer close(chunkCh)

		var currentToolIndex int
		inToolUse := false
		var inputTokens, outputTokens int

		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				if start.Message.Usage.InputTokens > 0 {
					inputTokens = int(start.Message.Usage.InputTokens)
				}

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				switch block.Type {
				case "tool_use":
					toolUse := block.AsToolUse()
					inToolUse = true
					chunkCh <- backend.Chunk{ToolCallDeltas: []backend.ToolCallFragment{{
						Index:     currentToolIndex,
						IDDelta:   toolUse.ID,
						NameDelta: toolUse.Name,
					}}}
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						chunkCh <- backend.Chunk{TextDelta: delta.Text}
					}
				case "thinking_delta":
					if delta.Thinking != "" {
						chunkCh <- backend.Chunk{ThinkingDelta: delta.Thinking}
					}
				case "input_json_delta":
					if delta.PartialJSON != "" {
						chunkCh <- backend.Chunk{ToolCallDeltas: []backend.ToolCallFragment{{
							Index:          currentToolIndex,
							ArgumentsDelta: delta.PartialJSON,
						}}}
					}
				}

			case "content_block_stop":
				if inToolUse {
					inToolUse = false
					currentToolIndex++
				}

			case "message_delta":
				usage := event.AsMessageDelta().Usage
				if usage.OutputTokens > 0 {
					outputTokens = int(usage.OutputTokens)
				}

			case "message_stop":
				chunkCh <- backend.Chunk{
					IsFinal:      true,
					FinishReason: backend.StopReasonStop,
					Usage: &backend.Usage{
						PromptTokens:     inputTokens,
						CompletionTokens: outputTokens,
						TotalTokens:      inputTokens + outputTokens,
					},
				}
				return
			}
		}

		if err := stream.Err(); err != nil {
			chunkCh <- backend.Chunk{Err: err, IsFinal: true}
		}
	}()

	return chunkCh, nil
}

func convertMessages(messages []backend.Message) ([]anthropic.MessageParam, string) {
	var out []anthropic.MessageParam
	var system string

	for _, m := range messages {
		if m.Role == "system" {
			system = m.Text
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if m.Text != "" {
			content = append(content, anthropic.NewTextBlock(m.Text))
		}
		if m.Role == "tool" {
			content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Text, false))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			_ = json.Unmarshal([]byte(tc.Arguments), &input)
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			// user and tool-result turns both travel as the "user" role.
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}

	return out, system
}

func convertTools(tools []backend.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw := map[string]any{
			"type":       "object",
			"properties": t.Parameters,
			"required":   t.RequiredParameters,
		}
		b, _ := json.Marshal(raw)
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(b, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		out = append(out, toolParam)
	}
	return out, nil
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate_limit", "429", "too many requests", "500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout", "timeout", "deadline exceeded", "connection reset", "connection refused", "no such host"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
