// Package openaicompat adapts github.com/openai/openai-go/v3's streaming
// client into the backend.Backend contract. Adapted from the teacher's
// pkg/llm/openailm/client.go: same reflection-based extraction of the
// event's unexported raw JSON for the reasoning-field fallback probe
// (providers smuggle `reasoning`/`thinking`/`reasoning_content` outside the
// official SDK surface), same index-keyed tool-call delta accumulation.
package openaicompat

import (
	"context"
	"log/slog"
	"reflect"
	"strings"

	jsoniter "github.com/json-iterator/go"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"chatgateway/pkg/backend"
	"chatgateway/pkg/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	backend.RegisterProvider("openai", factory{})
	backend.RegisterProvider("openai-compatible", factory{})
}

type factory struct{}

func (factory) Create(group backend.ProviderGroupConfig, system *config.SystemConfig) ([]backend.Backend, error) {
	apiKey := ""
	if len(group.APIKeys) > 0 {
		apiKey = group.APIKeys[0]
	}
	var out []backend.Backend
	for _, model := range group.Models {
		out = append(out, New("openai", apiKey, model, group.BaseURL))
	}
	return out, nil
}

type Client struct {
	client *openai.Client
	model  string
}

func New(provider, apiKey, model, baseURL string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(opts...)
	return &Client{client: &c, model: model}
}

func (c *Client) Name() string { return "openai:" + c.model }

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout")
}

func (c *Client) StreamChat(ctx context.Context, messages []backend.Message, tools []backend.ToolSpec) (<-chan backend.Chunk, error) {
	chunkCh := make(chan backend.Chunk, 100)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: convertMessages(messages),
		Tools:    convertTools(tools),
	}

	go func() {
		defer close(chunkCh)

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)
		accum := backend.NewToolCallAccumulator()
		var lastFinishReason string
		var lastUsage *backend.Usage

		for stream.Next() {
			event := stream.Current()

			var raw string
			rv := reflect.ValueOf(event.JSON)
			if rv.Kind() == reflect.Struct {
				rt := rv.Type()
				for i := 0; i < rt.NumField(); i++ {
					if rt.Field(i).Name == "raw" {
						raw = rv.Field(i).String()
						break
					}
				}
			}

			if len(event.Choices) > 0 {
				choice := event.Choices[0]
				if choice.FinishReason != "" {
					lastFinishReason = string(choice.FinishReason)
				}

				if thought := extractReasoning(raw); thought != "" {
					chunkCh <- backend.Chunk{ThinkingDelta: thought}
				}

				if choice.Delta.Content != "" {
					chunkCh <- backend.Chunk{TextDelta: choice.Delta.Content}
				}

				if len(choice.Delta.ToolCalls) > 0 {
					deltas := make([]backend.ToolCallFragment, 0, len(choice.Delta.ToolCalls))
					for _, tc := range choice.Delta.ToolCalls {
						deltas = append(deltas, backend.ToolCallFragment{
							Index:          int(tc.Index),
							IDDelta:        tc.ID,
							NameDelta:      tc.Function.Name,
							ArgumentsDelta: tc.Function.Arguments,
						})
					}
					for _, d := range deltas {
						accum.Add(d)
					}
					chunkCh <- backend.Chunk{ToolCallDeltas: deltas}
				}
			}

			if event.Usage.TotalTokens > 0 {
				lastUsage = &backend.Usage{
					PromptTokens:     int(event.Usage.PromptTokens),
					CompletionTokens: int(event.Usage.CompletionTokens),
					TotalTokens:      int(event.Usage.TotalTokens),
				}
			}
		}

		if err := stream.Err(); err != nil {
			chunkCh <- backend.Chunk{Err: err, IsFinal: true}
			return
		}

		reason := backend.StopReasonStop
		if lastFinishReason != "" {
			reason = normalizeStopReason(lastFinishReason)
		}
		chunkCh <- backend.Chunk{IsFinal: true, FinishReason: reason, Usage: lastUsage}
	}()

	return chunkCh, nil
}

// extractReasoning probes the raw event JSON for a reasoning field the
// official SDK type doesn't surface yet, trying the field names observed
// across OpenAI-compatible providers in order.
func extractReasoning(raw string) string {
	if raw == "" {
		return ""
	}
	var parsed struct {
		Reasoning        string `json:"reasoning"`
		Thinking         string `json:"thinking"`
		ReasoningContent string `json:"reasoning_content"`
		Choices          []struct {
			Delta struct {
				ReasoningContent string `json:"reasoning_content"`
				Reasoning        string `json:"reasoning"`
				Thinking         string `json:"thinking"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		slog.Warn("openaicompat: failed to unmarshal raw chunk for reasoning probe", "error", err)
		return ""
	}
	for _, candidate := range []string{parsed.Reasoning, parsed.Thinking, parsed.ReasoningContent} {
		if candidate != "" {
			return candidate
		}
	}
	if len(parsed.Choices) > 0 {
		d := parsed.Choices[0].Delta
		for _, candidate := range []string{d.ReasoningContent, d.Reasoning, d.Thinking} {
			if candidate != "" {
				return candidate
			}
		}
	}
	return ""
}

func normalizeStopReason(reason string) string {
	switch strings.ToLower(reason) {
	case "length":
		return backend.StopReasonLength
	default:
		return backend.StopReasonStop
	}
}

func convertTools(tools []backend.ToolSpec) []openai.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters: openai.FunctionParameters{
						"type":       "object",
						"properties": t.Parameters,
						"required":   t.RequiredParameters,
					},
				},
			},
		})
	}
	return out
}

func convertMessages(messages []backend.Message) []openai.ChatCompletionMessageParamUnion {
	var items []openai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		switch m.Role {
		case "tool":
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					Role:       "tool",
					ToolCallID: m.ToolCallID,
					Content:    openai.ChatCompletionToolMessageParamContentUnion{OfString: openai.String(m.Text)},
				},
			})
		case "assistant":
			if len(m.ToolCalls) > 0 {
				var toolCalls []openai.ChatCompletionMessageToolCallUnionParam
				for _, tc := range m.ToolCalls {
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
						OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
							ID:   tc.ID,
							Type: "function",
							Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      tc.Name,
								Arguments: tc.Arguments,
							},
						},
					})
				}
				items = append(items, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{Role: "assistant", ToolCalls: toolCalls},
				})
			} else {
				items = append(items, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						Role:    "assistant",
						Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Text)},
					},
				})
			}
		case "user":
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Role:    "user",
					Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(m.Text)},
				},
			})
		case "system":
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Role:    "system",
					Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(m.Text)},
				},
			})
		}
	}
	return items
}
