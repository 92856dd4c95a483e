// Package ollama adapts github.com/ollama/ollama/api into the backend.Backend
// contract. Adapted from the teacher's pkg/llm/ollama/client.go: same
// zero-timeout transport, same "first callback confirms startup" unbuffered
// channel handshake, same NDJSON-callback-to-chunk translation.
package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/ollama/ollama/api"

	"chatgateway/pkg/backend"
	"chatgateway/pkg/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	backend.RegisterProvider("ollama", factory{})
}

type factory struct{}

func (factory) Create(group backend.ProviderGroupConfig, system *config.SystemConfig) ([]backend.Backend, error) {
	var out []backend.Backend
	for _, model := range group.Models {
		c, err := New(model, group.BaseURL, group.Options)
		if err != nil {
			slog.Error("ollama: failed to init client", "model", model, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Client wraps one model on one Ollama server.
type Client struct {
	client  *api.Client
	model   string
	options map[string]any
}

func New(model, baseURL string, options map[string]any) (*Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 0}

	var apiClient *api.Client
	var err error
	if baseURL != "" {
		u, perr := url.Parse(baseURL)
		if perr != nil {
			return nil, fmt.Errorf("invalid base URL: %w", perr)
		}
		apiClient = api.NewClient(u, httpClient)
	} else {
		apiClient, err = api.ClientFromEnvironment()
	}
	if err != nil {
		return nil, err
	}

	slog.Info("ollama: client initialized", "model", model, "baseURL", baseURL)
	return &Client{client: apiClient, model: model, options: options}, nil
}

func (c *Client) Name() string { return "ollama:" + c.model }

func (c *Client) StreamChat(ctx context.Context, messages []backend.Message, tools []backend.ToolSpec) (<-chan backend.Chunk, error) {
	apiMessages := convertMessages(messages)
	apiTools := convertTools(tools)

	chunkCh := make(chan backend.Chunk, 100)
	startResultCh := make(chan error)

	go func() {
		defer close(chunkCh)

		stream := true
		req := &api.ChatRequest{
			Model:    c.model,
			Messages: apiMessages,
			Options:  c.options,
			Tools:    apiTools,
			Stream:   &stream,
		}

		started := false
		err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if !started {
				started = true
				select {
				case startResultCh <- nil:
				default:
				}
			}

			if resp.Message.Thinking != "" {
				chunkCh <- backend.Chunk{ThinkingDelta: resp.Message.Thinking}
			}
			if resp.Message.Content != "" {
				chunkCh <- backend.Chunk{TextDelta: resp.Message.Content}
			}
			if len(resp.Message.ToolCalls) > 0 {
				deltas := make([]backend.ToolCallFragment, 0, len(resp.Message.ToolCalls))
				for i, tc := range resp.Message.ToolCalls {
					argsB, _ := json.Marshal(tc.Function.Arguments)
					deltas = append(deltas, backend.ToolCallFragment{
						Index:          i,
						IDDelta:        tc.ID,
						NameDelta:      tc.Function.Name,
						ArgumentsDelta: string(argsB),
					})
				}
				chunkCh <- backend.Chunk{ToolCallDeltas: deltas}
			}
			if resp.Done {
				usage := &backend.Usage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
				}
				chunkCh <- backend.Chunk{IsFinal: true, FinishReason: normalizeStopReason(resp.DoneReason), Usage: usage}
			}
			return nil
		})

		if err != nil {
			slog.Error("ollama: stream error", "model", c.model, "error", err)
			if !started {
				select {
				case startResultCh <- err:
				default:
					chunkCh <- backend.Chunk{Err: err, IsFinal: true}
				}
			}
		} else if !started {
			select {
			case startResultCh <- nil:
			default:
			}
		}
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

func normalizeStopReason(r string) string {
	if r == "length" {
		return backend.StopReasonLength
	}
	return backend.StopReasonStop
}

func convertTools(tools []backend.ToolSpec) []api.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]api.Tool, 0, len(tools))
	for _, t := range tools {
		var tool api.Tool
		raw := map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters": map[string]any{
					"type":       "object",
					"properties": t.Parameters,
					"required":   t.RequiredParameters,
				},
			},
		}
		b, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(b, &tool); err != nil {
			continue
		}
		out = append(out, tool)
	}
	return out
}

func convertMessages(messages []backend.Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		msg := api.Message{Role: m.Role, Content: m.Text}
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			var toolCalls []api.ToolCall
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Arguments), &args)
				argBytes, _ := json.Marshal(args)
				var apiArgs api.ToolCallFunctionArguments
				_ = json.Unmarshal(argBytes, &apiArgs)
				toolCalls = append(toolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: apiArgs,
					},
				})
			}
			msg.ToolCalls = toolCalls
		}
		if m.Role == "tool" {
			msg.ToolCallID = m.ToolCallID
		}
		out = append(out, msg)
	}
	return out
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "overloaded")
}
