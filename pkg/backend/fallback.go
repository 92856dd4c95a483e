package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Fallback tries each configured backend in order, retrying transient
// failures before moving on — adapted from the teacher's
// llm.FallbackClient.
type Fallback struct {
	backends   []Backend
	maxRetries int
	retryDelay time.Duration
}

func NewFallback(backends []Backend, maxRetries, retryDelayMs int) *Fallback {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Fallback{backends: backends, maxRetries: maxRetries, retryDelay: time.Duration(retryDelayMs) * time.Millisecond}
}

func (f *Fallback) Name() string { return "fallback" }

func (f *Fallback) IsTransientError(err error) bool { return false }

func (f *Fallback) StreamChat(ctx context.Context, messages []Message, tools []ToolSpec) (<-chan Chunk, error) {
	var lastErr error
	for i, b := range f.backends {
		for attempt := 1; attempt <= f.maxRetries; attempt++ {
			if attempt > 1 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(attempt-1) * f.retryDelay):
				}
			}
			ch, err := b.StreamChat(ctx, messages, tools)
			if err == nil {
				return ch, nil
			}
			lastErr = err
			slog.Warn("backend failed", "backend", b.Name(), "attempt", attempt, "error", err)
			if !b.IsTransientError(err) || attempt == f.maxRetries {
				break
			}
		}
	}
	return nil, fmt.Errorf("all backends failed: %w", lastErr)
}
