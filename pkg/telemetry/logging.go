// Package telemetry owns the gateway's ambient observability stack:
// structured logging, distributed tracing, and Prometheus metrics.
// logging.go is adapted from the teacher's pkg/monitor/logger.go
// (CustomHandler, SetupSlog) — same [TIME] [LEVEL] line format, generalized
// from the teacher's LLM-debug-dir context key to this gateway's connection
// and run IDs.
package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

const (
	ctxKeyConnID ctxKey = "conn_id"
	ctxKeyRunID  ctxKey = "run_id"
)

// WithConnID attaches a connection ID to ctx for log correlation.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ctxKeyConnID, connID)
}

// WithRunID attaches a run ID to ctx for log correlation.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID, runID)
}

// CustomHandler implements slog.Handler, rendering [TIME] [LEVEL] [connId]
// [runId] message key=val ... lines instead of JSON, for readable local logs.
type CustomHandler struct {
	w     io.Writer
	opts  slog.HandlerOptions
	attrs []slog.Attr
}

func NewCustomHandler(w io.Writer, opts slog.HandlerOptions) *CustomHandler {
	return &CustomHandler{w: w, opts: opts}
}

func (h *CustomHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *CustomHandler) Handle(ctx context.Context, r slog.Record) error {
	buf := bytes.NewBuffer(nil)

	fmt.Fprintf(buf, "[%s] [%s]", r.Time.Format("2006-01-02 15:04:05"), r.Level)

	if ctx != nil {
		if v, ok := ctx.Value(ctxKeyConnID).(string); ok && v != "" {
			fmt.Fprintf(buf, " [conn:%s]", v)
		}
		if v, ok := ctx.Value(ctxKeyRunID).(string); ok && v != "" {
			fmt.Fprintf(buf, " [run:%s]", v)
		}
	}

	fmt.Fprintf(buf, " %s", r.Message)

	for _, a := range h.attrs {
		h.appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(buf, a)
		return true
	})

	buf.WriteString("\n")
	h.w.Write(buf.Bytes())
	return nil
}

func (h *CustomHandler) appendAttr(buf *bytes.Buffer, a slog.Attr) {
	buf.WriteString(" ")
	buf.WriteString(a.Key)
	buf.WriteString("=")

	val := a.Value.Resolve()
	switch val.Kind() {
	case slog.KindString:
		fmt.Fprintf(buf, "%q", val.String())
	case slog.KindTime:
		buf.WriteString(val.Time().Format(time.RFC3339))
	default:
		fmt.Fprintf(buf, "%v", val.Any())
	}
}

func (h *CustomHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CustomHandler{w: h.w, opts: h.opts, attrs: append(h.attrs, attrs...)}
}

func (h *CustomHandler) WithGroup(name string) slog.Handler {
	return h
}

// SetupSlog installs the CustomHandler as the default slog logger at the
// given level ("debug"|"info"|"warn"|"error", default "info").
func SetupSlog(levelStr string) {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := NewCustomHandler(os.Stderr, slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
