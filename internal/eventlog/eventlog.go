// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog emits the gateway's line-oriented JSON event log. Every
// event is one JSON object on stdout, tagged with a variant type and the
// process identity.
package eventlog

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/aws-samples/bedrock-access-gateway/internal/requestctx"
	"github.com/aws-samples/bedrock-access-gateway/internal/version"
)

// Event variants.
const (
	TypeStart         = "start"
	TypeStop          = "stop"
	TypeRequest       = "request"
	TypeRequestStream = "request_stream"
	TypeBackground    = "background"
)

// LevelCritical sits above slog.LevelError and marks uncaught failures.
const LevelCritical = slog.LevelError + 4

// Logger writes tagged events. The zero value is not usable; call New.
type Logger struct {
	sl       *slog.Logger
	serverID string
	logIP    bool
}

// New builds a Logger writing JSONL to w at the given minimum level
// ("debug", "info", "warning", "error"). serverID identifies this process
// instance across restarts.
func New(w io.Writer, minLevel, serverID string, logClientIP bool) *Logger {
	var lvl slog.Level
	switch minLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "date"
			case slog.LevelKey:
				if a.Value.Any() == LevelCritical {
					a.Value = slog.StringValue("critical")
				} else {
					a.Value = slog.StringValue(levelName(a.Value.Any().(slog.Level)))
				}
			case slog.MessageKey:
				a.Key = "type"
			}
			return a
		},
	})
	sl := slog.New(h).With(
		slog.String("server_id", serverID),
		slog.String("server_version", version.Version),
	)
	return &Logger{sl: sl, serverID: serverID, logIP: logClientIP}
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

// ServerID returns the process instance identifier.
func (l *Logger) ServerID() string { return l.serverID }

// Start records process startup.
func (l *Logger) Start(addr string) {
	l.sl.Info(TypeStart, slog.String("listen_addr", addr))
}

// Stop records process shutdown with total uptime.
func (l *Logger) Stop(uptime time.Duration) {
	l.sl.Info(TypeStop, durAttr(uptime))
}

// RequestEvent captures the outcome of one HTTP request.
type RequestEvent struct {
	Context     *requestctx.RequestContext
	Method      string
	Path        string
	StatusCode  int
	Duration    time.Duration
	ErrorDetail string
	// Params holds the sanitized request parameters; nil unless
	// LOG_REQUEST_PARAMS is enabled.
	Params map[string]any
}

// Request logs a completed request at the level implied by its status code.
func (l *Logger) Request(ev RequestEvent) {
	typ := TypeRequest
	if ev.Context != nil && ev.Context.Streaming {
		typ = TypeRequestStream
	}
	attrs := []slog.Attr{
		slog.String("method", ev.Method),
		slog.String("path", ev.Path),
		slog.Int("status_code", ev.StatusCode),
		durAttr(ev.Duration),
	}
	if ev.Context != nil {
		attrs = append(attrs, slog.String("request_id", ev.Context.ID))
		if ev.Context.ModelID != "" {
			attrs = append(attrs, slog.String("model_id", ev.Context.ModelID))
		}
		if ev.Context.UserID != "" {
			attrs = append(attrs, slog.String("user", ev.Context.UserID))
		}
		if l.logIP && ev.Context.ClientIP != "" {
			attrs = append(attrs, slog.String("client_ip", ev.Context.ClientIP))
		}
	}
	if ev.ErrorDetail != "" {
		attrs = append(attrs, slog.String("error_detail", ev.ErrorDetail))
	}
	if ev.Params != nil {
		attrs = append(attrs, slog.Any("params", ev.Params))
	}
	l.sl.LogAttrs(context.Background(), statusLevel(ev.StatusCode), typ, attrs...)
}

// Background logs a deferred task run with its own duration and error.
func (l *Logger) Background(requestID, task string, d time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("request_id", requestID),
		slog.String("task", task),
		durAttr(d),
	}
	lvl := slog.LevelInfo
	if err != nil {
		attrs = append(attrs, slog.String("error_detail", err.Error()))
		lvl = slog.LevelWarn
	}
	l.sl.LogAttrs(context.Background(), lvl, TypeBackground, attrs...)
}

// Critical logs an uncaught failure with its backtrace.
func (l *Logger) Critical(requestID, detail, stack string) {
	l.sl.LogAttrs(context.Background(), LevelCritical, TypeRequest,
		slog.String("request_id", requestID),
		slog.Int("status_code", 500),
		slog.String("error_detail", detail),
		slog.String("stack", stack),
	)
}

// Debug logs free-form diagnostics outside the event taxonomy.
func (l *Logger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }

func statusLevel(code int) slog.Level {
	switch {
	case code >= 500:
		return slog.LevelError
	case code >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func durAttr(d time.Duration) slog.Attr {
	return slog.Float64("duration", d.Seconds())
}
