// Package logctx enriches slog records with request and protocol context
// carried in context.Context values.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends grouped attributes pulled
// from the context of each record.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if cd, ok := ctx.Value(commandDataKey{}).(*CommandData); ok {
		r.AddAttrs(slog.Group("sso",
			slog.String("command", cd.Command),
			slog.String("broker", cd.BrokerID),
			slog.String("session", cd.SessionID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData describes the inbound HTTP request.
type RequestData struct {
	Method     string
	Path       string
	RemoteAddr string
}

// WithRequestData attaches request data to the context.
func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type commandDataKey struct{}

// CommandData describes the protocol command being executed.
type CommandData struct {
	Command   string
	BrokerID  string
	SessionID string
}

// WithCommandData attaches protocol command data to the context.
func WithCommandData(ctx context.Context, data *CommandData) context.Context {
	return context.WithValue(ctx, commandDataKey{}, data)
}
