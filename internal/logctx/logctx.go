// Package logctx enriches slog records with request-scoped attributes
// carried on the context. The transport attaches the in-flight RPC message
// and session identity; any context-aware log call below it picks them up
// without plumbing attrs through every signature.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("client_name", sd.ClientName),
			slog.String("client_version", sd.ClientVersion),
		))
	}

	if dd, ok := ctx.Value(documentDataKey{}).(*DocumentData); ok {
		r.AddAttrs(slog.Group("doc",
			slog.String("uri", dd.URI),
			slog.String("language_id", dd.LanguageID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type rpcMsgKey struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID     string
	ClientName    string
	ClientVersion string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type documentDataKey struct{}

type DocumentData struct {
	URI        string
	LanguageID string
}

func WithDocumentData(ctx context.Context, data *DocumentData) context.Context {
	return context.WithValue(ctx, documentDataKey{}, data)
}
