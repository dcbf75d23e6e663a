// Package engine implements the protocol lifecycle state machine. It
// classifies decoded JSON-RPC messages, advances the connection through the
// initialize → initialized → shutdown → exit lifecycle, maintains session and
// document bookkeeping, and delegates feature methods to the Responder
// collaborator.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/quantlab/indicator-ls-go/documents"
	"github.com/quantlab/indicator-ls-go/internal/jsonrpc"
	"github.com/quantlab/indicator-ls-go/internal/logctx"
	"github.com/quantlab/indicator-ls-go/protocol"
	"github.com/quantlab/indicator-ls-go/sessions"
)

// Phase is the connection lifecycle phase. Phases only ever advance; a phase
// is never revisited.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitialized
	PhaseShuttingDown
	PhaseExited
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitialized:
		return "initialized"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseExited:
		return "exited"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Responder supplies feature-specific results (completion, hover, symbols,
// workspace commands). It receives a document snapshot so it can run outside
// the dispatch loop without racing document sync.
type Responder interface {
	Respond(ctx context.Context, method string, params json.RawMessage, docs documents.Snapshot) (any, error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, method string, params json.RawMessage, docs documents.Snapshot) (any, error)

func (f ResponderFunc) Respond(ctx context.Context, method string, params json.RawMessage, docs documents.Snapshot) (any, error) {
	return f(ctx, method, params, docs)
}

// NullResponder answers every delegated method with a null result. It is the
// default when no feature responder is wired in.
var NullResponder = ResponderFunc(func(context.Context, string, json.RawMessage, documents.Snapshot) (any, error) {
	return nil, nil
})

// Settings are the client-tunable options carried by
// workspace/didChangeConfiguration. The reflected JSON schema of this struct
// is advertised under capabilities.experimental.settingsSchema.
type Settings struct {
	MaxCompletionItems int      `json:"maxCompletionItems,omitempty" jsonschema:"minimum=1,default=50,description=Upper bound on completion items returned per request"`
	DiagnosticsEnabled bool     `json:"diagnosticsEnabled,omitempty" jsonschema:"default=true,description=Publish analysis diagnostics for open documents"`
	DataDir            string   `json:"dataDir,omitempty" jsonschema:"description=Directory holding cached market data"`
	IndicatorPaths     []string `json:"indicatorPaths,omitempty" jsonschema:"description=Additional directories searched for indicator definitions"`
}

func defaultSettings() Settings {
	return Settings{MaxCompletionItems: 50, DiagnosticsEnabled: true}
}

// Outcome is the result of dispatching one message. Replies are written to
// the client in order, each as a single framed write; AfterWrite (if set)
// runs only after every reply has been handed to the writer; Exit asks the
// transport loop to terminate cleanly.
type Outcome struct {
	// Replies holds zero or more *jsonrpc.Response / *jsonrpc.Request values.
	Replies    []any
	AfterWrite func()
	Exit       bool
}

func respond(res *jsonrpc.Response) Outcome {
	return Outcome{Replies: []any{res}}
}

// Engine is the protocol dispatcher. It is exclusively owned by the
// transport loop goroutine: Dispatch must never be called concurrently.
type Engine struct {
	log       *slog.Logger
	registry  *sessions.Registry
	store     *documents.Store
	responder Responder

	serverName    string
	serverVersion string
	commands      []string

	phase    Phase
	settings Settings
	rootURI  string
	client   protocol.ClientInfo

	settingsSchema *jsonschema.Schema

	watchedFileEvents int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithRegistry overrides the session registry.
func WithRegistry(r *sessions.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithStore overrides the document store.
func WithStore(s *documents.Store) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

// WithServerInfo sets the name and version advertised in the initialize
// response.
func WithServerInfo(name, version string) Option {
	return func(e *Engine) {
		if name != "" {
			e.serverName = name
		}
		if version != "" {
			e.serverVersion = version
		}
	}
}

// WithCommands sets the workspace commands advertised in capabilities.
func WithCommands(cmds ...string) Option {
	return func(e *Engine) { e.commands = cmds }
}

// New constructs an Engine with defaults and applies options.
func New(responder Responder, opts ...Option) *Engine {
	if responder == nil {
		responder = NullResponder
	}
	e := &Engine{
		log:           slog.Default(),
		registry:      sessions.NewRegistry(),
		store:         documents.NewStore(),
		responder:     responder,
		serverName:    "indicator-ls",
		serverVersion: "0.0.0",
		commands:      []string{"indicator.refreshData", "indicator.runBacktest"},
		phase:         PhaseUninitialized,
		settings:      defaultSettings(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	reflector := jsonschema.Reflector{DoNotReference: true}
	e.settingsSchema = reflector.Reflect(&Settings{})

	return e
}

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() Phase { return e.phase }

// RootURI returns the workspace root announced by the client, if any.
func (e *Engine) RootURI() string { return e.rootURI }

// Settings returns the current in-memory settings.
func (e *Engine) Settings() Settings { return e.settings }

// Registry exposes the session registry for diagnostics.
func (e *Engine) Registry() *sessions.Registry { return e.registry }

// Store exposes the document store owned by the dispatch loop.
func (e *Engine) Store() *documents.Store { return e.store }

// WatchedFileEvents reports how many watched-file changes have been observed.
func (e *Engine) WatchedFileEvents() int64 { return e.watchedFileEvents }

// Dispatch processes one decoded message and returns the outgoing replies.
// It never panics: any failure while building a response is converted to an
// Internal-server-error response at this boundary.
func (e *Engine) Dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine.dispatch.panic",
				slog.String("method", msg.Method),
				slog.Any("panic", r))
			if msg.Type() == jsonrpc.MessageTypeRequest {
				out = respond(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalServerError, "Internal server error", nil))
			} else {
				out = Outcome{}
			}
		}
	}()

	switch msg.Type() {
	case jsonrpc.MessageTypeResponse:
		// This server only sends notifications client-ward, so inbound
		// responses are unexpected. Log and move on.
		e.log.InfoContext(ctx, "engine.dispatch.unexpected_response", slog.String("id", msg.ID.String()))
		return Outcome{}
	case jsonrpc.MessageTypeInvalid:
		return respond(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request", nil))
	}

	if !msg.ValidVersion() {
		return respond(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request", nil))
	}

	isRequest := msg.Type() == jsonrpc.MessageTypeRequest
	if isRequest {
		e.registry.CountRequest()
	}

	log := e.log.With(slog.String("method", msg.Method), slog.String("phase", e.phase.String()))

	if sess, ok := e.registry.Get(e.client.Name, e.client.Version); ok {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
			SessionID:     sess.SessionID,
			ClientName:    e.client.Name,
			ClientVersion: e.client.Version,
		})
	}

	switch protocol.Method(msg.Method) {
	case protocol.InitializeMethod:
		return e.handleInitialize(log, msg)

	case protocol.InitializedNotificationMethod:
		return e.handleInitialized(log)

	case protocol.DidOpenNotificationMethod:
		e.handleDidOpen(ctx, log, msg.Params)
		return Outcome{}

	case protocol.DidChangeNotificationMethod:
		e.handleDidChange(ctx, log, msg.Params)
		return Outcome{}

	case protocol.DidCloseNotificationMethod:
		e.handleDidClose(ctx, log, msg.Params)
		return Outcome{}

	case protocol.DidChangeConfigurationNotificationMethod:
		return e.handleDidChangeConfiguration(log, msg)

	case protocol.DidChangeWatchedFilesNotificationMethod:
		return e.handleDidChangeWatchedFiles(log, msg)

	case protocol.ShutdownMethod:
		return e.handleShutdown(log, msg)

	case protocol.ExitMethod:
		return e.handleExit(log, msg)

	case protocol.CancelRequestNotificationMethod,
		protocol.PingNotificationMethod,
		protocol.HeartbeatNotificationMethod:
		log.Debug("engine.dispatch.control_swallowed")
		return Outcome{}

	case protocol.CompletionMethod,
		protocol.HoverMethod,
		protocol.DefinitionMethod,
		protocol.ReferencesMethod,
		protocol.DocumentSymbolMethod,
		protocol.WorkspaceSymbolMethod,
		protocol.ExecuteCommandMethod,
		protocol.WillCreateFilesMethod,
		protocol.WillRenameFilesMethod,
		protocol.WillDeleteFilesMethod:
		return e.handleDelegated(ctx, log, msg)
	}

	if isRequest {
		log.InfoContext(ctx, "engine.dispatch.method_not_found")
		return respond(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found", nil))
	}

	log.InfoContext(ctx, "engine.dispatch.unknown_notification_ignored")
	return Outcome{}
}

func (e *Engine) handleInitialize(log *slog.Logger, msg *jsonrpc.AnyMessage) Outcome {
	if msg.Type() != jsonrpc.MessageTypeRequest {
		log.Warn("engine.initialize.notification_ignored")
		return Outcome{}
	}

	var params protocol.InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			// Tolerated: proceed with an anonymous client identity.
			log.Warn("engine.initialize.bad_params", slog.String("err", err.Error()))
		}
	}

	client := protocol.ClientInfo{Name: "unknown"}
	if params.ClientInfo != nil && params.ClientInfo.Name != "" {
		client = *params.ClientInfo
	}

	repeated := e.phase != PhaseUninitialized
	if repeated {
		// Answered identically, but state (open documents, counters) is
		// preserved rather than reset.
		log.Warn("engine.initialize.repeated",
			slog.String("client_name", client.Name),
			slog.String("client_version", client.Version))
	} else {
		e.phase = PhaseInitialized
		e.rootURI = params.RootURI
		e.client = client
	}

	e.registry.RecordConnectionAttempt(client.Name, client.Version, params.ProtocolVersion, params.Capabilities)

	result := protocol.InitializeResult{
		Capabilities: protocol.ServerCapabilities{
			TextDocumentSync:        protocol.TextDocumentSyncOptions{OpenClose: true, Change: 1},
			HoverProvider:           true,
			CompletionProvider:      &protocol.CompletionOptions{TriggerCharacters: []string{".", "("}},
			DefinitionProvider:      true,
			ReferencesProvider:      true,
			DocumentSymbolProvider:  true,
			WorkspaceSymbolProvider: true,
			ExecuteCommandProvider:  &protocol.ExecuteCommandOptions{Commands: e.commands},
			Experimental: map[string]any{
				"settingsSchema": e.settingsSchema,
			},
		},
		ServerInfo: protocol.ServerInfo{Name: e.serverName, Version: e.serverVersion},
	}

	res, err := jsonrpc.NewResultResponse(msg.ID, &result)
	if err != nil {
		log.Error("engine.initialize.encode_fail", slog.String("err", err.Error()))
		return respond(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalServerError, "Internal server error", nil))
	}

	log.Info("engine.initialize.ok",
		slog.String("client_name", client.Name),
		slog.String("client_version", client.Version),
		slog.Bool("repeated", repeated))

	// Success is counted on response *sent*, not request received: the
	// transport invokes AfterWrite once the reply has been written.
	return Outcome{
		Replies:    []any{res},
		AfterWrite: func() { e.registry.MarkInitializeResponseSent(client.Name, client.Version) },
	}
}

func (e *Engine) handleInitialized(log *slog.Logger) Outcome {
	show, err := jsonrpc.NewNotification(string(protocol.ShowMessageNotificationMethod), protocol.ShowMessageParams{
		Type:    protocol.MessageTypeInfo,
		Message: fmt.Sprintf("%s %s connected", e.serverName, e.serverVersion),
	})
	if err != nil {
		log.Error("engine.initialized.encode_fail", slog.String("err", err.Error()))
		return Outcome{}
	}
	ready, err := jsonrpc.NewNotification(string(protocol.ServerReadyNotificationMethod), protocol.ServerReadyParams{
		Name:      e.serverName,
		Version:   e.serverVersion,
		StartedAt: e.registry.Stats().StartTime.UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Error("engine.initialized.encode_fail", slog.String("err", err.Error()))
		return Outcome{}
	}

	log.Info("engine.initialized.ok")
	return Outcome{Replies: []any{show, ready}}
}

func (e *Engine) handleDidOpen(ctx context.Context, log *slog.Logger, raw json.RawMessage) {
	var params protocol.DidOpenTextDocumentParams
	if err := json.Unmarshal(raw, &params); err != nil {
		log.Warn("engine.did_open.bad_params", slog.String("err", err.Error()))
		return
	}
	td := params.TextDocument
	ctx = logctx.WithDocumentData(ctx, &logctx.DocumentData{URI: td.URI, LanguageID: td.LanguageID})
	e.store.Open(td.URI, td.Text, td.LanguageID, td.Version)
	log.InfoContext(ctx, "engine.did_open.ok", slog.Int("open_docs", e.store.Len()))
}

func (e *Engine) handleDidChange(ctx context.Context, log *slog.Logger, raw json.RawMessage) {
	var params protocol.DidChangeTextDocumentParams
	if err := json.Unmarshal(raw, &params); err != nil {
		log.Warn("engine.did_change.bad_params", slog.String("err", err.Error()))
		return
	}
	if len(params.ContentChanges) == 0 {
		return
	}
	uri := params.TextDocument.URI
	var languageID string
	if d, ok := e.store.Get(uri); ok {
		languageID = d.LanguageID
	}
	ctx = logctx.WithDocumentData(ctx, &logctx.DocumentData{URI: uri, LanguageID: languageID})
	// Full-text sync: the last content-change entry wins. Range-based
	// patches are not applied.
	last := params.ContentChanges[len(params.ContentChanges)-1]
	e.store.Change(uri, last.Text, params.TextDocument.Version)
	log.InfoContext(ctx, "engine.did_change.ok", slog.Int("changes", len(params.ContentChanges)))
}

func (e *Engine) handleDidClose(ctx context.Context, log *slog.Logger, raw json.RawMessage) {
	var params protocol.DidCloseTextDocumentParams
	if err := json.Unmarshal(raw, &params); err != nil {
		log.Warn("engine.did_close.bad_params", slog.String("err", err.Error()))
		return
	}
	uri := params.TextDocument.URI
	var languageID string
	if d, ok := e.store.Get(uri); ok {
		languageID = d.LanguageID
	}
	ctx = logctx.WithDocumentData(ctx, &logctx.DocumentData{URI: uri, LanguageID: languageID})
	e.store.Close(uri)
	log.InfoContext(ctx, "engine.did_close.ok", slog.Int("open_docs", e.store.Len()))
}

func (e *Engine) handleDidChangeConfiguration(log *slog.Logger, msg *jsonrpc.AnyMessage) Outcome {
	var params protocol.DidChangeConfigurationParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			log.Warn("engine.configuration.bad_params", slog.String("err", err.Error()))
		}
	}
	if len(params.Settings) > 0 {
		// Decode over the current values so partial payloads only touch the
		// keys they carry.
		updated := e.settings
		if err := json.Unmarshal(params.Settings, &updated); err != nil {
			log.Warn("engine.configuration.bad_settings", slog.String("err", err.Error()))
		} else {
			e.settings = updated
			log.Info("engine.configuration.updated",
				slog.Int("max_completion_items", updated.MaxCompletionItems),
				slog.Bool("diagnostics_enabled", updated.DiagnosticsEnabled))
		}
	}

	// Some clients carry this as a request; answer those with a null result.
	if msg.Type() == jsonrpc.MessageTypeRequest {
		return respond(jsonrpc.NewNullResponse(msg.ID))
	}
	return Outcome{}
}

func (e *Engine) handleDidChangeWatchedFiles(log *slog.Logger, msg *jsonrpc.AnyMessage) Outcome {
	var params protocol.DidChangeWatchedFilesParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			log.Warn("engine.watched_files.bad_params", slog.String("err", err.Error()))
		}
	}
	e.watchedFileEvents += int64(len(params.Changes))
	log.Info("engine.watched_files.ok", slog.Int("changes", len(params.Changes)), slog.Int64("total", e.watchedFileEvents))

	if msg.Type() == jsonrpc.MessageTypeRequest {
		return respond(jsonrpc.NewNullResponse(msg.ID))
	}
	return Outcome{}
}

func (e *Engine) handleDelegated(ctx context.Context, log *slog.Logger, msg *jsonrpc.AnyMessage) Outcome {
	if msg.Type() != jsonrpc.MessageTypeRequest {
		// Feature methods are requests; a notification-shaped one has no
		// reply channel, so there is nothing useful to delegate.
		log.Info("engine.delegate.notification_ignored")
		return Outcome{}
	}

	start := time.Now()
	result, err := e.responder.Respond(ctx, msg.Method, msg.Params, e.store.Snapshot())
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			log.InfoContext(ctx, "engine.delegate.responder_error",
				slog.Int("code", int(rpcErr.Code)),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return respond(jsonrpc.NewErrorResponse(msg.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data))
		}
		log.ErrorContext(ctx, "engine.delegate.fail",
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return respond(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalServerError, "Internal server error", nil))
	}

	res, mErr := jsonrpc.NewResultResponse(msg.ID, result)
	if mErr != nil {
		log.Error("engine.delegate.encode_fail", slog.String("err", mErr.Error()))
		return respond(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalServerError, "Internal server error", nil))
	}

	log.InfoContext(ctx, "engine.delegate.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return respond(res)
}

func (e *Engine) handleShutdown(log *slog.Logger, msg *jsonrpc.AnyMessage) Outcome {
	if e.phase == PhaseInitialized || e.phase == PhaseUninitialized {
		e.phase = PhaseShuttingDown
	}
	e.registry.MarkDisconnected(e.client.Name, e.client.Version)

	st := e.registry.Stats()
	log.Info("engine.shutdown.ok",
		slog.Int64("requests", st.RequestCount),
		slog.Int64("connection_attempts", st.ConnectionAttempts),
		slog.Int64("successful_connections", st.SuccessfulConnections),
		slog.Duration("uptime", st.Uptime()),
		slog.Int("open_docs", e.store.Len()))

	if msg.Type() == jsonrpc.MessageTypeRequest {
		return respond(jsonrpc.NewNullResponse(msg.ID))
	}
	return Outcome{}
}

func (e *Engine) handleExit(log *slog.Logger, msg *jsonrpc.AnyMessage) Outcome {
	e.phase = PhaseExited
	e.registry.MarkDisconnected(e.client.Name, e.client.Version)
	log.Info("engine.exit.ok")

	out := Outcome{Exit: true}
	// Exit is nominally a notification, but clients that send it as a
	// request get their null response flushed before the process stops.
	if msg.Type() == jsonrpc.MessageTypeRequest {
		out.Replies = []any{jsonrpc.NewNullResponse(msg.ID)}
	}
	return out
}

// WatchedFilesNotification synthesizes a workspace/didChangeWatchedFiles
// message from filesystem watcher events so they flow through the same
// dispatch path as client-sent ones.
func WatchedFilesNotification(events []documents.FileEvent) (*jsonrpc.AnyMessage, error) {
	changes := make([]protocol.FileEvent, 0, len(events))
	for _, ev := range events {
		changes = append(changes, protocol.FileEvent{URI: ev.URI, Type: int(ev.Type)})
	}
	b, err := json.Marshal(protocol.DidChangeWatchedFilesParams{Changes: changes})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal watched-file events: %w", err)
	}
	return &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(protocol.DidChangeWatchedFilesNotificationMethod),
		Params:         b,
	}, nil
}
