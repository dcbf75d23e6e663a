package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/quantlab/indicator-ls-go/documents"
	"github.com/quantlab/indicator-ls-go/internal/jsonrpc"
	"github.com/quantlab/indicator-ls-go/internal/logctx"
	"github.com/quantlab/indicator-ls-go/protocol"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func request(t *testing.T, id any, method string, params any) *jsonrpc.AnyMessage {
	t.Helper()
	msg := &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		ID:             jsonrpc.NewRequestID(id),
	}
	if params != nil {
		msg.Params = mustJSON(t, params)
	}
	return msg
}

func notification(t *testing.T, method string, params any) *jsonrpc.AnyMessage {
	t.Helper()
	msg := &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
	}
	if params != nil {
		msg.Params = mustJSON(t, params)
	}
	return msg
}

func singleResponse(t *testing.T, out Outcome) *jsonrpc.Response {
	t.Helper()
	if len(out.Replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(out.Replies))
	}
	res, ok := out.Replies[0].(*jsonrpc.Response)
	if !ok {
		t.Fatalf("reply is %T, want *jsonrpc.Response", out.Replies[0])
	}
	return res
}

// settle mimics the transport: write replies, then run AfterWrite.
func settle(out Outcome) {
	if out.AfterWrite != nil {
		out.AfterWrite()
	}
}

func initializeParams() protocol.InitializeParams {
	return protocol.InitializeParams{
		ClientInfo:      &protocol.ClientInfo{Name: "vscode", Version: "1.92"},
		RootURI:         "file:///workspace",
		ProtocolVersion: "3.17",
	}
}

func TestLifecycleWalk(t *testing.T) {
	e := New(nil, WithLogger(quiet()), WithServerInfo("indicator-ls", "1.4.0"))
	ctx := context.Background()

	// initialize
	out := e.Dispatch(ctx, request(t, 1, "initialize", initializeParams()))
	res := singleResponse(t, out)
	if res.Error != nil {
		t.Fatalf("initialize error: %+v", res.Error)
	}
	var initRes protocol.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if initRes.ServerInfo.Name != "indicator-ls" || initRes.ServerInfo.Version != "1.4.0" {
		t.Fatalf("serverInfo = %+v", initRes.ServerInfo)
	}
	if !initRes.Capabilities.HoverProvider || initRes.Capabilities.TextDocumentSync.Change != 1 {
		t.Fatalf("capabilities = %+v", initRes.Capabilities)
	}
	if initRes.Capabilities.Experimental["settingsSchema"] == nil {
		t.Fatal("settings schema missing from capabilities")
	}
	if out.AfterWrite == nil {
		t.Fatal("initialize outcome missing AfterWrite")
	}

	// Success is only counted once the response went out.
	if st := e.Registry().Stats(); st.SuccessfulConnections != 0 {
		t.Fatalf("counted success before write: %d", st.SuccessfulConnections)
	}
	settle(out)
	if st := e.Registry().Stats(); st.SuccessfulConnections != 1 {
		t.Fatalf("successes = %d, want 1", st.SuccessfulConnections)
	}
	if e.Phase() != PhaseInitialized {
		t.Fatalf("phase = %v", e.Phase())
	}

	// initialized → two follow-up notifications, no response
	out = e.Dispatch(ctx, notification(t, "initialized", nil))
	if len(out.Replies) != 2 {
		t.Fatalf("initialized replies = %d, want 2", len(out.Replies))
	}
	first, ok := out.Replies[0].(*jsonrpc.Request)
	if !ok || first.Method != "window/showMessage" {
		t.Fatalf("first follow-up = %+v", out.Replies[0])
	}
	second, ok := out.Replies[1].(*jsonrpc.Request)
	if !ok || second.Method != "$/serverReady" {
		t.Fatalf("second follow-up = %+v", out.Replies[1])
	}
	if !first.ID.IsNil() || !second.ID.IsNil() {
		t.Fatal("follow-ups must be notifications")
	}

	// shutdown
	out = e.Dispatch(ctx, request(t, 2, "shutdown", nil))
	res = singleResponse(t, out)
	if string(res.Result) != "null" {
		t.Fatalf("shutdown result = %s, want null", res.Result)
	}
	if e.Phase() != PhaseShuttingDown {
		t.Fatalf("phase = %v", e.Phase())
	}

	// exit with an id: null response then termination
	out = e.Dispatch(ctx, request(t, 3, "exit", nil))
	if !out.Exit {
		t.Fatal("exit did not request termination")
	}
	res = singleResponse(t, out)
	if string(res.Result) != "null" {
		t.Fatalf("exit result = %s, want null", res.Result)
	}
	if e.Phase() != PhaseExited {
		t.Fatalf("phase = %v", e.Phase())
	}
	if st := e.Registry().Stats(); st.SuccessfulConnections != 1 {
		t.Fatalf("final successes = %d, want 1", st.SuccessfulConnections)
	}
}

func TestExitWithoutIDIsSilent(t *testing.T) {
	e := New(nil, WithLogger(quiet()))
	out := e.Dispatch(context.Background(), notification(t, "exit", nil))
	if !out.Exit {
		t.Fatal("exit did not request termination")
	}
	if len(out.Replies) != 0 {
		t.Fatalf("exit notification produced %d replies", len(out.Replies))
	}
}

func TestRepeatedInitializeCountsOnce(t *testing.T) {
	e := New(nil, WithLogger(quiet()))
	ctx := context.Background()

	settle(e.Dispatch(ctx, request(t, 1, "initialize", initializeParams())))
	e.Store().Open("file:///a.py", "x", "python", 1)

	out := e.Dispatch(ctx, request(t, 2, "initialize", initializeParams()))
	res := singleResponse(t, out)
	if res.Error != nil {
		t.Fatalf("repeated initialize error: %+v", res.Error)
	}
	settle(out)

	st := e.Registry().Stats()
	if st.ConnectionAttempts != 2 {
		t.Fatalf("attempts = %d, want 2", st.ConnectionAttempts)
	}
	if st.SuccessfulConnections != 1 {
		t.Fatalf("successes = %d, want 1", st.SuccessfulConnections)
	}
	// State is preserved, not reset.
	if _, ok := e.Store().Get("file:///a.py"); !ok {
		t.Fatal("repeated initialize dropped open documents")
	}
	if e.Phase() != PhaseInitialized {
		t.Fatalf("phase = %v", e.Phase())
	}
}

func TestDocumentSync(t *testing.T) {
	e := New(nil, WithLogger(quiet()))
	ctx := context.Background()
	settle(e.Dispatch(ctx, request(t, 1, "initialize", initializeParams())))

	out := e.Dispatch(ctx, notification(t, "textDocument/didOpen", protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: "file:///a.py", LanguageID: "python", Version: 1, Text: "x"},
	}))
	if len(out.Replies) != 0 {
		t.Fatal("didOpen produced a reply")
	}

	// Multiple content changes: the last entry wins.
	out = e.Dispatch(ctx, notification(t, "textDocument/didChange", protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{URI: "file:///a.py", Version: 2},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{
			{Text: "intermediate"},
			{Text: "y"},
		},
	}))
	if len(out.Replies) != 0 {
		t.Fatal("didChange produced a reply")
	}
	if d, _ := e.Store().Get("file:///a.py"); d.Text != "y" {
		t.Fatalf("text = %q, want y", d.Text)
	}

	// Unknown URIs are silent no-ops.
	e.Dispatch(ctx, notification(t, "textDocument/didChange", protocol.DidChangeTextDocumentParams{
		TextDocument:   protocol.VersionedTextDocumentIdentifier{URI: "file:///ghost.py"},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: "z"}},
	}))
	e.Dispatch(ctx, notification(t, "textDocument/didClose", protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///ghost.py"},
	}))

	out = e.Dispatch(ctx, notification(t, "textDocument/didClose", protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///a.py"},
	}))
	if len(out.Replies) != 0 {
		t.Fatal("didClose produced a reply")
	}
	if _, ok := e.Store().Get("file:///a.py"); ok {
		t.Fatal("document survived close")
	}
}

func TestControlNotificationsSwallowed(t *testing.T) {
	e := New(nil, WithLogger(quiet()))
	ctx := context.Background()
	for _, method := range []string{"$/cancelRequest", "$/ping", "$/heartbeat"} {
		out := e.Dispatch(ctx, notification(t, method, map[string]any{"id": 1}))
		if len(out.Replies) != 0 || out.Exit {
			t.Fatalf("%s produced output: %+v", method, out)
		}
	}
}

func TestUnknownMethod(t *testing.T) {
	e := New(nil, WithLogger(quiet()))
	ctx := context.Background()

	out := e.Dispatch(ctx, request(t, 5, "foo/bar", nil))
	res := singleResponse(t, out)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("error = %+v, want -32601", res.Error)
	}
	if res.ID.String() != "5" {
		t.Fatalf("id = %q, want 5", res.ID.String())
	}

	out = e.Dispatch(ctx, notification(t, "foo/bar", nil))
	if len(out.Replies) != 0 {
		t.Fatal("unknown notification produced a reply")
	}
}

func TestInvalidRequests(t *testing.T) {
	e := New(nil, WithLogger(quiet()))
	ctx := context.Background()

	// Missing method and not a response shape.
	var empty jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":9}`), &empty); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out := e.Dispatch(ctx, &empty)
	res := singleResponse(t, out)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("error = %+v, want -32600", res.Error)
	}

	// Missing jsonrpc version.
	var badVersion jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(`{"id":10,"method":"initialize"}`), &badVersion); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out = e.Dispatch(ctx, &badVersion)
	res = singleResponse(t, out)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("error = %+v, want -32600", res.Error)
	}

	// A stray client response is ignored.
	var stray jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), &stray); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out = e.Dispatch(ctx, &stray)
	if len(out.Replies) != 0 {
		t.Fatal("stray response was answered")
	}
}

func TestConfigurationNotificationAndRequest(t *testing.T) {
	e := New(nil, WithLogger(quiet()))
	ctx := context.Background()
	settle(e.Dispatch(ctx, request(t, 1, "initialize", initializeParams())))

	out := e.Dispatch(ctx, notification(t, "workspace/didChangeConfiguration", protocol.DidChangeConfigurationParams{
		Settings: mustJSON(t, map[string]any{"maxCompletionItems": 10}),
	}))
	if len(out.Replies) != 0 {
		t.Fatal("configuration notification produced a reply")
	}
	if e.Settings().MaxCompletionItems != 10 {
		t.Fatalf("settings not applied: %+v", e.Settings())
	}
	// Untouched keys keep their values.
	if !e.Settings().DiagnosticsEnabled {
		t.Fatal("partial update clobbered other settings")
	}

	out = e.Dispatch(ctx, request(t, 2, "workspace/didChangeConfiguration", protocol.DidChangeConfigurationParams{
		Settings: mustJSON(t, map[string]any{"diagnosticsEnabled": false}),
	}))
	res := singleResponse(t, out)
	if string(res.Result) != "null" {
		t.Fatalf("result = %s, want null", res.Result)
	}
	if e.Settings().DiagnosticsEnabled {
		t.Fatal("request-shaped configuration not applied")
	}
}

func TestDelegationToResponder(t *testing.T) {
	var gotMethod string
	var gotDocs documents.Snapshot
	responder := ResponderFunc(func(_ context.Context, method string, params json.RawMessage, docs documents.Snapshot) (any, error) {
		gotMethod = method
		gotDocs = docs
		return map[string]any{"contents": "SMA(20): simple moving average"}, nil
	})

	e := New(responder, WithLogger(quiet()))
	ctx := context.Background()
	settle(e.Dispatch(ctx, request(t, 1, "initialize", initializeParams())))
	e.Dispatch(ctx, notification(t, "textDocument/didOpen", protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: "file:///a.py", LanguageID: "python", Version: 1, Text: "sma = SMA(20)"},
	}))

	out := e.Dispatch(ctx, request(t, 2, "textDocument/hover", map[string]any{
		"textDocument": map[string]any{"uri": "file:///a.py"},
		"position":     map[string]any{"line": 0, "character": 7},
	}))
	res := singleResponse(t, out)
	if res.Error != nil {
		t.Fatalf("hover error: %+v", res.Error)
	}
	if gotMethod != "textDocument/hover" {
		t.Fatalf("responder method = %q", gotMethod)
	}
	if text, ok := gotDocs.Get("file:///a.py"); !ok || text != "sma = SMA(20)" {
		t.Fatalf("responder snapshot = %q ok=%v", text, ok)
	}
}

func TestResponderErrorMapping(t *testing.T) {
	e := New(ResponderFunc(func(context.Context, string, json.RawMessage, documents.Snapshot) (any, error) {
		return nil, errors.New("indicator backend unavailable")
	}), WithLogger(quiet()))
	ctx := context.Background()

	out := e.Dispatch(ctx, request(t, 3, "workspace/symbol", map[string]any{"query": "rsi"}))
	res := singleResponse(t, out)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInternalServerError {
		t.Fatalf("error = %+v, want -32001", res.Error)
	}

	e = New(ResponderFunc(func(context.Context, string, json.RawMessage, documents.Snapshot) (any, error) {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "missing query"}
	}), WithLogger(quiet()))
	out = e.Dispatch(ctx, request(t, 4, "workspace/symbol", nil))
	res = singleResponse(t, out)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("error = %+v, want -32602 passthrough", res.Error)
	}
}

func TestResponderPanicContained(t *testing.T) {
	e := New(ResponderFunc(func(context.Context, string, json.RawMessage, documents.Snapshot) (any, error) {
		panic("boom")
	}), WithLogger(quiet()))

	out := e.Dispatch(context.Background(), request(t, 7, "textDocument/completion", nil))
	res := singleResponse(t, out)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInternalServerError {
		t.Fatalf("error = %+v, want -32001", res.Error)
	}
	if res.ID.String() != "7" {
		t.Fatalf("id = %q, want 7", res.ID.String())
	}
}

func TestDispatchLogsCarrySessionAndDocumentGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	e := New(nil, WithLogger(log))
	ctx := context.Background()

	settle(e.Dispatch(ctx, request(t, 1, "initialize", initializeParams())))
	e.Dispatch(ctx, notification(t, "textDocument/didOpen", protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: "file:///a.py", LanguageID: "python", Version: 1, Text: "x"},
	}))

	var sawSession, sawDocument bool
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("unparseable log line %q: %v", line, err)
		}
		if sess, ok := rec["sess"].(map[string]any); ok {
			if sess["client_name"] != "vscode" || sess["id"] == "" {
				t.Fatalf("sess group = %+v", sess)
			}
			sawSession = true
		}
		if doc, ok := rec["doc"].(map[string]any); ok {
			if doc["uri"] != "file:///a.py" || doc["language_id"] != "python" {
				t.Fatalf("doc group = %+v", doc)
			}
			sawDocument = true
		}
	}
	if !sawSession {
		t.Fatal("no log record carried the session group")
	}
	if !sawDocument {
		t.Fatal("no log record carried the document group")
	}
}

func TestWatchedFilesNotification(t *testing.T) {
	e := New(nil, WithLogger(quiet()))
	msg, err := WatchedFilesNotification([]documents.FileEvent{
		{URI: "file:///w/signals.csv", Type: documents.FileChanged},
	})
	if err != nil {
		t.Fatalf("WatchedFilesNotification: %v", err)
	}

	out := e.Dispatch(context.Background(), msg)
	if len(out.Replies) != 0 || out.Exit {
		t.Fatalf("synthesized notification produced output: %+v", out)
	}
}
