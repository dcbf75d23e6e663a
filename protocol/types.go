// Package protocol holds the wire structs for the LSP-like dialect this
// server speaks. DTOs only; behavior lives in the engine and transport.
package protocol

import "encoding/json"

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is the payload of the initialize request. Capabilities
// are opaque to this server and retained for session diagnostics only.
type InitializeParams struct {
	ProcessID             *int            `json:"processId,omitempty"`
	ClientInfo            *ClientInfo     `json:"clientInfo,omitempty"`
	RootURI               string          `json:"rootUri,omitempty"`
	Capabilities          json.RawMessage `json:"capabilities,omitempty"`
	ProtocolVersion       string          `json:"protocolVersion,omitempty"`
	InitializationOptions json.RawMessage `json:"initializationOptions,omitempty"`
}

// ServerInfo identifies this server in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// CompletionOptions advertises completion triggering.
type CompletionOptions struct {
	TriggerCharacters []string `json:"triggerCharacters,omitempty"`
}

// ExecuteCommandOptions advertises workspace commands.
type ExecuteCommandOptions struct {
	Commands []string `json:"commands"`
}

// TextDocumentSyncOptions advertises the document sync mode. Change mode 1
// is full-text sync; this server does not apply incremental ranges.
type TextDocumentSyncOptions struct {
	OpenClose bool `json:"openClose"`
	Change    int  `json:"change"`
}

// ServerCapabilities is the capability set advertised on initialize.
type ServerCapabilities struct {
	TextDocumentSync        TextDocumentSyncOptions `json:"textDocumentSync"`
	HoverProvider           bool                    `json:"hoverProvider"`
	CompletionProvider      *CompletionOptions      `json:"completionProvider,omitempty"`
	DefinitionProvider      bool                    `json:"definitionProvider"`
	ReferencesProvider      bool                    `json:"referencesProvider"`
	DocumentSymbolProvider  bool                    `json:"documentSymbolProvider"`
	WorkspaceSymbolProvider bool                    `json:"workspaceSymbolProvider"`
	ExecuteCommandProvider  *ExecuteCommandOptions  `json:"executeCommandProvider,omitempty"`
	Experimental            map[string]any          `json:"experimental,omitempty"`
}

// InitializeResult is the initialize response payload.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   ServerInfo         `json:"serverInfo"`
}

// TextDocumentItem is a document transferred on didOpen.
type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

// TextDocumentIdentifier names a document.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// VersionedTextDocumentIdentifier names a document plus its version.
type VersionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

// DidOpenTextDocumentParams is the didOpen payload.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// TextDocumentContentChangeEvent is one entry of a didChange. Range edits
// are accepted on the wire but ignored; only the text is applied.
type TextDocumentContentChangeEvent struct {
	Range json.RawMessage `json:"range,omitempty"`
	Text  string          `json:"text"`
}

// DidChangeTextDocumentParams is the didChange payload.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// DidCloseTextDocumentParams is the didClose payload.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DidChangeConfigurationParams carries new client settings.
type DidChangeConfigurationParams struct {
	Settings json.RawMessage `json:"settings"`
}

// FileEvent mirrors the LSP watched-file event.
type FileEvent struct {
	URI  string `json:"uri"`
	Type int    `json:"type"`
}

// DidChangeWatchedFilesParams carries watched-file events.
type DidChangeWatchedFilesParams struct {
	Changes []FileEvent `json:"changes"`
}

// MessageType values for window/showMessage and window/logMessage.
const (
	MessageTypeError   = 1
	MessageTypeWarning = 2
	MessageTypeInfo    = 3
	MessageTypeLog     = 4
)

// ShowMessageParams is the window/showMessage payload.
type ShowMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// LogMessageParams is the window/logMessage payload.
type LogMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// ServerReadyParams is the payload of the custom $/serverReady event emitted
// after the client confirms initialization.
type ServerReadyParams struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	StartedAt string `json:"startedAt"`
}

// CancelParams is the $/cancelRequest payload.
type CancelParams struct {
	ID json.RawMessage `json:"id"`
}
