package protocol

// Method is a protocol method name.
type Method string

// Lifecycle methods.
const (
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "initialized"
	ShutdownMethod                Method = "shutdown"
	ExitMethod                    Method = "exit"
)

// Text document synchronization notifications.
const (
	DidOpenNotificationMethod   Method = "textDocument/didOpen"
	DidChangeNotificationMethod Method = "textDocument/didChange"
	DidCloseNotificationMethod  Method = "textDocument/didClose"
)

// Feature methods delegated to the responder.
const (
	CompletionMethod      Method = "textDocument/completion"
	HoverMethod           Method = "textDocument/hover"
	DefinitionMethod      Method = "textDocument/definition"
	ReferencesMethod      Method = "textDocument/references"
	DocumentSymbolMethod  Method = "textDocument/documentSymbol"
	WorkspaceSymbolMethod Method = "workspace/symbol"
	ExecuteCommandMethod  Method = "workspace/executeCommand"
	WillCreateFilesMethod Method = "workspace/willCreateFiles"
	WillRenameFilesMethod Method = "workspace/willRenameFiles"
	WillDeleteFilesMethod Method = "workspace/willDeleteFiles"
)

// Control notifications.
const (
	CancelRequestNotificationMethod          Method = "$/cancelRequest"
	PingNotificationMethod                   Method = "$/ping"
	HeartbeatNotificationMethod              Method = "$/heartbeat"
	DidChangeConfigurationNotificationMethod Method = "workspace/didChangeConfiguration"
	DidChangeWatchedFilesNotificationMethod  Method = "workspace/didChangeWatchedFiles"
)

// Server-to-client notifications.
const (
	ShowMessageNotificationMethod Method = "window/showMessage"
	LogMessageNotificationMethod  Method = "window/logMessage"
	ServerReadyNotificationMethod Method = "$/serverReady"
)
