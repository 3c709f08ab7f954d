package api

// Command is the client-to-server envelope. ID is echoed on every event
// the command produces so the client can correlate streams.
type Command struct {
	Cmd  string         `json:"cmd"`
	ID   string         `json:"id"`
	Data map[string]any `json:"data,omitempty"`
}

// ServerEvent is the server-to-client envelope.
type ServerEvent struct {
	Type string         `json:"type"`
	ID   string         `json:"id,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Client commands.
const (
	CmdAuth      = "authenticate"
	CmdLogout    = "logout"
	CmdPing      = "ping"
	CmdRun       = "run"
	CmdStop      = "stop"
	CmdInput     = "repl_input"
	CmdReplStart = "repl_start"
	CmdReplStop  = "repl_stop"
	CmdFileList  = "list_tree"
	CmdFileRead  = "read"
	CmdFileWrite = "write"
	CmdFileNew   = "create_file"
	CmdFileMkdir = "create_directory"
	CmdFileDel   = "delete"
	CmdFileMove  = "rename"

	// Accepted as a synonym for rename.
	CmdFileMoveAlias = "move"
)

// Connection-level event types; execution events come from the executor
// package with their own types. Workspace commands answer with a plain ok
// carrying the operation's payload.
const (
	EventAuthRequired      = "auth_required"
	EventAuthOK            = "auth_ok"
	EventAuthError         = "auth_err"
	EventSessionTerminated = "session_terminated"
	EventPong              = "pong"
	EventOK                = "ok"
	EventCmdError          = "error"
)

// Reasons carried by session_terminated.
const (
	ReasonLoggedInElsewhere = "logged_in_elsewhere"
	ReasonInactivity        = "inactivity"
	ReasonServerShutdown    = "server_shutdown"
	ReasonLoggedOut         = "logged_out"
)

// Error kinds for command failures that do not come from an execution.
const (
	KindBadCommand    = "bad_command"
	KindNotAuthorized = "not_authorized"
	KindRateLimited   = "rate_limited"
	KindFileError     = "file_error"
)

func errEvent(id, kind, message string) ServerEvent {
	return ServerEvent{Type: EventCmdError, ID: id, Data: map[string]any{
		"kind":    kind,
		"message": message,
	}}
}
