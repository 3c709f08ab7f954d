package executor

// Event is one typed message streamed back to the client, stamped with the
// request id it belongs to. Events for one request are delivered in the
// order they were produced.
type Event struct {
	Type string         `json:"type"`
	ID   string         `json:"id"`
	Data map[string]any `json:"data,omitempty"`
}

// EventSink receives executor events. The connection endpoint binds one to
// each channel; a sink for a closed channel is a no-op so executors can
// always run to completion and clean up.
type EventSink interface {
	Emit(Event)
}

// Event types produced by executors.
const (
	EventScriptStart    = "script_start"
	EventScriptComplete = "script_complete"
	EventReplReady      = "repl_ready"
	EventStdout         = "stdout"
	EventStderr         = "stderr"
	EventInputRequest   = "input_request"
	EventFigure         = "figure"
	EventError          = "error"
	EventComplete       = "complete"
)

// Machine-readable error kinds carried on error events.
const (
	KindTimeLimit      = "time_limit_exceeded"
	KindMemoryLimit    = "memory_limit_exceeded"
	KindFileTooLarge   = "file_too_large"
	KindTooManyProcs   = "too_many_processes"
	KindSpawnFailed    = "spawn_failed"
	KindPTYUnavailable = "pty_unavailable"
	KindScriptRuntime  = "script_runtime_error"
	KindExitNonzero    = "exit_nonzero"
	KindPathDenied     = "path_access_denied"
	KindLeaseHeld      = "lease_not_acquired"
	KindAlreadyRunning = "executor_already_running"
)

func evScriptStart(id string) Event {
	return Event{Type: EventScriptStart, ID: id}
}

func evScriptComplete(id string) Event {
	return Event{Type: EventScriptComplete, ID: id}
}

func evReplReady(id, prompt string) Event {
	return Event{Type: EventReplReady, ID: id, Data: map[string]any{"prompt": prompt}}
}

func evStdout(id, data string) Event {
	return Event{Type: EventStdout, ID: id, Data: map[string]any{"data": data}}
}

func evStderr(id, data string) Event {
	return Event{Type: EventStderr, ID: id, Data: map[string]any{"data": data}}
}

func evInputRequest(id, prompt string) Event {
	return Event{Type: EventInputRequest, ID: id, Data: map[string]any{"prompt": prompt}}
}

func evFigure(id, png string) Event {
	return Event{Type: EventFigure, ID: id, Data: map[string]any{"image_png": png}}
}

func evError(id, kind, message string) Event {
	return Event{Type: EventError, ID: id, Data: map[string]any{"kind": kind, "message": message}}
}

// evComplete reports the terminal event. Duration is in milliseconds.
func evComplete(id string, exitCode int, durationMS int64) Event {
	return Event{Type: EventComplete, ID: id, Data: map[string]any{
		"exit_code": exitCode,
		"duration":  durationMS,
	}}
}
