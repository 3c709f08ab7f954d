package monitor

import (
	"strings"
	"time"
)

// Sentinel markers emitted by the Python bootstrap shim. The wrapped
// input() prints the pair around its prompt because a bare interpreter
// cannot be trusted to flush a promptless read.
const (
	MarkerInputStart = "__INPUT_REQUEST_START__"
	MarkerInputEnd   = "__INPUT_REQUEST_END__"
)

// Interpreter-internal prompts. These mean the REPL wants a command, not
// that user code called input().
var replPrompts = []string{">>> ", "... "}

// Terminal patterns that usually end an input prompt.
var promptEndings = []string{": ", "? ", "> "}

// quiescence is how long the stream must stay silent before a bare
// non-newline tail is treated as a prompt.
const quiescence = 500 * time.Millisecond

// DetectPrompt decides whether the trailing unterminated output of a child
// process is an input prompt. tail is everything after the last newline;
// sinceLastOutput is the time since any byte arrived. The detector is pure
// and keeps no state between calls.
//
// Explicit shim markers win over heuristics; the pattern and quiescence
// rules are deliberately conservative (a stray "x = 1" tail should not
// pause the wall clock).
func DetectPrompt(tail string, sinceLastOutput time.Duration) (string, bool) {
	if tail == "" || strings.HasSuffix(tail, "\n") {
		return "", false
	}

	if start := strings.Index(tail, MarkerInputStart); start >= 0 {
		rest := tail[start+len(MarkerInputStart):]
		if end := strings.Index(rest, MarkerInputEnd); end >= 0 {
			return rest[:end], true
		}
		// Start marker seen but the pair is still arriving.
		return "", false
	}

	for _, p := range replPrompts {
		if strings.HasSuffix(tail, p) {
			return "", false
		}
	}

	for _, ending := range promptEndings {
		if strings.HasSuffix(tail, ending) {
			return tail, true
		}
	}

	if sinceLastOutput > quiescence {
		return tail, true
	}

	return "", false
}

// IsReplPrompt reports whether tail ends with one of the interpreter's own
// prompts, and which one.
func IsReplPrompt(tail string) (string, bool) {
	for _, p := range replPrompts {
		if strings.HasSuffix(tail, p) {
			return p, true
		}
	}
	return "", false
}
