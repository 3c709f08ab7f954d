package executor

import (
	"strings"
	"time"

	"classroom-ide/internal/monitor"
)

// streamProcessor turns raw PTY output into events. It strips the shim's
// phase, figure, and input markers, buffers the unterminated tail so a
// marker split across two reads is never leaked to the client, and feeds
// everything user-visible to the output monitor.
//
// Not safe for concurrent use; each executor feeds it from one goroutine.
type streamProcessor struct {
	id   string
	mon  *monitor.OutputMonitor
	repl bool

	pending string // normalized output after the last consumed newline
	emitted int    // bytes of pending already sent as stdout
	figure  *strings.Builder

	sawStart bool
	sawEnd   bool
	sawError bool

	replReady  bool
	lastOutput time.Time

	now func() time.Time
}

func newStreamProcessor(id string, mon *monitor.OutputMonitor, repl bool) *streamProcessor {
	return &streamProcessor{id: id, mon: mon, repl: repl, now: time.Now}
}

// normalize collapses the PTY's CRLF pairs and treats bare carriage
// returns as line breaks so progress-bar style output still counts as
// lines.
func normalize(chunk []byte) string {
	s := strings.ReplaceAll(string(chunk), "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// feed processes one chunk. It returns the events to emit, in order, and
// the monitor's verdict for the chunk. A terminating verdict still returns
// the events produced before the limit tripped.
func (p *streamProcessor) feed(chunk []byte) ([]Event, monitor.Verdict) {
	p.lastOutput = p.now()
	p.pending += normalize(chunk)

	var events []Event
	var out, recorded strings.Builder

	flush := func() {
		if out.Len() > 0 {
			events = append(events, evStdout(p.id, out.String()))
			out.Reset()
		}
	}

	for {
		idx := strings.IndexByte(p.pending, '\n')
		if idx < 0 {
			break
		}
		line := p.pending[:idx]
		already := p.emitted
		if already > len(line) {
			already = len(line)
		}
		p.pending = p.pending[idx+1:]
		p.emitted = 0

		if ev, handled := p.handleMarkerLine(line); handled {
			flush()
			if ev != nil {
				events = append(events, *ev)
			}
			continue
		}
		if p.figure != nil {
			p.figure.WriteString(line)
			continue
		}

		if already < len(line) {
			out.WriteString(line[already:])
		}
		out.WriteString("\n")
		recorded.WriteString(line)
		recorded.WriteString("\n")
	}
	flush()

	// Monitor limits apply to what the user sees, markers excluded, as one
	// chunk so the burst rule sees the read's true size.
	verdict := p.record(recorded.String())

	// The input marker pair arrives without a trailing newline.
	if prompt, found := p.consumeInputMarker(&events); found {
		events = append(events, evInputRequest(p.id, prompt))
		return events, verdict
	}

	// Emit the tail up to any byte that could begin an input marker. A REPL
	// stream holds its tail back until the first prompt has been surfaced
	// as repl_ready, so the interpreter banner prompt is not also sent as
	// stdout.
	safe := markerSafeLen(p.pending)
	if safe > p.emitted && p.figure == nil && (!p.repl || p.replReady) {
		events = append(events, evStdout(p.id, p.pending[p.emitted:safe]))
		p.emitted = safe
	}

	return events, verdict
}

// handleMarkerLine interprets a complete line if it is one of the shim's
// sentinel markers. REPL streams carry no phase markers, only figures.
func (p *streamProcessor) handleMarkerLine(line string) (*Event, bool) {
	switch line {
	case markerFigureStart:
		p.figure = &strings.Builder{}
		return nil, true
	case markerFigureEnd:
		var ev *Event
		if p.figure != nil {
			e := evFigure(p.id, p.figure.String())
			ev = &e
			p.figure = nil
		}
		return ev, true
	}
	if p.repl {
		return nil, false
	}
	switch line {
	case markerScriptStart:
		p.sawStart = true
		ev := evScriptStart(p.id)
		return &ev, true
	case markerScriptEnd:
		p.sawEnd = true
		ev := evScriptComplete(p.id)
		return &ev, true
	case markerScriptError:
		p.sawError = true
		return nil, true
	}
	return nil, false
}

// consumeInputMarker extracts a complete inline input marker pair from the
// pending tail. Text before the marker is emitted first; text after the
// pair stays pending.
func (p *streamProcessor) consumeInputMarker(events *[]Event) (string, bool) {
	start := strings.Index(p.pending, monitor.MarkerInputStart)
	if start < 0 {
		return "", false
	}
	rest := p.pending[start+len(monitor.MarkerInputStart):]
	end := strings.Index(rest, monitor.MarkerInputEnd)
	if end < 0 {
		return "", false
	}
	if start > p.emitted {
		*events = append(*events, evStdout(p.id, p.pending[p.emitted:start]))
	}
	prompt := rest[:end]
	p.pending = rest[end+len(monitor.MarkerInputEnd):]
	p.emitted = 0
	return prompt, true
}

var lineMarkers = []string{
	markerScriptStart,
	markerScriptEnd,
	markerScriptError,
	markerFigureStart,
	markerFigureEnd,
}

// markerSafeLen returns how much of tail can be emitted without risking
// that it is the beginning of a not-yet-complete marker. Line markers
// occupy whole lines, so only a tail that is itself a marker prefix is
// held back; the input marker pair can appear anywhere inline.
func markerSafeLen(tail string) int {
	if i := strings.Index(tail, monitor.MarkerInputStart); i >= 0 {
		return i
	}
	for _, m := range lineMarkers {
		if len(tail) <= len(m) && strings.HasPrefix(m, tail) && tail != "" {
			return 0
		}
	}
	maxHold := len(monitor.MarkerInputStart) - 1
	if maxHold > len(tail) {
		maxHold = len(tail)
	}
	for n := maxHold; n > 0; n-- {
		if strings.HasPrefix(monitor.MarkerInputStart, tail[len(tail)-n:]) {
			return len(tail) - n
		}
	}
	return len(tail)
}

func (p *streamProcessor) record(text string) monitor.Verdict {
	if p.repl {
		return p.mon.RecordRepl([]byte(text))
	}
	return p.mon.Record([]byte(text))
}

// tail returns the current unterminated line, used for prompt detection.
func (p *streamProcessor) tail() string {
	return p.pending
}

// sinceOutput reports how long the stream has been silent.
func (p *streamProcessor) sinceOutput() time.Duration {
	if p.lastOutput.IsZero() {
		return 0
	}
	return p.now().Sub(p.lastOutput)
}

// clearTail drops the pending tail after it has been surfaced as a prompt.
func (p *streamProcessor) clearTail() {
	p.pending = ""
	p.emitted = 0
}
