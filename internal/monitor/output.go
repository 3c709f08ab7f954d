// Package monitor watches subprocess output for pathological executions:
// floods, infinite print loops, identical-line spam, and pending input
// prompts. It owns no process state; the executor feeds it chunks and acts
// on the verdicts.
package monitor

import (
	"strings"
	"time"
)

// Termination kinds reported in verdicts. These match the error taxonomy
// surfaced to clients.
const (
	KindRateExceeded  = "output_rate_exceeded"
	KindTotalExceeded = "output_total_exceeded"
	KindIdenticalSpam = "identical_line_spam"
)

// Verdict is the outcome of recording one output chunk.
type Verdict struct {
	Terminate bool
	Kind      string
	Reason    string
}

var ok = Verdict{}

// OutputMonitor keeps rolling counters over one executor's output stream.
// It is not safe for concurrent use; each executor owns one instance and
// feeds it from its single reader task.
type OutputMonitor struct {
	totalLines      int
	windowStart     time.Time
	windowLines     int
	lastLine        string
	haveLast        bool
	identicalStreak int
	partial         string

	now func() time.Time
}

// NewOutputMonitor creates a monitor with fresh counters.
func NewOutputMonitor() *OutputMonitor {
	return &OutputMonitor{now: time.Now}
}

// TotalLines returns the number of complete lines seen so far.
func (m *OutputMonitor) TotalLines() int {
	return m.totalLines
}

// Record updates the counters with one chunk of script output and returns
// a verdict. Rule order (total, rate, identical, flood burst) only fixes
// which reason wins when several fire at once; any one of them terminates.
func (m *OutputMonitor) Record(chunk []byte) Verdict {
	now := m.now()
	text := string(chunk)
	newLines := strings.Count(text, "\n")

	if m.windowStart.IsZero() || now.Sub(m.windowStart) >= time.Second {
		m.windowStart = now
		m.windowLines = 0
	}
	m.totalLines += newLines
	m.windowLines += newLines

	if m.totalLines > MaxTotalLines {
		return Verdict{Terminate: true, Kind: KindTotalExceeded,
			Reason: "total output limit exceeded (>10,000 lines); check for a loop without a break"}
	}

	windowAge := now.Sub(m.windowStart)
	if windowAge >= 100*time.Millisecond && overRate(m.windowLines, windowAge) {
		return Verdict{Terminate: true, Kind: KindRateExceeded,
			Reason: "output flooding detected (more than 100 lines/second); check for a print inside a tight loop"}
	}

	if v := m.trackLines(text); v.Terminate {
		return v
	}

	if len(chunk) >= FloodChunkBytes && newLines >= FloodChunkLines && windowAge < FloodWindow {
		return Verdict{Terminate: true, Kind: KindRateExceeded,
			Reason: "output flood burst detected; check for unbounded printing"}
	}

	return ok
}

// RecordRepl applies only the per-line rules (rate and identical-line
// streak). A REPL user legitimately prints many lines over a long session,
// so the total-output cap and burst fast path do not apply.
func (m *OutputMonitor) RecordRepl(chunk []byte) Verdict {
	now := m.now()
	text := string(chunk)
	newLines := strings.Count(text, "\n")

	if m.windowStart.IsZero() || now.Sub(m.windowStart) >= time.Second {
		m.windowStart = now
		m.windowLines = 0
	}
	m.totalLines += newLines
	m.windowLines += newLines

	windowAge := now.Sub(m.windowStart)
	if windowAge >= 100*time.Millisecond && overRate(m.windowLines, windowAge) {
		return Verdict{Terminate: true, Kind: KindRateExceeded,
			Reason: "output flooding detected (more than 100 lines/second)"}
	}

	return m.trackLines(text)
}

// overRate reports whether the window holds more lines than a steady
// 100 lines/second would have produced in its age. The +1 slack keeps a
// script that prints exactly at the limit from tripping on the line that
// opened the window.
func overRate(windowLines int, windowAge time.Duration) bool {
	return float64(windowLines) > float64(MaxLinesPerSecond)*windowAge.Seconds()+1
}

// trackLines folds complete lines into the identical-streak counter,
// buffering any trailing partial line until its newline arrives.
func (m *OutputMonitor) trackLines(text string) Verdict {
	buf := m.partial + text
	lines := strings.Split(buf, "\n")
	m.partial = lines[len(lines)-1]

	for _, line := range lines[:len(lines)-1] {
		if m.haveLast && line == m.lastLine {
			m.identicalStreak++
			if m.identicalStreak >= MaxIdenticalLines {
				return Verdict{Terminate: true, Kind: KindIdenticalSpam,
					Reason: "same line repeated 500+ times; check for a loop printing a constant"}
			}
		} else {
			m.lastLine = line
			m.haveLast = true
			m.identicalStreak = 1
		}
	}
	return ok
}

// Limit constants. Duplicated from config on purpose: the monitor is the
// authority on output policy and must not drift with deployment config.
const (
	MaxLinesPerSecond = 100
	MaxTotalLines     = 10000
	MaxIdenticalLines = 500
	FloodChunkBytes   = 4096
	FloodChunkLines   = 50
	FloodWindow       = 500 * time.Millisecond
)
