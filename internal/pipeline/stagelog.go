// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"bytes"
	"fmt"
	"sync"
)

// MaxStageLogBytes caps the log captured for one stage.
const MaxStageLogBytes = 4 * 1024 * 1024

// TruncationNotice is the final line of a log that hit MaxStageLogBytes.
const TruncationNotice = "... output truncated ..."

// StageLog collects the output of one stage as ordered lines. Every line is
// redacted before it is stored. It is safe for concurrent writers, so stdout
// and stderr of a command can share one StageLog.
type StageLog struct {
	mu        sync.Mutex
	lines     []string
	partial   bytes.Buffer
	size      int
	limit     int
	truncated bool
	redactor  *Redactor
	onLine    func(string)
}

func NewStageLog(r *Redactor) *StageLog {
	return &StageLog{redactor: r, limit: MaxStageLogBytes}
}

// OnLine registers fn to receive every stored (redacted) line.
func (l *StageLog) OnLine(fn func(string)) {
	l.mu.Lock()
	l.onLine = fn
	l.mu.Unlock()
}

// Write implements io.Writer. Lines are split on '\n'; a trailing '\r' is dropped.
func (l *StageLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range p {
		if b == '\n' {
			l.addLine(l.partial.String())
			l.partial.Reset()
			continue
		}
		l.partial.WriteByte(b)
	}
	return len(p), nil
}

// Printf appends one formatted line.
func (l *StageLog) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushPartial()
	l.addLine(fmt.Sprintf(format, args...))
}

// Lines returns a copy of the stored lines, including any pending partial line.
func (l *StageLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.lines), len(l.lines)+1)
	copy(out, l.lines)
	if l.partial.Len() > 0 && !l.truncated {
		out = append(out, l.redactor.Redact(string(bytes.TrimSuffix(l.partial.Bytes(), []byte("\r")))))
	}
	return out
}

// Close flushes a trailing partial line.
func (l *StageLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushPartial()
	return nil
}

// Truncated reports whether output was dropped.
func (l *StageLog) Truncated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncated
}

func (l *StageLog) flushPartial() {
	if l.partial.Len() > 0 {
		l.addLine(l.partial.String())
		l.partial.Reset()
	}
}

// addLine must be called with mu held.
func (l *StageLog) addLine(line string) {
	if l.truncated {
		return
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	line = l.redactor.Redact(line)

	if l.size+len(line) > l.limit {
		l.truncated = true
		line = TruncationNotice
	}
	l.size += len(line)
	l.lines = append(l.lines, line)
	if l.onLine != nil {
		l.onLine(line)
	}
}
