// Package debuglog keeps a bounded in-memory ring of recent log lines
// so clients can inspect process activity without access to stderr.
package debuglog

import (
	"log"
	"strings"
	"sync"
	"time"
)

// Line is one captured log line.
type Line struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// Buffer is a fixed-capacity ring of log lines. Once full, each new
// line evicts the oldest.
type Buffer struct {
	mu    sync.Mutex
	lines []Line
	next  int
	full  bool
}

// NewBuffer creates a ring holding at most capacity lines.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Buffer{lines: make([]Line, capacity)}
}

// Append records one line, evicting the oldest when full.
func (b *Buffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines[b.next] = Line{Timestamp: time.Now(), Text: text}
	b.next++
	if b.next == len(b.lines) {
		b.next = 0
		b.full = true
	}
}

// Lines returns captured lines in append order, oldest first.
func (b *Buffer) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]Line, b.next)
		copy(out, b.lines[:b.next])
		return out
	}
	out := make([]Line, 0, len(b.lines))
	out = append(out, b.lines[b.next:]...)
	out = append(out, b.lines[:b.next]...)
	return out
}

// Len returns the number of captured lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.lines)
	}
	return b.next
}

// Reset discards all captured lines.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = 0
	b.full = false
}

// Write implements io.Writer so the buffer can sit behind the stdlib
// logger. Each call is treated as one line; the trailing newline the
// logger adds is stripped.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Capture routes the default logger's output through the buffer while
// preserving its current destination. Returns a restore function.
func Capture(b *Buffer) func() {
	prev := log.Writer()
	log.SetOutput(multi{b, prev})
	return func() { log.SetOutput(prev) }
}

type multi struct {
	buf  *Buffer
	next interface{ Write(p []byte) (int, error) }
}

func (m multi) Write(p []byte) (int, error) {
	m.buf.Write(p)
	return m.next.Write(p)
}
