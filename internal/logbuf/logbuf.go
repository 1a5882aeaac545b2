// Package logbuf keeps the most recent lines of process output.
package logbuf

import (
	"strings"
	"sync"
)

// Buffer is a bounded ring of lines, safe for concurrent use.
type Buffer struct {
	mu    sync.RWMutex
	lines []string
	max   int
}

// New creates a Buffer holding at most max lines.
func New(max int) *Buffer {
	if max < 1 {
		max = 1
	}
	return &Buffer{lines: make([]string, 0, max), max: max}
}

// Append adds a line, dropping the oldest one when full.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.lines) >= b.max {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:len(b.lines)-1]
	}
	b.lines = append(b.lines, line)
}

// Lines returns a snapshot of the buffered lines, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

func (b *Buffer) String() string {
	return strings.Join(b.Lines(), "\n")
}
