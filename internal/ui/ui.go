package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

// SetOutput redirects the console helpers, e.g. to a buffer in tests.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	out = w
}

func emit(prefix, msg string) {
	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintln(out, prefix, msg)
}

// Spinner marks a long step on a plain console.
type Spinner struct {
	msg     string
	running bool
}

func NewSpinner(message string) *Spinner {
	return &Spinner{msg: message}
}

func (s *Spinner) Start() {
	if s == nil || s.running {
		return
	}
	s.running = true
	emit("⏳", s.msg)
}

// Stop ends the step, reporting err if it failed.
func (s *Spinner) Stop(err error) {
	if s == nil || !s.running {
		return
	}
	s.running = false
	if err != nil {
		Error(fmt.Sprintf("%s: %v", s.msg, err))
		return
	}
	Success(s.msg)
}

func Success(msg string) {
	emit("✅", msg)
}

func Info(msg string) {
	emit("ℹ️", msg)
}

func Warn(msg string) {
	emit("⚠️", msg)
}

func Error(msg string) {
	emit("❌", msg)
}

// Line prints msg without a prefix.
func Line(msg string) {
	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintln(out, msg)
}
