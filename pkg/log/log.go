// Package log provides leveled, colored console logging used by every
// component of the transport layer.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

var (
	red    = color.New(color.FgRed).FprintfFunc()
	yellow = color.New(color.FgYellow).FprintfFunc()
	blue   = color.New(color.FgBlue).FprintfFunc()
	faint  = color.New(color.Faint).FprintfFunc()
)

// Logger writes colored messages to an output stream.
// A nil *Logger is valid and discards everything.
type Logger struct {
	out     io.Writer
	verbose bool
	mu      sync.Mutex
}

// NewLogger returns a logger writing to stderr. Verbose and debug messages
// are only printed when verbose is true.
func NewLogger(verbose bool) *Logger {
	return NewLoggerTo(os.Stderr, verbose)
}

// NewLoggerTo returns a logger writing to w.
func NewLoggerTo(w io.Writer, verbose bool) *Logger {
	return &Logger{out: w, verbose: verbose}
}

// Verbose reports whether verbose output is enabled.
func (l *Logger) Verbose() bool {
	return l != nil && l.verbose
}

// ErrorMsg prints an error message in red.
func (l *Logger) ErrorMsg(format string, a ...interface{}) {
	l.print(red, "[!] Error: ", format, a...)
}

// WarnMsg prints a warning in yellow.
func (l *Logger) WarnMsg(format string, a ...interface{}) {
	l.print(yellow, "[~] ", format, a...)
}

// InfoMsg prints an informational message in blue.
func (l *Logger) InfoMsg(format string, a ...interface{}) {
	l.print(blue, "[+] ", format, a...)
}

// VerboseMsg prints a message only in verbose mode.
func (l *Logger) VerboseMsg(format string, a ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.print(blue, "[v] ", format, a...)
}

// DebugMsg prints low level traces (dropped datagrams, duplicate
// handshakes) only in verbose mode.
func (l *Logger) DebugMsg(format string, a ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.print(faint, "[d] ", format, a...)
}

func (l *Logger) print(fn func(io.Writer, string, ...interface{}), prefix, format string, a ...interface{}) {
	if l == nil || l.out == nil {
		return
	}

	msg := prefix + format
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg += "\n"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.out, msg, a...)
}

// ErrorMsg prints an error message to stderr in red color.
func ErrorMsg(format string, a ...interface{}) {
	std.ErrorMsg(format, a...)
}

// InfoMsg prints an informational message to stderr in blue color.
func InfoMsg(format string, a ...interface{}) {
	std.InfoMsg(format, a...)
}

var std = NewLogger(false)
