// Package trace holds the process-wide generation trace configuration.
//
// Tracing is distinct from ordinary logging: it exists so callers can
// observe engine decisions (one line per traced event) either through a
// callback or an append-only file. The two sinks are mutually exclusive
// and the last configuration wins. Emission is synchronous on the calling
// goroutine, so trace lines are ordered with caller-observed state changes.
package trace

import (
	"fmt"
	"os"
	"sync"
)

// Options controls which events are traced and where lines go.
type Options struct {
	// Enabled gates all tracing.
	Enabled bool

	// GenerateNextToken traces each decode step.
	GenerateNextToken bool

	// Filename, when non-empty, appends records to the named file and
	// clears any previously installed callback.
	Filename string
}

type state struct {
	opts     Options
	callback func(string)
	file     *os.File
}

var (
	mu  sync.Mutex
	cur state
)

// SetOptions replaces the process-wide trace options. A non-empty Filename
// installs the file sink and clears the callback. Passing a zero Options
// disables tracing and closes any open file.
func SetOptions(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	if cur.file != nil {
		_ = cur.file.Close()
		cur.file = nil
	}
	cur.opts = opts
	if opts.Filename != "" {
		f, err := os.OpenFile(opts.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			cur.opts.Filename = ""
			return err
		}
		cur.file = f
		cur.callback = nil
	}
	return nil
}

// SetCallback installs a per-line callback and clears any file sink.
// A nil callback removes it.
func SetCallback(fn func(string)) {
	mu.Lock()
	defer mu.Unlock()

	cur.callback = fn
	if fn != nil {
		if cur.file != nil {
			_ = cur.file.Close()
			cur.file = nil
		}
		cur.opts.Filename = ""
	}
}

// Reset restores the default disabled configuration. Tests call this
// between cases.
func Reset() {
	_ = SetOptions(Options{})
	SetCallback(nil)
}

// StepEnabled reports whether decode steps should be traced.
func StepEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return cur.opts.Enabled && cur.opts.GenerateNextToken
}

// Emit writes one trace line to the active sink. Lines go to the callback
// when installed, the file when configured, and stderr otherwise. No-op
// when tracing is disabled.
func Emit(format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()

	if !cur.opts.Enabled {
		return
	}
	line := fmt.Sprintf(format, args...)
	switch {
	case cur.callback != nil:
		cur.callback(line)
	case cur.file != nil:
		_, _ = fmt.Fprintln(cur.file, line)
	default:
		_, _ = fmt.Fprintln(os.Stderr, line)
	}
}
