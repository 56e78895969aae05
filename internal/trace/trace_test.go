package trace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCallbackSink(t *testing.T) {
	t.Cleanup(Reset)

	var lines []string
	if err := SetOptions(Options{Enabled: true, GenerateNextToken: true}); err != nil {
		t.Fatalf("set options: %v", err)
	}
	SetCallback(func(s string) { lines = append(lines, s) })

	if !StepEnabled() {
		t.Fatalf("step tracing should be enabled")
	}
	Emit("generate_next_token: step=%d", 1)

	if len(lines) != 1 || lines[0] != "generate_next_token: step=1" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestFilenameClearsCallback(t *testing.T) {
	t.Cleanup(Reset)

	var invoked bool
	SetCallback(func(string) { invoked = true })

	path := filepath.Join(t.TempDir(), "trace.log")
	if err := SetOptions(Options{Enabled: true, GenerateNextToken: true, Filename: path}); err != nil {
		t.Fatalf("set options: %v", err)
	}

	Emit("step record")

	if invoked {
		t.Fatalf("callback invoked after file sink installed")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	if string(data) != "step record\n" {
		t.Fatalf("unexpected file contents: %q", data)
	}
}

func TestCallbackClearsFilename(t *testing.T) {
	t.Cleanup(Reset)

	path := filepath.Join(t.TempDir(), "trace.log")
	if err := SetOptions(Options{Enabled: true, Filename: path}); err != nil {
		t.Fatalf("set options: %v", err)
	}

	var lines int
	SetCallback(func(string) { lines++ })
	Emit("after switch")

	if lines != 1 {
		t.Fatalf("callback not active after switch: %d", lines)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("file received records after callback installed: %q", data)
	}
}

func TestDisabledEmitsNothing(t *testing.T) {
	t.Cleanup(Reset)

	var invoked bool
	SetCallback(func(string) { invoked = true })
	Emit("should not appear")

	if invoked {
		t.Fatalf("emit while disabled reached the sink")
	}
	if StepEnabled() {
		t.Fatalf("step tracing enabled by default")
	}
}
