package model

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func init() {
	RegisterArch("probe-v1", func(desc *Description, weights *Weights) (Model, error) {
		return &probeModel{desc: desc, weights: weights}, nil
	})
}

// probeModel records what the loader handed it.
type probeModel struct {
	desc    *Description
	weights *Weights
}

func (m *probeModel) DeviceType() string              { return "probe" }
func (m *probeModel) GraphInputs() []GraphInput       { return nil }
func (m *probeModel) Description() *Description      { return m.desc }
func (m *probeModel) NewState(int, int) (State, error) { return nil, errors.New("not implemented") }
func (m *probeModel) Close() error                    { return m.weights.Close() }

func writeDescription(t *testing.T, dir string, desc Description) {
	t.Helper()
	data, err := json.Marshal(desc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DescriptionFile), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func probeDescription() Description {
	return Description{
		Architecture: "probe-v1",
		VocabSize:    8,
		HiddenSize:   4,
		EOSTokenID:   -1,
		MaxLength:    16,
	}
}

func TestReadDescriptionValidates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Description)
		want   string
	}{
		{"missing architecture", func(d *Description) { d.Architecture = "" }, "architecture"},
		{"bad vocab", func(d *Description) { d.VocabSize = 0 }, "vocab_size"},
		{"bad hidden", func(d *Description) { d.HiddenSize = -1 }, "hidden_size"},
		{"bad max length", func(d *Description) { d.MaxLength = 0 }, "max_length"},
		{"eos outside vocab", func(d *Description) { d.EOSTokenID = 8 }, "eos_token_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			desc := probeDescription()
			tc.mutate(&desc)
			writeDescription(t, dir, desc)
			_, err := ReadDescription(dir)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadUnknownArchitecture(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc := probeDescription()
	desc.Architecture = "never-registered"
	writeDescription(t, dir, desc)

	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "never-registered") {
		t.Fatalf("expected unknown-architecture error, got %v", err)
	}
}

func TestLoadMapsWeightFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	vals := []float32{1, 2, 3, 4}
	raw := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	if err := os.WriteFile(filepath.Join(dir, "w.bin"), raw, 0o644); err != nil {
		t.Fatalf("write weight: %v", err)
	}

	desc := probeDescription()
	desc.Weights = []WeightRef{{Name: "probe.weight", File: "w.bin", DType: "f32", Shape: []int{4}}}
	writeDescription(t, dir, desc)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer func() { _ = m.Close() }()

	w := m.(*probeModel).weights.Get("probe.weight")
	if w == nil {
		t.Fatalf("weight not loaded")
	}
	if !w.Borrowed() {
		t.Fatalf("weight should be a borrowed view over the mapping")
	}
	got, err := w.Float32s()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i, v := range vals {
		if got[i] != v {
			t.Fatalf("weight[%d] = %v, want %v", i, got[i], v)
		}
	}
}

func TestLoadWithWeightBytesOverride(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc := probeDescription()
	// The file is never created on disk; the override must win.
	desc.Weights = []WeightRef{{Name: "probe.weight", File: "missing.bin", DType: "i32", Shape: []int{2}}}
	writeDescription(t, dir, desc)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], 7)
	binary.LittleEndian.PutUint32(buf[4:], 9)

	m, err := Load(dir, WithWeightBytes("missing.bin", buf))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer func() { _ = m.Close() }()

	w := m.(*probeModel).weights.Get("probe.weight")
	vals, err := w.Int32s()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vals[0] != 7 || vals[1] != 9 {
		t.Fatalf("override values %v", vals)
	}

	// Borrowed view, not a copy: mutating the caller buffer shows through.
	binary.LittleEndian.PutUint32(buf[0:], 42)
	if vals[0] != 42 {
		t.Fatalf("override was copied; want a borrowed view")
	}
}

func TestLoadWeightSizeMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc := probeDescription()
	desc.Weights = []WeightRef{{Name: "probe.weight", File: "w.bin", DType: "f32", Shape: []int{4}}}
	writeDescription(t, dir, desc)
	if err := os.WriteFile(filepath.Join(dir, "w.bin"), make([]byte, 7), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatalf("expected size-mismatch error")
	}
}

func TestIsEngineInput(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"input_ids", "position_ids", "attention_mask"} {
		if !IsEngineInput(name) {
			t.Fatalf("%s should be engine-fed", name)
		}
	}
	if IsEngineInput("vision_features") {
		t.Fatalf("vision_features is not engine-fed")
	}
}
