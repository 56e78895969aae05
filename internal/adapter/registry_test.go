package adapter

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ratchetml/ratchet/pkg/acf"
)

func writeAdapterFile(t *testing.T, path string, target string, vals []float32) {
	t.Helper()

	data := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	err := acf.WriteAdapter(path, acf.AdapterInfo{
		FormatVersion: 1,
		ModelVersion:  "recurrent-v1",
	}, []acf.Delta{
		{Name: target, DType: acf.DTypeF32, Shape: []uint64{uint64(len(vals))}, Data: data},
	})
	if err != nil {
		t.Fatalf("write adapter: %v", err)
	}
}

func TestLoadAndLookup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bias.acf")
	writeAdapterFile(t, path, "model.out.bias", []float32{0, 1.5, 0, -2})

	r := NewRegistry()
	defer func() { _ = r.Close() }()

	if err := r.Load(path, "bias"); err != nil {
		t.Fatalf("load: %v", err)
	}

	a, err := r.Get("bias")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Info.ModelVersion != "recurrent-v1" {
		t.Fatalf("info: %+v", a.Info)
	}
	targets := a.Targets()
	if len(targets) != 1 || targets[0] != "model.out.bias" {
		t.Fatalf("targets: %v", targets)
	}

	dt, err := a.Deltas.Get("model.out.bias")
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if !dt.Borrowed() {
		t.Fatalf("delta should be a borrowed view over the mapping")
	}
	vals, err := dt.ToFloat32s()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vals[1] != 1.5 || vals[3] != -2 {
		t.Fatalf("values: %v", vals)
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := NewRegistry()
	defer func() { _ = r.Close() }()

	// Unreadable path.
	if err := r.Load(filepath.Join(dir, "nope.acf"), "a"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}

	// Corrupt container.
	bad := filepath.Join(dir, "bad.acf")
	if err := os.WriteFile(bad, []byte("not an adapter file at all"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Load(bad, "a"); !errors.Is(err, acf.ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}

	// Duplicate name.
	good := filepath.Join(dir, "good.acf")
	writeAdapterFile(t, good, "model.out.bias", []float32{1})
	if err := r.Load(good, "a"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.Load(good, "a"); err == nil {
		t.Fatalf("duplicate name accepted")
	}
}

func TestUnload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "x.acf")
	writeAdapterFile(t, path, "model.out.bias", []float32{1})

	r := NewRegistry()
	if err := r.Load(path, "x"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := r.Names(); len(got) != 1 || got[0] != "x" {
		t.Fatalf("names: %v", got)
	}
	if err := r.Unload("x"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := r.Unload("x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
