package acf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestAdapter(t *testing.T, path string) {
	t.Helper()

	bias := make([]byte, 4*4)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(bias[i*4:], uint32(i+1))
	}
	embed := make([]byte, 2*3*4)

	err := WriteAdapter(path, AdapterInfo{
		FormatVersion: 1,
		ModelVersion:  "recurrent-v1",
		Name:          "test",
	}, []Delta{
		{Name: "model.out.bias", DType: DTypeF32, Shape: []uint64{4}, Data: bias},
		{Name: "model.embed.weight", DType: DTypeF32, Shape: []uint64{2, 3}, Data: embed},
	})
	if err != nil {
		t.Fatalf("write adapter: %v", err)
	}
}

func TestAdapterRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.acf")
	writeTestAdapter(t, path)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.Header.Major != CurrentMajor {
		t.Fatalf("major: got %d want %d", f.Header.Major, CurrentMajor)
	}

	infoSec := f.Section(SectionAdapterInfo)
	if infoSec == nil {
		t.Fatalf("missing adapter info section")
	}
	info, err := ParseAdapterInfo(f.SectionData(infoSec))
	if err != nil {
		t.Fatalf("parse info: %v", err)
	}
	if info.ModelVersion != "recurrent-v1" || info.Name != "test" {
		t.Fatalf("unexpected info: %+v", info)
	}

	dataSec := f.Section(SectionTensorData)
	if dataSec == nil {
		t.Fatalf("missing tensor data section")
	}
	if err := VerifyDigest(info, f.SectionData(dataSec)); err != nil {
		t.Fatalf("digest: %v", err)
	}

	ti, err := ParseTensorIndex(f.SectionData(f.Section(SectionTensorIndex)))
	if err != nil {
		t.Fatalf("parse index: %v", err)
	}
	if ti.Count() != 2 {
		t.Fatalf("count: got %d want 2", ti.Count())
	}

	i, ok := ti.Find("model.out.bias")
	if !ok {
		t.Fatalf("bias entry not found")
	}
	shape, err := ti.Shape(i)
	if err != nil || len(shape) != 1 || shape[0] != 4 {
		t.Fatalf("bias shape: %v err %v", shape, err)
	}
	data, err := ti.TensorData(f, i)
	if err != nil {
		t.Fatalf("tensor data: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != 2 {
		t.Fatalf("payload mismatch: got %d want 2", got)
	}

	if _, ok := ti.Find("model.embed.weight"); !ok {
		t.Fatalf("embed entry not found")
	}
	if _, ok := ti.Find("no.such.target"); ok {
		t.Fatalf("found nonexistent entry")
	}
}

func TestOpenRejectsWrongMajor(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "major.acf")
	writeTestAdapter(t, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Patch the major version field.
	binary.LittleEndian.PutUint16(raw[4:6], CurrentMajor+1)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Open(path); !errors.Is(err, ErrUnsupportedMajor) {
		t.Fatalf("expected ErrUnsupportedMajor, got %v", err)
	}
}

func TestOpenRejectsBadMagicAndTruncation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	path := filepath.Join(dir, "magic.acf")
	writeTestAdapter(t, path)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	bad := append([]byte(nil), raw...)
	copy(bad[0:4], "GGUF")
	badPath := filepath.Join(dir, "bad.acf")
	if err := os.WriteFile(badPath, bad, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(badPath); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}

	truncPath := filepath.Join(dir, "trunc.acf")
	if err := os.WriteFile(truncPath, raw[:len(raw)/2], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(truncPath); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}
}

func TestDigestMismatch(t *testing.T) {
	t.Parallel()

	info := AdapterInfo{FormatVersion: 1, DataDigest: Digest([]byte("expected"))}
	if err := VerifyDigest(info, []byte("actual")); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
	if err := VerifyDigest(info, []byte("expected")); err != nil {
		t.Fatalf("unexpected digest failure: %v", err)
	}
}

func TestOpenReaderAt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ra.acf")
	writeTestAdapter(t, path)

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = rf.Close() }()
	st, err := rf.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	f, err := OpenReaderAt(rf, st.Size())
	if err != nil {
		t.Fatalf("open readerat: %v", err)
	}
	defer func() { _ = f.Close() }()
	if f.mmapped {
		t.Fatalf("OpenReaderAt should not mmap")
	}

	direct, err := Open(path)
	if err != nil {
		t.Fatalf("open direct: %v", err)
	}
	defer func() { _ = direct.Close() }()
	if !bytes.Equal(f.Data, direct.Data) {
		t.Fatalf("reader paths disagree")
	}
}
