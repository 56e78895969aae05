package acf

import (
	"errors"
	"io"
	"os"
)

// Writer builds an ACF file. Space for the header is reserved up-front and
// patched during Finalise.
type Writer struct {
	f        *os.File
	sections []Section
	seen     map[SectionType]struct{}
	closed   bool
	padBuf   []byte
}

// NewWriter creates a writer targeting the given file. The file is
// truncated.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("acf: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	w := &Writer{
		f:      f,
		seen:   make(map[SectionType]struct{}),
		padBuf: make([]byte, acfAlign),
	}
	if err := w.writeZeros(acfHeaderSize); err != nil {
		return nil, err
	}
	if err := w.alignTo(acfAlign); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteSection writes a section payload and records it in the directory.
// Each section type may be written once; order is free. It returns the
// absolute file offset of the payload, which callers embedding absolute
// offsets (the tensor index) need.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) (uint64, error) {
	if w.closed {
		return 0, errors.New("acf: writer already finalised")
	}
	if _, ok := w.seen[typ]; ok {
		return 0, errors.New("acf: duplicate section type")
	}

	if err := w.alignTo(acfAlign); err != nil {
		return 0, err
	}
	offset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if len(data) > 0 {
		if err := writeFull(w.f, data); err != nil {
			return 0, err
		}
	}

	w.seen[typ] = struct{}{}
	w.sections = append(w.sections, Section{
		Type:    uint32(typ),
		Version: version,
		Offset:  uint64(offset),
		Size:    uint64(len(data)),
	})
	return uint64(offset), nil
}

// Finalise writes the section directory and patches the header. The writer
// must not be used afterwards; the caller still owns the file handle.
func (w *Writer) Finalise() error {
	if w.closed {
		return errors.New("acf: writer already finalised")
	}
	if len(w.sections) == 0 {
		return errors.New("acf: no sections written")
	}
	w.closed = true

	if err := w.alignTo(acfAlign); err != nil {
		return err
	}
	dirOff, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	for _, s := range w.sections {
		if err := writeFull(w.f, encodeSection(s)); err != nil {
			return err
		}
	}
	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	hdr := Header{
		Major:            CurrentMajor,
		Minor:            CurrentMinor,
		HeaderSize:       acfHeaderSize,
		SectionCount:     uint32(len(w.sections)),
		SectionDirOffset: uint64(dirOff),
		FileSize:         uint64(fileSize),
	}
	copy(hdr.Magic[:], MagicACF)

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := writeFull(w.f, encodeHeader(hdr)); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) alignTo(align int64) error {
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	pad := int((align - pos%align) % align)
	return w.writeZeros(pad)
}

func (w *Writer) writeZeros(n int) error {
	for n > 0 {
		chunk := n
		if chunk > len(w.padBuf) {
			chunk = len(w.padBuf)
		}
		if err := writeFull(w.f, w.padBuf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func writeFull(f *os.File, b []byte) error {
	for len(b) > 0 {
		n, err := f.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// Delta is one weight delta handed to WriteAdapter. Name is the target
// weight in the compiled model graph.
type Delta struct {
	Name  string
	DType TensorDType
	Shape []uint64
	Data  []byte
}

// WriteAdapter lays out a complete adapter file: tensor data first, then
// the index referencing it by absolute offset, then the info section with
// the payload digest.
func WriteAdapter(path string, info AdapterInfo, deltas []Delta) error {
	if len(deltas) == 0 {
		return errors.New("acf: adapter requires at least one delta")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		return err
	}

	// Concatenate delta payloads, each aligned within the section.
	var blob []byte
	offsets := make([]uint64, len(deltas))
	for i, d := range deltas {
		pad := (acfAlign - len(blob)%acfAlign) % acfAlign
		blob = append(blob, make([]byte, pad)...)
		offsets[i] = uint64(len(blob))
		blob = append(blob, d.Data...)
	}

	dataOff, err := w.WriteSection(SectionTensorData, 1, blob)
	if err != nil {
		return err
	}

	records := make([]TensorRecord, len(deltas))
	for i, d := range deltas {
		records[i] = TensorRecord{
			Name:     d.Name,
			DType:    d.DType,
			Shape:    d.Shape,
			DataOff:  dataOff + offsets[i],
			DataSize: uint64(len(d.Data)),
		}
	}
	index, err := EncodeTensorIndex(records)
	if err != nil {
		return err
	}
	if _, err := w.WriteSection(SectionTensorIndex, TensorIndexVersion, index); err != nil {
		return err
	}

	if info.FormatVersion == 0 {
		info.FormatVersion = 1
	}
	info.DataDigest = Digest(blob)
	infoBytes, err := EncodeAdapterInfo(info)
	if err != nil {
		return err
	}
	if _, err := w.WriteSection(SectionAdapterInfo, AdapterInfoVersion, infoBytes); err != nil {
		return err
	}

	return w.Finalise()
}
