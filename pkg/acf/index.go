package acf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"unsafe"
)

// TensorIndexVersion is the on-disk version of the tensor index payload.
const TensorIndexVersion uint32 = 1

// TensorDType identifies the on-disk element encoding of a delta tensor.
// Keep these stable forever; add new values only.
type TensorDType uint32

const (
	DTypeUnknown TensorDType = iota
	DTypeI8
	DTypeU8
	DTypeI16
	DTypeU16
	DTypeI32
	DTypeU32
	DTypeI64
	DTypeU64
	DTypeF16
	DTypeBF16
	DTypeF32
	DTypeF64
)

// TensorIndexHeader describes the layout of the tensor index section.
// Table offsets are relative to the start of the section payload.
type TensorIndexHeader struct {
	Version     uint32
	Flags       uint32
	TensorCount uint32
	DimsCount   uint32 // total uint64 dims in the dims table

	EntriesOff  uint64 // []TensorIndexEntry (TensorCount)
	DimsOff     uint64 // []uint64 (DimsCount)
	StringsOff  uint64 // []byte (StringsSize)
	StringsSize uint64
}

const (
	// TensorIndexFlagSortedByName means entries are sorted by raw name bytes
	// ascending, enabling binary-search lookup.
	TensorIndexFlagSortedByName uint32 = 1 << 0
)

// TensorIndexEntry is the fixed-size on-disk record for one delta tensor.
// The name identifies the target weight in the compiled model graph.
type TensorIndexEntry struct {
	NameOff uint32 // into strings table
	NameLen uint32

	DType TensorDType
	Rank  uint32

	DimOff uint32 // index into dims table, in uint64 elements
	_      uint32 // reserved

	// DataOff is an absolute file offset so payload slicing out of the
	// mapping is trivial.
	DataOff  uint64
	DataSize uint64
}

const tensorIndexHeaderSize = 48

// TensorIndex is a parsed view over a tensor index section payload. It
// references the raw section bytes, which usually reference the mapping.
type TensorIndex struct {
	raw []byte
	hdr TensorIndexHeader
}

// TensorRecord is the input to EncodeTensorIndex.
type TensorRecord struct {
	Name  string
	DType TensorDType
	Shape []uint64

	// Absolute file offsets of the payload.
	DataOff  uint64
	DataSize uint64
}

// ParseTensorIndex validates and returns a view over a tensor index payload.
// Pass it File.SectionData(File.Section(SectionTensorIndex)).
func ParseTensorIndex(sec []byte) (*TensorIndex, error) {
	if len(sec) < tensorIndexHeaderSize {
		return nil, ErrCorruptFile
	}

	h := TensorIndexHeader{
		Version:     binary.LittleEndian.Uint32(sec[0:4]),
		Flags:       binary.LittleEndian.Uint32(sec[4:8]),
		TensorCount: binary.LittleEndian.Uint32(sec[8:12]),
		DimsCount:   binary.LittleEndian.Uint32(sec[12:16]),
		EntriesOff:  binary.LittleEndian.Uint64(sec[16:24]),
		DimsOff:     binary.LittleEndian.Uint64(sec[24:32]),
		StringsOff:  binary.LittleEndian.Uint64(sec[32:40]),
		StringsSize: binary.LittleEndian.Uint64(sec[40:48]),
	}
	if h.Version != TensorIndexVersion {
		return nil, ErrCorruptFile
	}
	if h.TensorCount == 0 {
		return nil, ErrCorruptFile
	}

	secLen := uint64(len(sec))
	entrySize := uint64(unsafe.Sizeof(TensorIndexEntry{}))
	entriesBytes := uint64(h.TensorCount) * entrySize
	dimsBytes := uint64(h.DimsCount) * 8

	if h.EntriesOff > secLen || h.EntriesOff+entriesBytes > secLen {
		return nil, ErrCorruptFile
	}
	if h.DimsOff > secLen || h.DimsOff+dimsBytes > secLen {
		return nil, ErrCorruptFile
	}
	if h.StringsOff > secLen || h.StringsOff+h.StringsSize > secLen {
		return nil, ErrCorruptFile
	}

	for i := uint32(0); i < h.TensorCount; i++ {
		e, err := readEntry(sec, h.EntriesOff, i)
		if err != nil {
			return nil, ErrCorruptFile
		}
		if uint64(e.NameOff)+uint64(e.NameLen) > h.StringsSize {
			return nil, ErrCorruptFile
		}
		if e.Rank > 0 && uint64(e.DimOff)+uint64(e.Rank) > uint64(h.DimsCount) {
			return nil, ErrCorruptFile
		}
	}

	return &TensorIndex{raw: sec, hdr: h}, nil
}

func readEntry(sec []byte, entriesOff uint64, i uint32) (TensorIndexEntry, error) {
	entrySize := uint64(unsafe.Sizeof(TensorIndexEntry{}))
	base := entriesOff + uint64(i)*entrySize
	end := base + entrySize
	if end > uint64(len(sec)) {
		return TensorIndexEntry{}, ErrCorruptFile
	}
	b := sec[base:end]
	return TensorIndexEntry{
		NameOff:  binary.LittleEndian.Uint32(b[0:4]),
		NameLen:  binary.LittleEndian.Uint32(b[4:8]),
		DType:    TensorDType(binary.LittleEndian.Uint32(b[8:12])),
		Rank:     binary.LittleEndian.Uint32(b[12:16]),
		DimOff:   binary.LittleEndian.Uint32(b[16:20]),
		DataOff:  binary.LittleEndian.Uint64(b[24:32]),
		DataSize: binary.LittleEndian.Uint64(b[32:40]),
	}, nil
}

func (ti *TensorIndex) Count() int { return int(ti.hdr.TensorCount) }

func (ti *TensorIndex) Entry(i int) (TensorIndexEntry, error) {
	if i < 0 || i >= int(ti.hdr.TensorCount) {
		return TensorIndexEntry{}, ErrCorruptFile
	}
	return readEntry(ti.raw, ti.hdr.EntriesOff, uint32(i))
}

func (ti *TensorIndex) nameBytes(i int) ([]byte, error) {
	e, err := ti.Entry(i)
	if err != nil {
		return nil, err
	}
	off := ti.hdr.StringsOff + uint64(e.NameOff)
	end := off + uint64(e.NameLen)
	if end > ti.hdr.StringsOff+ti.hdr.StringsSize || end > uint64(len(ti.raw)) {
		return nil, ErrCorruptFile
	}
	return ti.raw[off:end], nil
}

// Name returns the target weight name of entry i as a zero-copy view.
func (ti *TensorIndex) Name(i int) (string, error) {
	b, err := ti.nameBytes(i)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", nil
	}
	return unsafe.String(unsafe.SliceData(b), len(b)), nil
}

// Shape returns the dims of entry i.
func (ti *TensorIndex) Shape(i int) ([]uint64, error) {
	e, err := ti.Entry(i)
	if err != nil {
		return nil, err
	}
	if e.Rank == 0 {
		return nil, nil
	}
	out := make([]uint64, 0, e.Rank)
	for d := uint32(0); d < e.Rank; d++ {
		idx := e.DimOff + d
		if idx >= ti.hdr.DimsCount {
			return nil, ErrCorruptFile
		}
		base := ti.hdr.DimsOff + uint64(idx)*8
		if base+8 > uint64(len(ti.raw)) {
			return nil, ErrCorruptFile
		}
		out = append(out, binary.LittleEndian.Uint64(ti.raw[base:base+8]))
	}
	return out, nil
}

// Find returns the entry index for the given target name. O(log n) when the
// sorted flag is set, linear otherwise.
func (ti *TensorIndex) Find(name string) (int, bool) {
	if ti == nil {
		return -1, false
	}
	key := []byte(name)
	if ti.hdr.Flags&TensorIndexFlagSortedByName != 0 {
		n := int(ti.hdr.TensorCount)
		i := sort.Search(n, func(i int) bool {
			nb, err := ti.nameBytes(i)
			if err != nil {
				return true
			}
			return bytes.Compare(nb, key) >= 0
		})
		if i < n {
			if nb, err := ti.nameBytes(i); err == nil && bytes.Equal(nb, key) {
				return i, true
			}
		}
		return -1, false
	}
	for i := 0; i < int(ti.hdr.TensorCount); i++ {
		nb, err := ti.nameBytes(i)
		if err != nil {
			return -1, false
		}
		if bytes.Equal(nb, key) {
			return i, true
		}
	}
	return -1, false
}

// TensorData returns a zero-copy view of the payload bytes of entry i.
func (ti *TensorIndex) TensorData(f *File, i int) ([]byte, error) {
	if f == nil || f.Data == nil {
		return nil, ErrCorruptFile
	}
	e, err := ti.Entry(i)
	if err != nil {
		return nil, err
	}
	end := e.DataOff + e.DataSize
	if end < e.DataOff || end > uint64(len(f.Data)) {
		return nil, ErrCorruptFile
	}
	return f.Data[e.DataOff:end], nil
}

// EncodeTensorIndex builds a tensor index payload. Records are sorted by
// name and the sorted flag is set.
func EncodeTensorIndex(records []TensorRecord) ([]byte, error) {
	if len(records) == 0 {
		return nil, errors.New("acf: tensor index requires at least one record")
	}

	recs := make([]TensorRecord, len(records))
	copy(recs, records)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	var (
		dims       []uint64
		stringBlob []byte
		entries    = make([]TensorIndexEntry, 0, len(recs))
	)
	for _, r := range recs {
		if r.Name == "" {
			return nil, errors.New("acf: tensor name must be non-empty")
		}
		nameOff := uint32(len(stringBlob))
		stringBlob = append(stringBlob, r.Name...)

		dimOff := uint32(len(dims))
		dims = append(dims, r.Shape...)

		entries = append(entries, TensorIndexEntry{
			NameOff:  nameOff,
			NameLen:  uint32(len(r.Name)),
			DType:    r.DType,
			Rank:     uint32(len(r.Shape)),
			DimOff:   dimOff,
			DataOff:  r.DataOff,
			DataSize: r.DataSize,
		})
	}

	hdr := TensorIndexHeader{
		Version:     TensorIndexVersion,
		Flags:       TensorIndexFlagSortedByName,
		TensorCount: uint32(len(entries)),
		DimsCount:   uint32(len(dims)),
	}
	entrySize := uint64(unsafe.Sizeof(TensorIndexEntry{}))
	hdr.EntriesOff = tensorIndexHeaderSize
	hdr.DimsOff = hdr.EntriesOff + entrySize*uint64(len(entries))
	hdr.StringsOff = hdr.DimsOff + uint64(len(dims))*8
	hdr.StringsSize = uint64(len(stringBlob))

	out := make([]byte, hdr.StringsOff+hdr.StringsSize)

	binary.LittleEndian.PutUint32(out[0:4], hdr.Version)
	binary.LittleEndian.PutUint32(out[4:8], hdr.Flags)
	binary.LittleEndian.PutUint32(out[8:12], hdr.TensorCount)
	binary.LittleEndian.PutUint32(out[12:16], hdr.DimsCount)
	binary.LittleEndian.PutUint64(out[16:24], hdr.EntriesOff)
	binary.LittleEndian.PutUint64(out[24:32], hdr.DimsOff)
	binary.LittleEndian.PutUint64(out[32:40], hdr.StringsOff)
	binary.LittleEndian.PutUint64(out[40:48], hdr.StringsSize)

	ep := int(hdr.EntriesOff)
	for _, e := range entries {
		binary.LittleEndian.PutUint32(out[ep+0:ep+4], e.NameOff)
		binary.LittleEndian.PutUint32(out[ep+4:ep+8], e.NameLen)
		binary.LittleEndian.PutUint32(out[ep+8:ep+12], uint32(e.DType))
		binary.LittleEndian.PutUint32(out[ep+12:ep+16], e.Rank)
		binary.LittleEndian.PutUint32(out[ep+16:ep+20], e.DimOff)
		binary.LittleEndian.PutUint64(out[ep+24:ep+32], e.DataOff)
		binary.LittleEndian.PutUint64(out[ep+32:ep+40], e.DataSize)
		ep += int(entrySize)
	}

	dp := int(hdr.DimsOff)
	for _, d := range dims {
		binary.LittleEndian.PutUint64(out[dp:dp+8], d)
		dp += 8
	}

	copy(out[hdr.StringsOff:], stringBlob)
	return out, nil
}
