package tensor

import (
	"errors"
	"fmt"
	"math"
	"unsafe"

	"github.com/x448/float16"
)

var (
	// ErrNotFound is returned when a Named collection lookup misses.
	ErrNotFound = errors.New("tensor not found")

	errUnknownDType = errors.New("unknown dtype")
	errNegativeDim  = errors.New("negative dimension")
	errSizeMismatch = errors.New("buffer size does not match shape")
	errMisaligned   = errors.New("buffer is not aligned for element access")
	errDTypeAccess  = errors.New("dtype mismatch for typed access")
)

// Tensor is a dense, typed, shaped buffer.
//
// The buffer is either owned (allocated by New or Clone) or a borrowed
// read-only view over caller-supplied memory (FromBytes). Borrowed tensors
// are only valid while the backing memory remains alive; Clone produces an
// owned copy when the caller needs to outlive the source.
type Tensor struct {
	dtype    DType
	shape    []int
	data     []byte
	borrowed bool
}

// New allocates an owned, zero-initialised tensor.
func New(dtype DType, shape ...int) (*Tensor, error) {
	n, err := checkShape(dtype, shape)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		dtype: dtype,
		shape: append([]int(nil), shape...),
		data:  make([]byte, n*dtype.ElemSize()),
	}, nil
}

// FromBytes wraps caller-supplied memory as a borrowed view without copying.
// The buffer length must equal the product of the shape dimensions times the
// element size.
func FromBytes(dtype DType, shape []int, buf []byte) (*Tensor, error) {
	n, err := checkShape(dtype, shape)
	if err != nil {
		return nil, err
	}
	if len(buf) != n*dtype.ElemSize() {
		return nil, fmt.Errorf("%w: have %d bytes, shape %v needs %d",
			errSizeMismatch, len(buf), shape, n*dtype.ElemSize())
	}
	return &Tensor{
		dtype:    dtype,
		shape:    append([]int(nil), shape...),
		data:     buf,
		borrowed: true,
	}, nil
}

// FromInt32s builds an owned rank-2 i32 tensor from row data. Rows must all
// have the given width.
func FromInt32s(rows [][]int32, width int) (*Tensor, error) {
	t, err := New(DTypeI32, len(rows), width)
	if err != nil {
		return nil, err
	}
	dst, _ := t.Int32s()
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d elements, want %d",
				errSizeMismatch, i, len(row), width)
		}
		copy(dst[i*width:], row)
	}
	return t, nil
}

func checkShape(dtype DType, shape []int) (int, error) {
	if dtype.ElemSize() == 0 {
		return 0, errUnknownDType
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errNegativeDim
		}
		n *= d
	}
	return n, nil
}

// Clone returns an owned deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dtype: t.dtype,
		shape: append([]int(nil), t.shape...),
		data:  append([]byte(nil), t.data...),
	}
}

func (t *Tensor) DType() DType { return t.dtype }

// Shape returns a copy of the dimension sizes.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dim returns the size of dimension i, or 1 when the tensor has fewer dims.
func (t *Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.shape) {
		return 1
	}
	return t.shape[i]
}

// NumElements returns the product of the shape dimensions.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}
	return n
}

// Bytes exposes the raw buffer. Callers must not write through views of
// borrowed tensors.
func (t *Tensor) Bytes() []byte { return t.data }

// Borrowed reports whether the buffer is a view over caller-owned memory.
func (t *Tensor) Borrowed() bool { return t.borrowed }

// Int32s returns the buffer as an []int32 view. The tensor must be i32.
func (t *Tensor) Int32s() ([]int32, error) {
	if t.dtype != DTypeI32 {
		return nil, fmt.Errorf("%w: have %s, want i32", errDTypeAccess, t.dtype)
	}
	return viewAs[int32](t.data)
}

// Int64s returns the buffer as an []int64 view. The tensor must be i64.
func (t *Tensor) Int64s() ([]int64, error) {
	if t.dtype != DTypeI64 {
		return nil, fmt.Errorf("%w: have %s, want i64", errDTypeAccess, t.dtype)
	}
	return viewAs[int64](t.data)
}

// Float32s returns the buffer as a []float32 view. The tensor must be f32;
// use ToFloat32s to decode half-precision buffers.
func (t *Tensor) Float32s() ([]float32, error) {
	if t.dtype != DTypeF32 {
		return nil, fmt.Errorf("%w: have %s, want f32", errDTypeAccess, t.dtype)
	}
	return viewAs[float32](t.data)
}

// ToFloat32s decodes the buffer into a freshly allocated []float32.
// F32 is copied, F16 and BF16 are widened, F64 is narrowed.
func (t *Tensor) ToFloat32s() ([]float32, error) {
	n := t.NumElements()
	out := make([]float32, n)
	switch t.dtype {
	case DTypeF32:
		src, err := viewAs[float32](t.data)
		if err != nil {
			return nil, err
		}
		copy(out, src)
	case DTypeF16:
		src, err := viewAs[uint16](t.data)
		if err != nil {
			return nil, err
		}
		for i, v := range src {
			out[i] = float16.Frombits(v).Float32()
		}
	case DTypeBF16:
		src, err := viewAs[uint16](t.data)
		if err != nil {
			return nil, err
		}
		for i, v := range src {
			out[i] = math.Float32frombits(uint32(v) << 16)
		}
	case DTypeF64:
		src, err := viewAs[float64](t.data)
		if err != nil {
			return nil, err
		}
		for i, v := range src {
			out[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("%w: cannot decode %s to f32", errDTypeAccess, t.dtype)
	}
	return out, nil
}

// viewAs reinterprets a byte buffer as a typed slice without copying.
// Borrowed buffers (mmap regions, caller slices) may carry any alignment,
// so the cast is guarded.
func viewAs[T any](b []byte) ([]T, error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%size != 0 {
		return nil, errSizeMismatch
	}
	p := unsafe.Pointer(unsafe.SliceData(b))
	if uintptr(p)%uintptr(size) != 0 {
		return nil, errMisaligned
	}
	return unsafe.Slice((*T)(p), len(b)/size), nil
}
