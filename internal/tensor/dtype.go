package tensor

// DType identifies the element encoding of a tensor buffer.
// Values are stable; add new encodings at the end only.
type DType uint8

const (
	DTypeUnknown DType = iota
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

// ElemSize returns the byte width of a single element, or 0 if the dtype
// is unknown.
func (d DType) ElemSize() int {
	switch d {
	case DTypeI8, DTypeU8:
		return 1
	case DTypeI16, DTypeU16, DTypeF16, DTypeBF16:
		return 2
	case DTypeI32, DTypeU32, DTypeF32:
		return 4
	case DTypeI64, DTypeU64, DTypeF64:
		return 8
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case DTypeI8:
		return "i8"
	case DTypeU8:
		return "u8"
	case DTypeI16:
		return "i16"
	case DTypeU16:
		return "u16"
	case DTypeI32:
		return "i32"
	case DTypeU32:
		return "u32"
	case DTypeI64:
		return "i64"
	case DTypeU64:
		return "u64"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeF32:
		return "f32"
	case DTypeF64:
		return "f64"
	default:
		return "unknown"
	}
}

// ParseDType maps a dtype name (as used in model descriptions) back to its
// DType. Unknown names return DTypeUnknown.
func ParseDType(s string) DType {
	switch s {
	case "i8":
		return DTypeI8
	case "u8":
		return DTypeU8
	case "i16":
		return DTypeI16
	case "u16":
		return DTypeU16
	case "i32":
		return DTypeI32
	case "u32":
		return DTypeU32
	case "i64":
		return DTypeI64
	case "u64":
		return DTypeU64
	case "f16":
		return DTypeF16
	case "bf16":
		return DTypeBF16
	case "f32":
		return DTypeF32
	case "f64":
		return DTypeF64
	default:
		return DTypeUnknown
	}
}
