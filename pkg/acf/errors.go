package acf

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid ACF magic")
	ErrUnsupportedMajor = errors.New("unsupported ACF major version")
	ErrCorruptFile      = errors.New("corrupt ACF file")
)
