package model

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ratchetml/ratchet/internal/tensor"
)

// LoadOption adjusts directory loading.
type LoadOption func(*loadConfig)

type loadConfig struct {
	weightBytes map[string][]byte
}

// WithWeightBytes supplies the named weight file's bytes directly instead
// of reading them from disk. The engine keeps a borrowed view; the caller
// must keep the buffer alive for the model's lifetime.
func WithWeightBytes(file string, data []byte) LoadOption {
	return func(c *loadConfig) {
		if c.weightBytes == nil {
			c.weightBytes = make(map[string][]byte)
		}
		c.weightBytes[file] = data
	}
}

// Load opens a model directory: the description file plus zero or more
// weight-data files, mmapped read-only unless overridden in memory.
func Load(dir string, opts ...LoadOption) (Model, error) {
	var cfg loadConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	desc, err := ReadDescription(dir)
	if err != nil {
		return nil, err
	}
	build, err := builderFor(desc.Architecture)
	if err != nil {
		return nil, err
	}

	weights := &Weights{Tensors: tensor.NewNamed()}
	for _, ref := range desc.Weights {
		dtype := tensor.ParseDType(ref.DType)
		if dtype == tensor.DTypeUnknown {
			_ = weights.Close()
			return nil, fmt.Errorf("model: weight %q has unknown dtype %q", ref.Name, ref.DType)
		}

		var buf []byte
		if override, ok := cfg.weightBytes[ref.File]; ok {
			buf = override
		} else {
			data, closer, err := mapFile(filepath.Join(dir, ref.File))
			if err != nil {
				_ = weights.Close()
				return nil, fmt.Errorf("model: weight %q: %w", ref.Name, err)
			}
			buf = data
			weights.closers = append(weights.closers, closer)
		}

		t, err := tensor.FromBytes(dtype, ref.Shape, buf)
		if err != nil {
			_ = weights.Close()
			return nil, fmt.Errorf("model: weight %q: %w", ref.Name, err)
		}
		weights.Tensors.Set(ref.Name, t)
	}

	m, err := build(desc, weights)
	if err != nil {
		_ = weights.Close()
		return nil, err
	}
	return m, nil
}

// mapFile maps a weight file read-only, falling back to ReadFile when the
// platform refuses the mapping.
func mapFile(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := stat.Size()
	if size == 0 {
		return nil, func() error { return nil }, nil
	}
	if size > int64(int(^uint(0)>>1)) {
		return nil, nil, fmt.Errorf("weight file too large: %d bytes", size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return data, func() error { return unix.Munmap(data) }, nil
	}

	data, err = os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, func() error { return nil }, nil
}
