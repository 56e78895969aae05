// Package adapter manages named weight-delta sets loaded from ACF files.
// Loading is independent of any generator; activation is a generator-side
// decision.
package adapter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ratchetml/ratchet/internal/tensor"
	"github.com/ratchetml/ratchet/pkg/acf"
)

// ErrNotFound is returned when a registry lookup misses.
var ErrNotFound = errors.New("adapter not found")

// Adapter is a loaded, named set of weight deltas keyed by the target
// weight's name in the compiled model graph. Delta tensors are borrowed
// views over the file mapping and stay valid until the adapter is unloaded.
type Adapter struct {
	Name   string
	Info   acf.AdapterInfo
	Deltas *tensor.Named

	file *acf.File
}

// Targets returns the delta target names in file index order.
func (a *Adapter) Targets() []string {
	return a.Deltas.Keys()
}

// Registry holds loaded adapters by name. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*Adapter)}
}

// Load parses the adapter container at path and registers it under name.
// Version or structure problems surface as acf sentinel errors; an
// unreadable path surfaces the underlying os error.
func (r *Registry) Load(path, name string) error {
	if name == "" {
		return fmt.Errorf("adapter: name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; ok {
		return fmt.Errorf("adapter: %q already loaded", name)
	}

	f, err := acf.Open(path)
	if err != nil {
		return err
	}

	a, err := materialise(f, name)
	if err != nil {
		_ = f.Close()
		return err
	}
	r.adapters[name] = a
	return nil
}

func materialise(f *acf.File, name string) (*Adapter, error) {
	infoSec := f.Section(acf.SectionAdapterInfo)
	if infoSec == nil {
		return nil, fmt.Errorf("%w: missing adapter info section", acf.ErrCorruptFile)
	}
	info, err := acf.ParseAdapterInfo(f.SectionData(infoSec))
	if err != nil {
		return nil, err
	}

	dataSec := f.Section(acf.SectionTensorData)
	if dataSec == nil {
		return nil, fmt.Errorf("%w: missing tensor data section", acf.ErrCorruptFile)
	}
	if err := acf.VerifyDigest(info, f.SectionData(dataSec)); err != nil {
		return nil, err
	}

	idxSec := f.Section(acf.SectionTensorIndex)
	if idxSec == nil {
		return nil, fmt.Errorf("%w: missing tensor index section", acf.ErrCorruptFile)
	}
	ti, err := acf.ParseTensorIndex(f.SectionData(idxSec))
	if err != nil {
		return nil, err
	}

	deltas := tensor.NewNamed()
	for i := 0; i < ti.Count(); i++ {
		target, err := ti.Name(i)
		if err != nil {
			return nil, err
		}
		entry, err := ti.Entry(i)
		if err != nil {
			return nil, err
		}
		shape64, err := ti.Shape(i)
		if err != nil {
			return nil, err
		}
		data, err := ti.TensorData(f, i)
		if err != nil {
			return nil, err
		}

		shape := make([]int, len(shape64))
		for d, v := range shape64 {
			shape[d] = int(v)
		}
		t, err := tensor.FromBytes(dtypeOf(entry.DType), shape, data)
		if err != nil {
			return nil, fmt.Errorf("%w: delta %q: %v", acf.ErrCorruptFile, target, err)
		}
		deltas.Set(target, t)
	}

	return &Adapter{Name: name, Info: info, Deltas: deltas, file: f}, nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (*Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return a, nil
}

// Names lists the registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}

// Unload removes the named adapter and releases its mapping. Generators
// holding it active must deactivate it first.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(r.adapters, name)
	return a.file.Close()
}

// Close unloads every adapter.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for name, a := range r.adapters {
		if err := a.file.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.adapters, name)
	}
	return first
}

func dtypeOf(d acf.TensorDType) tensor.DType {
	switch d {
	case acf.DTypeI8:
		return tensor.DTypeI8
	case acf.DTypeU8:
		return tensor.DTypeU8
	case acf.DTypeI16:
		return tensor.DTypeI16
	case acf.DTypeU16:
		return tensor.DTypeU16
	case acf.DTypeI32:
		return tensor.DTypeI32
	case acf.DTypeU32:
		return tensor.DTypeU32
	case acf.DTypeI64:
		return tensor.DTypeI64
	case acf.DTypeU64:
		return tensor.DTypeU64
	case acf.DTypeF16:
		return tensor.DTypeF16
	case acf.DTypeBF16:
		return tensor.DTypeBF16
	case acf.DTypeF32:
		return tensor.DTypeF32
	case acf.DTypeF64:
		return tensor.DTypeF64
	default:
		return tensor.DTypeUnknown
	}
}
