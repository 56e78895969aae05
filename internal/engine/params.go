// Package engine drives a loaded model through repeated decode steps:
// per-row token sequences, backend cache bookkeeping, output
// inspection/override, rewind, and additive adapter composition.
package engine

import (
	"fmt"

	"github.com/ratchetml/ratchet/internal/model"
	"github.com/ratchetml/ratchet/internal/tensor"
)

// Params is the validated option set for one generation run. A Generator
// copies its Params at construction; later mutation does not reach a live
// Generator.
type Params struct {
	// BatchSize is the fixed row count shared by every operation.
	BatchSize int

	// MaxLength is the per-row token capacity, prompt included.
	MaxLength int

	// DoSample selects stochastic sampling; false means greedy argmax
	// with lowest-index tie-break.
	DoSample    bool
	Temperature float32
	TopK        int
	TopP        float32
	Seed        int64

	// Extra carries unrecognized provider options, passed through to the
	// backend in every batch rather than rejected.
	Extra map[string]any

	presets *tensor.Named
}

// NewParams returns parameters seeded from the model's description.
func NewParams(m model.Model) *Params {
	desc := m.Description()
	return &Params{
		BatchSize: 1,
		MaxLength: desc.MaxLength,
		Seed:      desc.Seed,
		presets:   tensor.NewNamed(),
	}
}

// SetOption sets a named generation option. Recognized names bind to the
// typed fields; anything else lands in Extra for backend pass-through.
func (p *Params) SetOption(name string, value any) error {
	switch name {
	case "batch_size":
		n, err := optionInt(name, value)
		if err != nil {
			return err
		}
		p.BatchSize = n
	case "max_length":
		n, err := optionInt(name, value)
		if err != nil {
			return err
		}
		p.MaxLength = n
	case "do_sample":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: option %q wants bool, have %T", ErrConfig, name, value)
		}
		p.DoSample = b
	case "temperature":
		f, err := optionFloat(name, value)
		if err != nil {
			return err
		}
		p.Temperature = f
	case "top_k":
		n, err := optionInt(name, value)
		if err != nil {
			return err
		}
		p.TopK = n
	case "top_p":
		f, err := optionFloat(name, value)
		if err != nil {
			return err
		}
		p.TopP = f
	case "seed":
		n, err := optionInt(name, value)
		if err != nil {
			return err
		}
		p.Seed = int64(n)
	default:
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[name] = value
	}
	return nil
}

// SetModelInput presets a constant graph input available to every forward
// pass, satisfying required inputs the engine does not feed itself.
func (p *Params) SetModelInput(name string, t *tensor.Tensor) {
	if p.presets == nil {
		p.presets = tensor.NewNamed()
	}
	p.presets.Set(name, t)
}

// Validate reports parameter problems as ErrConfig.
func (p *Params) Validate() error {
	if p.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive, have %d", ErrConfig, p.BatchSize)
	}
	if p.MaxLength <= 0 {
		return fmt.Errorf("%w: max_length must be positive, have %d", ErrConfig, p.MaxLength)
	}
	if p.Temperature < 0 {
		return fmt.Errorf("%w: temperature must not be negative, have %v", ErrConfig, p.Temperature)
	}
	if p.TopK < 0 {
		return fmt.Errorf("%w: top_k must not be negative, have %d", ErrConfig, p.TopK)
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("%w: top_p must be in [0, 1], have %v", ErrConfig, p.TopP)
	}
	return nil
}

// clone deep-copies everything a Generator keeps.
func (p *Params) clone() *Params {
	c := *p
	if p.Extra != nil {
		c.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			c.Extra[k] = v
		}
	}
	c.presets = tensor.NewNamed()
	if p.presets != nil {
		for _, name := range p.presets.Keys() {
			t, _ := p.presets.Get(name)
			c.presets.Set(name, t)
		}
	}
	return &c
}

func optionInt(name string, value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%w: option %q wants an integer, have %v", ErrConfig, name, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%w: option %q wants an integer, have %T", ErrConfig, name, value)
	}
}

func optionFloat(name string, value any) (float32, error) {
	switch v := value.(type) {
	case float32:
		return v, nil
	case float64:
		return float32(v), nil
	case int:
		return float32(v), nil
	default:
		return 0, fmt.Errorf("%w: option %q wants a number, have %T", ErrConfig, name, value)
	}
}
