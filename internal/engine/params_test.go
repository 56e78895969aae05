package engine

import (
	"errors"
	"testing"

	"github.com/ratchetml/ratchet/internal/tensor"
)

func TestParamsDefaultsFromDescription(t *testing.T) {
	t.Parallel()

	m := loadTestModel(t, testDescription())
	p := NewParams(m)
	if p.BatchSize != 1 {
		t.Fatalf("default batch size %d, want 1", p.BatchSize)
	}
	if p.MaxLength != 10 {
		t.Fatalf("default max length %d, want the description's 10", p.MaxLength)
	}
	if p.Seed != 1234 {
		t.Fatalf("default seed %d, want the description's 1234", p.Seed)
	}
}

func TestParamsSetOption(t *testing.T) {
	t.Parallel()

	m := loadTestModel(t, testDescription())
	p := NewParams(m)

	cases := []struct {
		name  string
		value any
	}{
		{"batch_size", 2},
		{"max_length", float64(8)}, // json numbers arrive as float64
		{"do_sample", true},
		{"temperature", 0.7},
		{"top_k", 5},
		{"top_p", 0.9},
		{"seed", 99},
	}
	for _, c := range cases {
		if err := p.SetOption(c.name, c.value); err != nil {
			t.Fatalf("set %s: %v", c.name, err)
		}
	}
	if p.BatchSize != 2 || p.MaxLength != 8 || !p.DoSample || p.TopK != 5 || p.Seed != 99 {
		t.Fatalf("options not applied: %+v", p)
	}

	// Unrecognized options pass through rather than failing.
	if err := p.SetOption("vendor_cache_mode", "paged"); err != nil {
		t.Fatalf("extra option: %v", err)
	}
	if p.Extra["vendor_cache_mode"] != "paged" {
		t.Fatalf("extra option not retained: %v", p.Extra)
	}

	if err := p.SetOption("max_length", "ten"); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for bad type, got %v", err)
	}
	if err := p.SetOption("max_length", 2.5); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for fractional value, got %v", err)
	}
	if err := p.SetOption("do_sample", 1); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for non-bool, got %v", err)
	}
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()

	m := loadTestModel(t, testDescription())

	bad := []func(*Params){
		func(p *Params) { p.BatchSize = 0 },
		func(p *Params) { p.MaxLength = -1 },
		func(p *Params) { p.Temperature = -0.1 },
		func(p *Params) { p.TopK = -1 },
		func(p *Params) { p.TopP = 1.5 },
	}
	for i, mutate := range bad {
		p := NewParams(m)
		mutate(p)
		if err := p.Validate(); !errors.Is(err, ErrConfig) {
			t.Fatalf("case %d: expected ErrConfig, got %v", i, err)
		}
		if _, err := NewGenerator(m, p); !errors.Is(err, ErrConfig) {
			t.Fatalf("case %d: generator accepted invalid params", i)
		}
	}
}

func TestParamsCopiedAtConstruction(t *testing.T) {
	t.Parallel()

	m := loadTestModel(t, testDescription())
	p := NewParams(m)
	p.MaxLength = 6

	g, err := NewGenerator(m, p)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	defer func() { _ = g.Close() }()

	// Mutating the params afterwards does not reach the live generator.
	p.MaxLength = 3
	feat, err := tensor.New(tensor.DTypeF32, 4)
	if err != nil {
		t.Fatalf("new tensor: %v", err)
	}
	p.SetModelInput("late_preset", feat)

	if err := g.AppendTokens([][]int32{{1, 2, 3, 4}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	runToDone(t, g)
	if got := sequence(t, g, 0); len(got) != 6 {
		t.Fatalf("generated to %d tokens, want 6", len(got))
	}
}
