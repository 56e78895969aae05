package engine

import (
	"fmt"
	"sort"

	"github.com/ratchetml/ratchet/internal/adapter"
	"github.com/ratchetml/ratchet/internal/logits"
	"github.com/ratchetml/ratchet/internal/model"
	"github.com/ratchetml/ratchet/internal/tensor"
	"github.com/ratchetml/ratchet/internal/trace"
)

// row is the per-batch-row generation state. forwarded is the number of
// committed tokens the backend cache has consumed; it always equals
// State.Len for the row. logits snapshots the newest position's
// distribution so rows whose latest logits predate the current outputs
// still sample correctly.
type row struct {
	tokens    []int32
	forwarded int
	complete  bool

	logits []float32
	// slot is the width index of this row's newest logits inside the
	// current outputs, or -1 when the current outputs hold none.
	slot int
}

// Generator owns one sequence and one backend cache row per batch slot and
// advances them in lockstep. It is not safe for concurrent use; callers
// sharing one across goroutines must serialize every method.
type Generator struct {
	m       model.Model
	params  *Params
	state   model.State
	sampler *logits.Sampler

	vocab int
	eos   int32
	pad   int32

	rows []row

	// outputs is the collection produced by the most recent forward pass.
	// overrides holds SetOutput working copies for the current step only.
	outputs   *tensor.Named
	overrides *tensor.Named
	lastWidth int

	adapters    map[string]*adapter.Adapter
	inputsDirty bool

	closed bool
}

// NewGenerator builds a generator from a model handle and parameters. The
// parameters are copied; the backend cache is sized to MaxLength.
func NewGenerator(m model.Model, p *Params) (*Generator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cp := p.clone()

	st, err := m.NewState(cp.BatchSize, cp.MaxLength)
	if err != nil {
		return nil, err
	}

	desc := m.Description()
	g := &Generator{
		m:      m,
		params: cp,
		state:  st,
		vocab:  desc.VocabSize,
		eos:    desc.EOSTokenID,
		pad:    desc.PadTokenID,
		rows:   make([]row, cp.BatchSize),
	}
	for i := range g.rows {
		g.rows[i].slot = -1
	}
	if cp.DoSample {
		g.sampler = logits.NewSampler(logits.SamplerConfig{
			Seed:        cp.Seed,
			Temperature: cp.Temperature,
			TopK:        cp.TopK,
			TopP:        cp.TopP,
		})
	}
	return g, nil
}

// AppendTokens extends every row's sequence and runs the prompt-processing
// forward pass, so outputs (logits included) are inspectable before the
// first Step. The row count must equal the batch size; rows may be ragged.
// Required-input validation happens here: an unsatisfiable graph input
// fails the call with ErrMissingInput naming it, before any state changes.
func (g *Generator) AppendTokens(rows [][]int32) error {
	if g.closed {
		return fmt.Errorf("engine: generator is closed")
	}
	if len(rows) != g.params.BatchSize {
		return fmt.Errorf("%w: appended %d rows to a batch of %d", ErrConfig, len(rows), g.params.BatchSize)
	}
	for i, toks := range rows {
		if len(g.rows[i].tokens)+len(toks) > g.params.MaxLength {
			return fmt.Errorf("%w: row %d would grow to %d tokens, capacity %d",
				ErrRange, i, len(g.rows[i].tokens)+len(toks), g.params.MaxLength)
		}
	}
	if err := g.validateInputs(); err != nil {
		return err
	}

	// Forward everything the cache has not seen: tokens committed but not
	// forwarded (rewind leftovers, EOS of a finished row) plus the new ids.
	pending := make([][]int32, g.params.BatchSize)
	for i := range g.rows {
		r := &g.rows[i]
		pending[i] = append(pending[i], r.tokens[r.forwarded:]...)
		pending[i] = append(pending[i], rows[i]...)
	}
	if err := g.forward(pending); err != nil {
		return err
	}

	for i, toks := range rows {
		g.rows[i].tokens = append(g.rows[i].tokens, toks...)
		g.rows[i].forwarded = len(g.rows[i].tokens)
		g.rows[i].complete = false
	}
	g.inputsDirty = false
	return nil
}

// Step advances every non-complete row by one token. It first forwards any
// committed-but-unforwarded tokens, then selects from the working logits
// (SetOutput overrides win): greedy argmax with lowest-index tie-break, or
// the seeded sampler when DoSample is set. A row completes on the end
// token or at MaxLength; completed rows keep their batch slot with zero
// new tokens. Calling Step when IsDone is a no-op.
func (g *Generator) Step() error {
	if g.closed {
		return fmt.Errorf("engine: generator is closed")
	}
	if g.IsDone() {
		return nil
	}
	for i := range g.rows {
		if !g.rows[i].complete && len(g.rows[i].tokens) == 0 {
			return fmt.Errorf("%w: row %d has no tokens; append before stepping", ErrConfig, i)
		}
	}

	if g.inputsDirty {
		if err := g.validateInputs(); err != nil {
			return err
		}
		// The input set changed after the last forward pass, so the newest
		// logits were computed without it. Rewind the cache over each
		// row's newest token so the pass below recomputes them.
		for i := range g.rows {
			r := &g.rows[i]
			if r.complete || r.forwarded < len(r.tokens) || r.forwarded == 0 {
				continue
			}
			if err := g.state.Truncate(i, r.forwarded-1); err != nil {
				return err
			}
			r.forwarded--
		}
		g.inputsDirty = false
	}

	pending := make([][]int32, g.params.BatchSize)
	need := false
	for i := range g.rows {
		r := &g.rows[i]
		if r.complete {
			continue
		}
		if r.forwarded < len(r.tokens) {
			pending[i] = r.tokens[r.forwarded:]
			need = true
		}
	}
	if need {
		if err := g.forward(pending); err != nil {
			return err
		}
		for i := range g.rows {
			if pending[i] != nil {
				g.rows[i].forwarded = len(g.rows[i].tokens)
			}
		}
	}

	overrideVec, err := g.overrideLogits()
	if err != nil {
		return err
	}

	for i := range g.rows {
		r := &g.rows[i]
		if r.complete {
			continue
		}
		if len(r.tokens) >= g.params.MaxLength {
			// Rewinding to the full length clears the completion flag but
			// leaves no room to grow.
			r.complete = true
			continue
		}
		vec := r.logits
		if overrideVec != nil && r.slot >= 0 {
			off := (i*g.lastWidth + r.slot) * g.vocab
			vec = overrideVec[off : off+g.vocab]
		}
		if len(vec) != g.vocab {
			return fmt.Errorf("engine: row %d has no logits to select from", i)
		}

		var tok int32
		if g.params.DoSample {
			tok = int32(g.sampler.Sample(vec))
		} else {
			tok = int32(logits.Argmax(vec))
		}
		r.tokens = append(r.tokens, tok)
		if tok == g.eos || len(r.tokens) >= g.params.MaxLength {
			r.complete = true
		}
		if trace.StepEnabled() {
			trace.Emit("generate_next_token: row=%d token=%d length=%d complete=%t",
				i, tok, len(r.tokens), r.complete)
		}
	}
	return nil
}

// IsDone reports whether every row has completed.
func (g *Generator) IsDone() bool {
	for i := range g.rows {
		if !g.rows[i].complete {
			return false
		}
	}
	return true
}

// Sequence returns a copy of the row's committed token ids.
func (g *Generator) Sequence(rowIdx int) ([]int32, error) {
	if rowIdx < 0 || rowIdx >= g.params.BatchSize {
		return nil, fmt.Errorf("%w: row %d outside batch of %d", ErrRange, rowIdx, g.params.BatchSize)
	}
	return append([]int32(nil), g.rows[rowIdx].tokens...), nil
}

// Output returns a named tensor from the most recent forward pass, the
// prompt-processing pass included. Overrides installed with SetOutput
// shadow the produced tensor. References go stale at the next
// AppendTokens, Step, rewind, or Close.
func (g *Generator) Output(name string) (*tensor.Tensor, error) {
	if g.overrides != nil && g.overrides.Contains(name) {
		return g.overrides.Get(name)
	}
	if g.outputs == nil {
		return nil, fmt.Errorf("%w: output %q (no forward pass has run)", tensor.ErrNotFound, name)
	}
	return g.outputs.Get(name)
}

// SetOutput overwrites the working copy of a named output for the current
// step only. Last write wins; the next forward pass discards overrides.
// A "logits" override must keep the produced tensor's element count.
func (g *Generator) SetOutput(name string, t *tensor.Tensor) error {
	if name == "logits" && g.outputs != nil && g.outputs.Contains(name) {
		cur, err := g.outputs.Get(name)
		if err != nil {
			return err
		}
		if t.NumElements() != cur.NumElements() {
			return fmt.Errorf("%w: logits override has %d elements, step produced %d",
				ErrConfig, t.NumElements(), cur.NumElements())
		}
	}
	if g.overrides == nil {
		g.overrides = tensor.NewNamed()
	}
	g.overrides.Set(name, t)
	return nil
}

// RewindTo truncates every row to length n. See RewindRows.
func (g *Generator) RewindTo(n int) error {
	lengths := make([]int, g.params.BatchSize)
	for i := range lengths {
		lengths[i] = n
	}
	return g.RewindRows(lengths)
}

// RewindRows truncates each row's sequence to the given length and rewinds
// its backend cache to match, clearing completion flags so generation can
// resume. Targets outside [0, current length] fail with ErrRange before
// anything changes. The continuation afterwards is identical to never
// having generated the discarded suffix.
func (g *Generator) RewindRows(lengths []int) error {
	if g.closed {
		return fmt.Errorf("engine: generator is closed")
	}
	if len(lengths) != g.params.BatchSize {
		return fmt.Errorf("%w: rewound %d rows in a batch of %d", ErrConfig, len(lengths), g.params.BatchSize)
	}
	for i, n := range lengths {
		if n < 0 || n > len(g.rows[i].tokens) {
			return fmt.Errorf("%w: rewind target %d outside [0, %d] for row %d",
				ErrRange, n, len(g.rows[i].tokens), i)
		}
	}

	for i, n := range lengths {
		r := &g.rows[i]
		r.tokens = r.tokens[:n]
		// Keep the last surviving token unforwarded so the next pass
		// regenerates its logits.
		fwd := n - 1
		if fwd < 0 {
			fwd = 0
		}
		if fwd < r.forwarded {
			if err := g.state.Truncate(i, fwd); err != nil {
				return err
			}
			r.forwarded = fwd
		} else if r.forwarded > n {
			// Unreachable given fwd >= n-1, kept as a guard.
			r.forwarded = n
		}
		r.complete = false
		r.logits = nil
		r.slot = -1
	}
	g.outputs = nil
	g.overrides = nil
	return nil
}

// SetActiveAdapter activates a loaded adapter for this generator. Deltas
// take effect at the next forward pass; stacked adapters targeting the
// same weight sum. An adapter whose target is not a graph input surfaces
// as ErrMissingInput at the next AppendTokens or Step.
func (g *Generator) SetActiveAdapter(reg *adapter.Registry, name string) error {
	a, err := reg.Get(name)
	if err != nil {
		return err
	}
	if g.adapters == nil {
		g.adapters = make(map[string]*adapter.Adapter)
	}
	g.adapters[name] = a
	g.inputsDirty = true
	return nil
}

// ClearActiveAdapter deactivates a previously activated adapter.
func (g *Generator) ClearActiveAdapter(name string) error {
	if _, ok := g.adapters[name]; !ok {
		return fmt.Errorf("%w: adapter %q is not active", adapter.ErrNotFound, name)
	}
	delete(g.adapters, name)
	g.inputsDirty = true
	return nil
}

// Close releases the backend cache. The generator is unusable afterwards.
func (g *Generator) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	g.outputs = nil
	g.overrides = nil
	return g.state.Close()
}

// validateInputs checks that every required graph input has a source
// (engine-fed, preset, or adapter delta) and that every active adapter
// targets an input the graph accepts.
func (g *Generator) validateInputs() error {
	accepted := make(map[string]bool)
	for _, in := range g.m.GraphInputs() {
		accepted[in.Name] = true
	}

	targets := make(map[string]bool)
	for _, name := range g.activeNames() {
		for _, t := range g.adapters[name].Targets() {
			if !accepted[t] {
				return fmt.Errorf("%w: %s (adapter %q targets an input the graph does not accept)",
					ErrMissingInput, t, name)
			}
			targets[t] = true
		}
	}

	for _, in := range g.m.GraphInputs() {
		if !in.Required || model.IsEngineInput(in.Name) {
			continue
		}
		if g.params.presets.Contains(in.Name) || targets[in.Name] {
			continue
		}
		return fmt.Errorf("%w: %s", ErrMissingInput, in.Name)
	}
	return nil
}

// forward runs one backend step over the pending tokens. On success it
// replaces the outputs, drops overrides, and refreshes each forwarded
// row's logits snapshot; on failure nothing observable changes.
func (g *Generator) forward(pending [][]int32) error {
	width := 0
	for _, p := range pending {
		if len(p) > width {
			width = len(p)
		}
	}
	if width == 0 {
		return nil
	}

	batch := g.params.BatchSize
	b := &model.Batch{
		Width:     width,
		Tokens:    make([]int32, batch*width),
		Counts:    make([]int, batch),
		Positions: make([]int, batch),
		Options:   g.params.Extra,
	}
	for i := range b.Tokens {
		b.Tokens[i] = g.pad
	}
	for i, p := range pending {
		copy(b.Tokens[i*width:], p)
		b.Counts[i] = len(p)
		b.Positions[i] = g.rows[i].forwarded
	}

	inputs, err := g.stepInputs()
	if err != nil {
		return err
	}
	b.Inputs = inputs

	out, err := g.state.Step(b)
	if err != nil {
		return err
	}

	logitsT, err := out.Get("logits")
	if err != nil {
		return fmt.Errorf("engine: backend step produced no logits: %w", err)
	}
	vals, err := logitsT.Float32s()
	if err != nil {
		return err
	}
	if len(vals) != batch*width*g.vocab {
		return fmt.Errorf("engine: backend logits have %d elements, want %d",
			len(vals), batch*width*g.vocab)
	}

	g.outputs = out
	g.overrides = nil
	g.lastWidth = width
	for i := range g.rows {
		r := &g.rows[i]
		if len(pending[i]) == 0 {
			r.slot = -1
			continue
		}
		r.slot = len(pending[i]) - 1
		off := (i*width + r.slot) * g.vocab
		r.logits = append(r.logits[:0], vals[off:off+g.vocab]...)
	}
	return nil
}

// stepInputs assembles the extra graph inputs for a forward pass: preset
// constants first, then the active adapters' deltas summed per target in
// float32. Activation order does not matter.
func (g *Generator) stepInputs() (*tensor.Named, error) {
	inputs := tensor.NewNamed()
	for _, name := range g.params.presets.Keys() {
		t, err := g.params.presets.Get(name)
		if err != nil {
			return nil, err
		}
		inputs.Set(name, t)
	}

	type acc struct {
		vals  []float32
		shape []int
	}
	sums := make(map[string]*acc)
	order := make([]string, 0, len(g.adapters))

	for _, name := range g.activeNames() {
		a := g.adapters[name]
		for _, target := range a.Targets() {
			dt, err := a.Deltas.Get(target)
			if err != nil {
				return nil, err
			}
			vals, err := dt.ToFloat32s()
			if err != nil {
				return nil, fmt.Errorf("engine: adapter %q delta %q: %w", name, target, err)
			}
			s, ok := sums[target]
			if !ok {
				s = &acc{vals: append([]float32(nil), vals...), shape: dt.Shape()}
				sums[target] = s
				order = append(order, target)
				continue
			}
			if len(vals) != len(s.vals) {
				return nil, fmt.Errorf("%w: adapter %q delta %q has %d elements, stacked deltas have %d",
					ErrConfig, name, target, len(vals), len(s.vals))
			}
			for i, v := range vals {
				s.vals[i] += v
			}
		}
	}

	for _, target := range order {
		s := sums[target]
		t, err := tensor.New(tensor.DTypeF32, s.shape...)
		if err != nil {
			return nil, err
		}
		dst, err := t.Float32s()
		if err != nil {
			return nil, err
		}
		copy(dst, s.vals)
		inputs.Set(target, t)
	}
	return inputs, nil
}

// overrideLogits returns the installed logits override as a flat slice,
// or nil when none is set.
func (g *Generator) overrideLogits() ([]float32, error) {
	if g.overrides == nil || !g.overrides.Contains("logits") {
		return nil, nil
	}
	t, err := g.overrides.Get("logits")
	if err != nil {
		return nil, err
	}
	return t.ToFloat32s()
}

// activeNames returns the active adapter names in sorted order so delta
// accumulation and error reporting are stable.
func (g *Generator) activeNames() []string {
	names := make([]string, 0, len(g.adapters))
	for name := range g.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
