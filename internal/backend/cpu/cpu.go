// Package cpu implements the reference CPU backend: a small deterministic
// recurrent decoder whose logits are a pure function of the visible prefix.
// It exists to execute the generation engine end to end; it is not a real
// language model.
package cpu

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/ratchetml/ratchet/internal/model"
	"github.com/ratchetml/ratchet/internal/tensor"
)

// Arch is the architecture name this backend registers.
const Arch = "recurrent-v1"

// Weight names accepted as adapter delta targets.
const (
	WeightEmbed   = "model.embed.weight"
	WeightOutBias = "model.out.bias"
	weightOut     = "model.out.weight"
)

const hiddenDecay = 0.7

func init() {
	model.RegisterArch(Arch, New)
}

// Model is a loaded recurrent decoder.
type Model struct {
	desc    *model.Description
	weights *model.Weights

	emb  []float32 // [vocab * hidden]
	wout []float32 // [hidden * vocab]
	bias []float32 // [vocab]
}

// New builds the backend from a description and optional weights. Weights
// missing from the directory are initialised deterministically from the
// description seed, so two loads of the same description always agree.
func New(desc *model.Description, weights *model.Weights) (model.Model, error) {
	m := &Model{desc: desc, weights: weights}

	var err error
	if m.emb, err = weightOr(weights, WeightEmbed, desc.VocabSize*desc.HiddenSize, desc.Seed+11); err != nil {
		return nil, err
	}
	if m.wout, err = weightOr(weights, weightOut, desc.HiddenSize*desc.VocabSize, desc.Seed+23); err != nil {
		return nil, err
	}
	if m.bias, err = weightOr(weights, WeightOutBias, desc.VocabSize, desc.Seed+37); err != nil {
		return nil, err
	}
	return m, nil
}

// weightOr decodes the named weight, or fills one from the seed when the
// directory does not carry it.
func weightOr(weights *model.Weights, name string, n int, seed int64) ([]float32, error) {
	if t := weights.Get(name); t != nil {
		vals, err := t.ToFloat32s()
		if err != nil {
			return nil, fmt.Errorf("cpu: weight %q: %w", name, err)
		}
		if len(vals) != n {
			return nil, fmt.Errorf("cpu: weight %q has %d elements, want %d", name, len(vals), n)
		}
		return vals, nil
	}
	out := make([]float32, n)
	rng := rand.New(rand.NewSource(seed))
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * 0.5
	}
	return out, nil
}

func (m *Model) DeviceType() string { return "cpu" }

func (m *Model) Description() *model.Description { return m.desc }

func (m *Model) GraphInputs() []model.GraphInput {
	inputs := []model.GraphInput{
		{Name: "input_ids", Required: true},
		{Name: "position_ids", Required: false},
		{Name: "attention_mask", Required: false},
		{Name: WeightEmbed, Required: false},
		{Name: WeightOutBias, Required: false},
	}
	return append(inputs, m.desc.ExtraInputs...)
}

func (m *Model) Close() error { return m.weights.Close() }

// NewState allocates the per-generator hidden-state arena. The arena is
// indexed by logical position per row, so truncation is a length update.
func (m *Model) NewState(batchSize, capacity int) (model.State, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("cpu: batch size must be positive, have %d", batchSize)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("cpu: capacity must be positive, have %d", capacity)
	}
	return &state{
		m:        m,
		capacity: capacity,
		arena:    make([][][]float32, batchSize),
	}, nil
}

type state struct {
	m        *Model
	capacity int

	// arena[row][pos] is the hidden vector after consuming the token at
	// pos. Truncating a row slices this list.
	arena [][][]float32
}

func (s *state) Len(row int) int {
	if row < 0 || row >= len(s.arena) {
		return 0
	}
	return len(s.arena[row])
}

func (s *state) Truncate(row, length int) error {
	if row < 0 || row >= len(s.arena) {
		return fmt.Errorf("cpu: row %d outside batch of %d", row, len(s.arena))
	}
	if length < 0 || length > len(s.arena[row]) {
		return fmt.Errorf("cpu: truncate length %d outside [0, %d]", length, len(s.arena[row]))
	}
	s.arena[row] = s.arena[row][:length]
	return nil
}

func (s *state) Close() error {
	s.arena = nil
	return nil
}

// Step consumes each row's new tokens and produces "logits" and
// "hidden_states" outputs. All validation happens before any arena
// mutation so a failed step leaves the cache untouched.
func (s *state) Step(b *model.Batch) (*tensor.Named, error) {
	batch := len(s.arena)
	if len(b.Counts) != batch || len(b.Positions) != batch {
		return nil, fmt.Errorf("cpu: batch shape mismatch: counts=%d positions=%d rows=%d",
			len(b.Counts), len(b.Positions), batch)
	}
	if len(b.Tokens) != batch*b.Width {
		return nil, fmt.Errorf("cpu: token buffer has %d entries, want %d", len(b.Tokens), batch*b.Width)
	}

	vocab := s.m.desc.VocabSize
	hidden := s.m.desc.HiddenSize

	for row := 0; row < batch; row++ {
		if b.Counts[row] < 0 || b.Counts[row] > b.Width {
			return nil, fmt.Errorf("cpu: row %d count %d outside step width %d", row, b.Counts[row], b.Width)
		}
		if b.Positions[row] != len(s.arena[row]) {
			return nil, fmt.Errorf("cpu: row %d position %d does not match cache length %d",
				row, b.Positions[row], len(s.arena[row]))
		}
		if len(s.arena[row])+b.Counts[row] > s.capacity {
			return nil, fmt.Errorf("cpu: row %d exceeds cache capacity %d", row, s.capacity)
		}
		for j := 0; j < b.Counts[row]; j++ {
			tok := b.Tokens[row*b.Width+j]
			if tok < 0 || int(tok) >= vocab {
				return nil, fmt.Errorf("cpu: row %d token %d outside vocab of %d", row, tok, vocab)
			}
		}
	}

	embDelta, err := deltaInput(b.Inputs, WeightEmbed, vocab*hidden)
	if err != nil {
		return nil, err
	}
	biasDelta, err := deltaInput(b.Inputs, WeightOutBias, vocab)
	if err != nil {
		return nil, err
	}

	logitsT, err := tensor.New(tensor.DTypeF32, batch, b.Width, vocab)
	if err != nil {
		return nil, err
	}
	hiddenT, err := tensor.New(tensor.DTypeF32, batch, b.Width, hidden)
	if err != nil {
		return nil, err
	}
	logits, _ := logitsT.Float32s()
	hiddens, _ := hiddenT.Float32s()

	for row := 0; row < batch; row++ {
		prev := make([]float32, hidden)
		if n := len(s.arena[row]); n > 0 {
			copy(prev, s.arena[row][n-1])
		}

		for j := 0; j < b.Counts[row]; j++ {
			tok := int(b.Tokens[row*b.Width+j])

			h := make([]float32, hidden)
			for i := 0; i < hidden; i++ {
				e := s.m.emb[tok*hidden+i]
				if embDelta != nil {
					e += embDelta[tok*hidden+i]
				}
				h[i] = float32(math.Tanh(float64(hiddenDecay*prev[i] + e)))
			}
			s.arena[row] = append(s.arena[row], h)
			prev = h

			lrow := logits[(row*b.Width+j)*vocab:]
			for v := 0; v < vocab; v++ {
				var sum float32
				for i := 0; i < hidden; i++ {
					sum += h[i] * s.m.wout[i*vocab+v]
				}
				sum += s.m.bias[v]
				if biasDelta != nil {
					sum += biasDelta[v]
				}
				lrow[v] = sum
			}
			copy(hiddens[(row*b.Width+j)*hidden:], h)
		}
	}

	out := tensor.NewNamed()
	out.Set("logits", logitsT)
	out.Set("hidden_states", hiddenT)
	return out, nil
}

// deltaInput decodes an optional delta tensor from the step inputs.
func deltaInput(inputs *tensor.Named, name string, n int) ([]float32, error) {
	if inputs == nil || !inputs.Contains(name) {
		return nil, nil
	}
	t, err := inputs.Get(name)
	if err != nil {
		return nil, err
	}
	vals, err := t.ToFloat32s()
	if err != nil {
		return nil, fmt.Errorf("cpu: delta %q: %w", name, err)
	}
	if len(vals) != n {
		return nil, fmt.Errorf("cpu: delta %q has %d elements, want %d", name, len(vals), n)
	}
	return vals, nil
}
