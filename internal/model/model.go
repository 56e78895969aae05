// Package model defines the contract between the generation engine and a
// compiled model backend: single-step batched decoding over an opaque,
// backend-resident cache.
package model

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ratchetml/ratchet/internal/tensor"
)

// GraphInput describes one input of the compiled graph.
type GraphInput struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// Model is a compiled model handle. Implementations are safe for use by
// multiple generators; each generator owns its own State.
type Model interface {
	// DeviceType identifies the execution backend ("cpu", "cuda", ...).
	DeviceType() string

	// GraphInputs enumerates every input the compiled graph accepts,
	// engine-fed inputs included, so callers can validate input sources
	// and report the missing ones by name.
	GraphInputs() []GraphInput

	// Description returns the parsed model description.
	Description() *Description

	// NewState allocates the per-generator decode cache for a fixed batch
	// size and per-row capacity.
	NewState(batchSize, capacity int) (State, error)

	// Close releases weight mappings. Live States must be closed first.
	Close() error
}

// State is the backend-resident generation cache for one generator. The
// logical length per row always equals the number of tokens forwarded for
// that row; Truncate rewinds it.
type State interface {
	// Step runs one atomic forward pass over the batch's newest tokens and
	// returns the step outputs. The collection contains at least "logits"
	// shaped [batch, width, vocab]; backends may add auxiliary outputs.
	// Rows with zero new tokens keep their cache unchanged. On error the
	// cache is left as it was before the call.
	Step(b *Batch) (*tensor.Named, error)

	// Truncate rewinds the row's cache to the given logical length.
	Truncate(row, length int) error

	// Len returns the row's current logical length.
	Len(row int) int

	// Close frees the cache.
	Close() error
}

// Batch carries the inputs for one forward step. Token rows are padded to
// a common width; Counts holds the number of valid new tokens per row.
type Batch struct {
	// Width is the padded step width.
	Width int

	// Tokens is row-major [batch * Width]; slots beyond a row's count hold
	// the pad token.
	Tokens []int32

	// Counts is the number of new tokens per row. Zero means the row only
	// occupies its batch slot this step.
	Counts []int

	// Positions is the cache length per row at the start of the step.
	Positions []int

	// Inputs holds extra named graph inputs: preset constants and summed
	// adapter deltas keyed by target weight name.
	Inputs *tensor.Named

	// Options carries provider-specific generation options the engine
	// passes through without interpreting.
	Options map[string]any
}

// Builder constructs a backend model from a parsed description and its
// weights.
type Builder func(desc *Description, weights *Weights) (Model, error)

var (
	archMu   sync.RWMutex
	archives = make(map[string]Builder)
)

// RegisterArch makes an architecture loadable by name. Backends call this
// from init; Load resolves the description's architecture against it.
func RegisterArch(name string, b Builder) {
	archMu.Lock()
	defer archMu.Unlock()
	if _, ok := archives[name]; ok {
		panic(fmt.Sprintf("model: architecture %q registered twice", name))
	}
	archives[name] = b
}

func builderFor(name string) (Builder, error) {
	archMu.RLock()
	defer archMu.RUnlock()
	b, ok := archives[name]
	if !ok {
		known := make([]string, 0, len(archives))
		for k := range archives {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("model: unknown architecture %q (registered: %v)", name, known)
	}
	return b, nil
}

// Engine-fed inputs: the generator synthesises these every step from its
// own state, so they are always satisfiable.
var engineInputs = map[string]struct{}{
	"input_ids":      {},
	"position_ids":   {},
	"attention_mask": {},
}

// IsEngineInput reports whether the engine itself feeds the named input.
func IsEngineInput(name string) bool {
	_, ok := engineInputs[name]
	return ok
}
