package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/ratchetml/ratchet/internal/tensor"
)

// DescriptionFile is the model-description file inside a model directory.
const DescriptionFile = "description.json"

// WeightRef names one weight-data file in the model directory.
type WeightRef struct {
	Name  string `json:"name"`
	File  string `json:"file"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

// Description is the parsed model-description file.
type Description struct {
	Architecture string `json:"architecture"`
	ModelVersion string `json:"model_version,omitempty"`

	VocabSize  int   `json:"vocab_size"`
	HiddenSize int   `json:"hidden_size"`
	EOSTokenID int32 `json:"eos_token_id"`
	PadTokenID int32 `json:"pad_token_id"`

	// MaxLength is the default per-row capacity when the caller does not
	// override it.
	MaxLength int `json:"max_length"`

	// Seed drives deterministic weight initialisation when a weight file
	// is absent.
	Seed int64 `json:"seed,omitempty"`

	// ExtraInputs declares graph inputs beyond the engine-fed set and the
	// delta-accepting weights, e.g. preset constants a caller must supply.
	ExtraInputs []GraphInput `json:"extra_inputs,omitempty"`

	Weights []WeightRef `json:"weights,omitempty"`
}

func (d *Description) validate() error {
	if d.Architecture == "" {
		return fmt.Errorf("model: description missing architecture")
	}
	if d.VocabSize <= 0 {
		return fmt.Errorf("model: vocab_size must be positive, have %d", d.VocabSize)
	}
	if d.HiddenSize <= 0 {
		return fmt.Errorf("model: hidden_size must be positive, have %d", d.HiddenSize)
	}
	if d.MaxLength <= 0 {
		return fmt.Errorf("model: max_length must be positive, have %d", d.MaxLength)
	}
	// A negative EOS disables end-token completion; rows then run to
	// max_length.
	if int(d.EOSTokenID) >= d.VocabSize {
		return fmt.Errorf("model: eos_token_id %d outside vocab of %d", d.EOSTokenID, d.VocabSize)
	}
	return nil
}

func parseDescription(data []byte) (*Description, error) {
	var d Description
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("model: parse %s: %w", DescriptionFile, err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Weights is the set of loaded weight tensors, keyed by weight name. The
// tensors are borrowed views over their mappings or caller buffers.
type Weights struct {
	Tensors *tensor.Named
	closers []func() error
}

// Get returns the named weight or nil when the directory did not provide it.
func (w *Weights) Get(name string) *tensor.Tensor {
	if w == nil || w.Tensors == nil {
		return nil
	}
	t, err := w.Tensors.Get(name)
	if err != nil {
		return nil
	}
	return t
}

// Close releases every weight mapping.
func (w *Weights) Close() error {
	if w == nil {
		return nil
	}
	var first error
	for _, c := range w.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	w.closers = nil
	return first
}

// ReadDescription loads and validates the description file of a model
// directory.
func ReadDescription(dir string) (*Description, error) {
	data, err := os.ReadFile(filepath.Join(dir, DescriptionFile))
	if err != nil {
		return nil, err
	}
	return parseDescription(data)
}
