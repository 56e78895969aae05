// Package api exposes the generation engine over HTTP: POST /v1/generate
// drives a full generation run, GET /healthz reports the loaded model.
package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ratchetml/ratchet/internal/adapter"
	"github.com/ratchetml/ratchet/internal/engine"
	"github.com/ratchetml/ratchet/internal/model"
)

// Service runs generation requests against one loaded model. Generators
// are single-caller, so runs are serialized; adapter loading stays
// concurrent on the registry side.
type Service struct {
	m   model.Model
	reg *adapter.Registry

	mu sync.Mutex
}

func NewService(m model.Model, reg *adapter.Registry) *Service {
	if reg == nil {
		reg = adapter.NewRegistry()
	}
	return &Service{m: m, reg: reg}
}

// Model returns the served model handle.
func (s *Service) Model() model.Model { return s.m }

// Generate drives a generator from the request's prompts to completion and
// returns every row's full sequence. The context is checked between decode
// steps; cancellation abandons the run.
func (s *Service) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if len(req.Prompts) == 0 {
		return nil, newInvalidRequest("prompts must not be empty")
	}
	promptTokens := 0
	for i, row := range req.Prompts {
		if len(row) == 0 {
			return nil, newInvalidRequest(fmt.Sprintf("prompts[%d] is empty", i))
		}
		promptTokens += len(row)
	}

	p := engine.NewParams(s.m)
	p.BatchSize = len(req.Prompts)
	if req.MaxLength > 0 {
		p.MaxLength = req.MaxLength
	}
	p.DoSample = req.DoSample
	if req.Temperature > 0 {
		p.Temperature = req.Temperature
	}
	if req.TopK > 0 {
		p.TopK = req.TopK
	}
	if req.TopP > 0 {
		p.TopP = req.TopP
	}
	if req.Seed != 0 {
		p.Seed = req.Seed
	}
	for name, value := range req.Options {
		if err := p.SetOption(name, value); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := engine.NewGenerator(s.m, p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = g.Close() }()

	for _, name := range req.Adapters {
		if err := g.SetActiveAdapter(s.reg, name); err != nil {
			return nil, err
		}
	}

	if err := g.AppendTokens(req.Prompts); err != nil {
		return nil, err
	}

	steps := 0
	for !g.IsDone() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := g.Step(); err != nil {
			return nil, err
		}
		steps++
	}

	resp := &GenerateResponse{
		ID:        "gen_" + uuid.NewString(),
		Model:     s.modelName(),
		Sequences: make([][]int32, len(req.Prompts)),
		Usage:     Usage{PromptTokens: promptTokens, Steps: steps},
	}
	for i := range req.Prompts {
		seq, err := g.Sequence(i)
		if err != nil {
			return nil, err
		}
		resp.Sequences[i] = seq
		resp.Usage.GeneratedTokens += len(seq) - len(req.Prompts[i])
	}
	return resp, nil
}

func (s *Service) modelName() string {
	desc := s.m.Description()
	if desc.ModelVersion != "" {
		return desc.ModelVersion
	}
	return desc.Architecture
}
