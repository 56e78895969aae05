package api

// GenerateRequest is the body of POST /v1/generate. Prompts are token id
// rows; the row count fixes the batch size for the run.
type GenerateRequest struct {
	Prompts     [][]int32 `json:"prompts"`
	MaxLength   int       `json:"max_length,omitempty"`
	DoSample    bool      `json:"do_sample,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	TopK        int       `json:"top_k,omitempty"`
	TopP        float32   `json:"top_p,omitempty"`
	Seed        int64     `json:"seed,omitempty"`

	// Adapters names registry entries to activate for this run.
	Adapters []string `json:"adapters,omitempty"`

	// Options passes provider-specific settings through to the backend.
	Options map[string]any `json:"options,omitempty"`
}

// GenerateResponse carries the completed sequences, prompt included.
type GenerateResponse struct {
	ID        string    `json:"id"`
	Model     string    `json:"model,omitempty"`
	Sequences [][]int32 `json:"sequences"`
	Usage     Usage     `json:"usage"`
}

// Usage summarizes one generation run.
type Usage struct {
	PromptTokens    int `json:"prompt_tokens"`
	GeneratedTokens int `json:"generated_tokens"`
	Steps           int `json:"steps"`
}

// ResponseError is the error payload wrapper.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Device string `json:"device"`
	Model  string `json:"model,omitempty"`
}
