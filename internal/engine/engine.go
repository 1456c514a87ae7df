package engine

import "context"

// Engine is the text generation gateway used by the job runner. Failures
// to reach a backend are reported as *TransportError so callers can retry
// them; any other error is final.
type Engine interface {
	// Generate runs a single prompt and returns the model's answer.
	Generate(ctx context.Context, model, prompt string) (string, error)

	// Chat sends a conversation and returns the assistant's reply.
	Chat(ctx context.Context, model string, messages []Message) (string, error)
}

// Backend is an Engine whose models are managed locally.
type Backend interface {
	Engine

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
