package engine

import (
	"context"
	"errors"

	"github.com/kalambet/agentq/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Backend interface.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Generate(ctx context.Context, model, prompt string) (string, error) {
	out, err := e.client.Generate(ctx, model, prompt)
	return out, e.classify(err)
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	out, err := e.client.Chat(ctx, model, msgs)
	return out, e.classify(err)
}

// classify wraps everything but a definitive client-side rejection
// (unknown model, bad request) in a TransportError.
func (e *OllamaEngine) classify(err error) error {
	if err == nil {
		return nil
	}
	var se *ollama.StatusError
	if errors.As(err, &se) && !retryableStatus(se.StatusCode) {
		return err
	}
	return &TransportError{Backend: "ollama at " + e.client.BaseURL(), Err: err}
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}
