package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/agentq/internal/proxy"
)

// OpenRouterEngine serves paid models through the OpenRouter API.
type OpenRouterEngine struct {
	client *proxy.Client
}

// NewOpenRouterEngine wraps an OpenRouter client.
func NewOpenRouterEngine(client *proxy.Client) *OpenRouterEngine {
	return &OpenRouterEngine{client: client}
}

func (e *OpenRouterEngine) Generate(ctx context.Context, model, prompt string) (string, error) {
	return e.Chat(ctx, model, []Message{{Role: "user", Content: prompt}})
}

func (e *OpenRouterEngine) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	raw, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("encoding messages: %w", err)
	}

	resp, err := e.client.Chat(ctx, proxy.ChatRequest{Model: model, Messages: raw})
	if err != nil {
		var se *proxy.StatusError
		if errors.As(err, &se) && !retryableStatus(se.StatusCode) {
			return "", err
		}
		return "", &TransportError{Backend: "openrouter", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openrouter returned no choices")
	}
	return resp.Content(), nil
}
