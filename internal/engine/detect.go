package engine

import "github.com/kalambet/agentq/internal/proxy"

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL    string
	OpenRouterAPIKey string
	OpenRouterURL    string // optional override, used in tests
}

// Detect assembles the gateway: Ollama always, plus OpenRouter when an API
// key is configured.
func Detect(cfg DetectConfig) (*Router, error) {
	local := NewOllamaEngine(cfg.OllamaBaseURL)
	if cfg.OpenRouterAPIKey == "" {
		return NewRouter(local, nil), nil
	}
	client := proxy.NewClient(cfg.OpenRouterAPIKey)
	if cfg.OpenRouterURL != "" {
		client = proxy.NewClientWithBaseURL(cfg.OpenRouterAPIKey, cfg.OpenRouterURL)
	}
	return NewRouter(local, NewOpenRouterEngine(client)), nil
}
