package engine

import "strings"

// bareVendors maps the prefix of an un-namespaced paid model id to the
// namespace the paid backend files it under.
var bareVendors = []struct{ prefix, vendor string }{
	{"claude", "anthropic"},
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"gemini", "google"},
	{"grok", "x-ai"},
}

// paidVendors are namespaces served by the paid backend. Other namespaced
// ids ("hf.co/...", "user/model") are local Ollama models.
var paidVendors = map[string]bool{
	"anthropic":  true,
	"openai":     true,
	"google":     true,
	"x-ai":       true,
	"meta-llama": true,
	"mistralai":  true,
	"deepseek":   true,
	"cohere":     true,
	"perplexity": true,
	"openrouter": true,
}

// PaidModel reports whether model is served by the paid backend and
// returns the namespaced id that backend expects.
func PaidModel(model string) (string, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return "", false
	}
	if vendor, _, ok := strings.Cut(m, "/"); ok {
		return model, paidVendors[vendor]
	}
	for _, b := range bareVendors {
		if strings.HasPrefix(m, b.prefix) {
			return b.vendor + "/" + model, true
		}
	}
	return "", false
}
