// Package composer builds the prompts sent to the model for each job type.
package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/agentq/internal/engine"
	"github.com/kalambet/agentq/internal/search"
)

const defaultMaxContextTokens = 4000

// ChatSystemPrompt frames chat jobs.
const ChatSystemPrompt = "You are a helpful personal assistant. Answer concisely."

// Composer assembles prompts within a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// ChatMessages returns system, then as much of history as fits the budget
// (newest turns kept, oldest dropped first), then the new user prompt.
func (c *Composer) ChatMessages(system string, history []engine.Message, prompt string) []engine.Message {
	remaining := c.MaxContextTokens - EstimateTokens(system) - EstimateTokens(prompt)

	start := len(history)
	for start > 0 {
		tokens := EstimateTokens(history[start-1].Content)
		if tokens > remaining {
			break
		}
		remaining -= tokens
		start--
	}

	msgs := make([]engine.Message, 0, len(history)-start+2)
	if system != "" {
		msgs = append(msgs, engine.Message{Role: "system", Content: system})
	}
	msgs = append(msgs, history[start:]...)
	msgs = append(msgs, engine.Message{Role: "user", Content: prompt})
	return msgs
}

// CodePrompt asks for code implementing task.
func CodePrompt(task string) string {
	return fmt.Sprintf("Write code for: %s\n\nRequirements:\n- Include comments\n- Follow best practices\n- Provide usage example", task)
}

// ResearchPrompt embeds the search outcome verbatim ahead of the question.
// With no results the prompt says so, and the model answers from its own
// knowledge.
func ResearchPrompt(question string, resp search.Response) string {
	var sb strings.Builder
	sb.WriteString("You are a research assistant.")
	if len(resp.Results) > 0 {
		sb.WriteString(" Answer the question using the web search results below and cite the URLs you rely on.")
	} else {
		sb.WriteString(" A web search returned no usable results, so answer from your own knowledge and say that no sources were found.")
	}
	sb.WriteString("\n\n[Search Results]\n")
	sb.WriteString(resp.Text())
	sb.WriteString("\n\n[Question]\n")
	sb.WriteString(question)
	return sb.String()
}

// FilePrompt asks the model to work on the contents of a file. Content that
// does not fit the budget is cut and marked as truncated.
func (c *Composer) FilePrompt(name, content, instruction string) string {
	limit := c.MaxContextTokens * 4
	truncated := false
	if len(content) > limit {
		content = content[:limit]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[File: %s]\n", name)
	sb.WriteString(content)
	if truncated {
		sb.WriteString("\n[... truncated]")
	}
	sb.WriteString("\n\n[Task]\n")
	sb.WriteString(instruction)
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
