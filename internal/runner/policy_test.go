package runner

import "testing"

func TestModelPolicy_Resolve(t *testing.T) {
	tests := []struct {
		name      string
		policy    ModelPolicy
		requested string
		want      string
		rewritten bool
	}{
		{"empty uses default", ModelPolicy{LocalDefault: "llama3.2"}, "", "llama3.2", false},
		{"local kept", ModelPolicy{LocalDefault: "llama3.2"}, "qwen2.5-coder", "qwen2.5-coder", false},
		{"claude rewritten", ModelPolicy{LocalDefault: "llama3.2"}, "claude-3-opus", "llama3.2", true},
		{"gpt rewritten", ModelPolicy{LocalDefault: "llama3.2"}, "GPT-4o", "llama3.2", true},
		{"namespaced rewritten", ModelPolicy{LocalDefault: "llama3.2"}, "meta-llama/llama-3-70b", "llama3.2", true},
		{"paid allowed", ModelPolicy{LocalDefault: "llama3.2", AllowPaid: true}, "claude-3-opus", "claude-3-opus", false},
		{"bare paid allowed", ModelPolicy{LocalDefault: "llama3.2", AllowPaid: true}, "gpt-4o", "gpt-4o", false},
		{"hugging face model kept", ModelPolicy{LocalDefault: "llama3.2"}, "hf.co/bartowski/Llama-3.2-1B-Instruct-GGUF", "hf.co/bartowski/Llama-3.2-1B-Instruct-GGUF", false},
		{"user namespace kept", ModelPolicy{LocalDefault: "llama3.2"}, "someuser/tinymodel", "someuser/tinymodel", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rewritten := tt.policy.Resolve(tt.requested)
			if got != tt.want || rewritten != tt.rewritten {
				t.Errorf("Resolve(%q) = %q, %v; want %q, %v", tt.requested, got, rewritten, tt.want, tt.rewritten)
			}
		})
	}
}

func TestSplitFilePrompt(t *testing.T) {
	tests := []struct {
		prompt, path, instruction string
	}{
		{"report.pdf", "report.pdf", "Summarize this file."},
		{"  notes.txt   list the tasks ", "notes.txt", "list the tasks"},
		{"docs/a.md\nwhat changed?", "docs/a.md", "what changed?"},
	}
	for _, tt := range tests {
		path, instruction := splitFilePrompt(tt.prompt)
		if path != tt.path || instruction != tt.instruction {
			t.Errorf("splitFilePrompt(%q) = %q, %q; want %q, %q", tt.prompt, path, instruction, tt.path, tt.instruction)
		}
	}
}
