package jobs

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	job, err := New(Request{Type: "chat", Prompt: "Hi"}, SourceHTTP, "llama3.2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if job.ID == "" {
		t.Error("ID not generated")
	}
	if job.Model != "llama3.2" {
		t.Errorf("Model = %q, want llama3.2", job.Model)
	}
	if job.Priority != PriorityNormal {
		t.Errorf("Priority = %q, want normal", job.Priority)
	}
	if job.State != StatePending {
		t.Errorf("State = %q, want pending", job.State)
	}
	if job.Source != SourceHTTP {
		t.Errorf("Source = %q, want http", job.Source)
	}
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{"missing type", Request{Prompt: "x"}, "type is required"},
		{"missing prompt", Request{Type: "chat"}, "prompt is required"},
		{"blank prompt", Request{Type: "chat", Prompt: "   "}, "prompt is required"},
		{"unknown type", Request{Type: "email", Prompt: "x"}, "type must be one of"},
		{"bad priority", Request{Type: "chat", Prompt: "x", Priority: "urgent"}, "priority must be one of"},
		{"ok", Request{Type: "research", Prompt: "x", Priority: "high"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("error = %v, want ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestJob_Duration(t *testing.T) {
	claimed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	j := Job{ClaimedAt: claimed, FailedAt: claimed.Add(3 * time.Second)}
	if got := j.Duration(); got != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", got)
	}
	if got := (&Job{}).Duration(); got != 0 {
		t.Errorf("Duration of unfinished job = %v, want 0", got)
	}
}
