package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/agentq/internal/jobs"
	"github.com/kalambet/agentq/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Submitter: &jobs.Submitter{Store: store, DefaultModel: "llama3.2"},
		Jobs:      store,
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_SubmitJob(t *testing.T) {
	deps, store := newTestMCPDeps(t)

	result, err := mcpSubmitJob(deps)(context.Background(), makeCallToolRequest("submit_job", map[string]interface{}{
		"type":   "research",
		"prompt": "latest Go release",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	id := strings.TrimPrefix(toolText(t, result), "Queued job ")
	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%q): %v", id, err)
	}
	if job.Source != jobs.SourceMCP || job.Type != jobs.TypeResearch {
		t.Errorf("job = %+v", job)
	}
}

func TestMCPTool_SubmitJob_Invalid(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	tests := []map[string]interface{}{
		{"prompt": "no type"},
		{"type": "chat"},
		{"type": "dance", "prompt": "x"},
	}
	for _, args := range tests {
		result, err := mcpSubmitJob(deps)(context.Background(), makeCallToolRequest("submit_job", args))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Errorf("args %v: expected tool error", args)
		}
	}
}

func TestMCPTool_GetJob(t *testing.T) {
	deps, store := newTestMCPDeps(t)

	result, _ := mcpGetJob(deps)(context.Background(), makeCallToolRequest("get_job", map[string]interface{}{"id": "missing"}))
	if !result.IsError || toolText(t, result) != "job not found" {
		t.Errorf("missing job result = %+v", result)
	}

	job, _ := jobs.New(jobs.Request{Type: "chat", Prompt: "hi"}, jobs.SourceCLI, "llama3.2")
	store.Enqueue(context.Background(), job)

	result, _ = mcpGetJob(deps)(context.Background(), makeCallToolRequest("get_job", map[string]interface{}{"id": job.ID}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var got jobs.Job
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != job.ID || got.State != jobs.StatePending {
		t.Errorf("job = %+v", got)
	}
}

func TestMCPTool_ListJobs(t *testing.T) {
	deps, store := newTestMCPDeps(t)

	result, _ := mcpListJobs(deps)(context.Background(), makeCallToolRequest("list_jobs", nil))
	if toolText(t, result) != "[]" {
		t.Errorf("empty list = %q", toolText(t, result))
	}

	for range 3 {
		job, _ := jobs.New(jobs.Request{Type: "generic", Prompt: strings.Repeat("x", 300)}, jobs.SourceCLI, "llama3.2")
		store.Enqueue(context.Background(), job)
	}

	result, _ = mcpListJobs(deps)(context.Background(), makeCallToolRequest("list_jobs", map[string]interface{}{"limit": 2}))
	var list []jobSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d jobs, want 2", len(list))
	}
	if !strings.HasSuffix(list[0].Prompt, "...") || len([]rune(list[0].Prompt)) != 203 {
		t.Errorf("prompt not truncated: %d runes", len([]rune(list[0].Prompt)))
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	job, _ := jobs.New(jobs.Request{Type: "chat", Prompt: "hi"}, jobs.SourceCLI, "llama3.2")
	store.Enqueue(context.Background(), job)

	contents, err := mcpResourceRecent(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "jobs://recent"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "jobs://recent" || !strings.Contains(tc.Text, job.ID) {
		t.Errorf("resource = %+v", tc)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
