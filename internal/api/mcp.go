package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/agentq/internal/jobs"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Submitter *jobs.Submitter
	Jobs      jobs.Store
}

// NewMCPServer creates an MCP server exposing the job queue as tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"agentq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("agentq runs tasks asynchronously on a local model. Submit a job, then poll it until it completes."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("submit_job",
			mcp.WithDescription("Queue a task for asynchronous execution and return its job id."),
			mcp.WithString("type", mcp.Description("Job type"), mcp.Required(), mcp.Enum("chat", "code", "research", "file", "generic")),
			mcp.WithString("prompt", mcp.Description("The task text"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Model to run the job on (default: local model)")),
			mcp.WithString("save_to", mcp.Description("For code jobs: workspace-relative path to save the result")),
		),
		mcpSubmitJob(deps),
	)

	s.AddTool(
		mcp.NewTool("get_job",
			mcp.WithDescription("Return a job with its status, result or error."),
			mcp.WithString("id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpGetJob(deps),
	)

	s.AddTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List recent jobs, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 10, max 100)")),
		),
		mcpListJobs(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"jobs://recent",
			"Recent Jobs",
			mcp.WithResourceDescription("Last 10 jobs with status (prompts truncated)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSubmitJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		typ, err := req.RequireString("type")
		if err != nil {
			return mcpError("type is required"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		job, err := deps.Submitter.Submit(ctx, jobs.Request{
			Type:   typ,
			Prompt: prompt,
			Model:  req.GetString("model", ""),
			SaveTo: req.GetString("save_to", ""),
		}, jobs.SourceMCP)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to submit job: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued job %s", job.ID)), nil
	}
}

func mcpGetJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		job, err := deps.Jobs.Get(ctx, id)
		if errors.Is(err, jobs.ErrNotFound) {
			return mcpError("job not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}

		b, err := json.Marshal(job)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		list, err := deps.Jobs.List(ctx, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list jobs: %v", err)), nil
		}
		if len(list) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(summarize(list))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal jobs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

type jobSummary struct {
	ID        string     `json:"id"`
	Type      jobs.Type  `json:"type"`
	State     jobs.State `json:"status"`
	CreatedAt string     `json:"created_at"`
	Prompt    string     `json:"prompt"`
}

func summarize(list []jobs.Job) []jobSummary {
	out := make([]jobSummary, len(list))
	for i, j := range list {
		prompt := j.Prompt
		if utf8.RuneCountInString(prompt) > 200 {
			runes := []rune(prompt)
			prompt = string(runes[:200]) + "..."
		}
		out[i] = jobSummary{
			ID:        j.ID,
			Type:      j.Type,
			State:     j.State,
			CreatedAt: j.CreatedAt.Format(time.RFC3339),
			Prompt:    prompt,
		}
	}
	return out
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Jobs.List(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}

		b, err := json.Marshal(summarize(list))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
