package runner

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kalambet/agentq/internal/composer"
	"github.com/kalambet/agentq/internal/engine"
	"github.com/kalambet/agentq/internal/jobs"
	"github.com/kalambet/agentq/internal/search"
)

func (r *Runner) handleChat(ctx context.Context, job *jobs.Job, model string, meta map[string]string) (string, error) {
	var history []engine.Message
	if r.deps.Memory != nil && job.ChatID != "" {
		turns, err := r.deps.Memory.RecentTurns(ctx, job.ChatID, r.opts.HistoryTurns)
		if err != nil {
			r.logger.Warn("loading conversation", "job_id", job.ID, "error", err)
		}
		for _, t := range turns {
			history = append(history, engine.Message{Role: t.Role, Content: t.Content})
		}
	}

	msgs := r.deps.Composer.ChatMessages(composer.ChatSystemPrompt, history, job.Prompt)
	return r.invoke(ctx, meta, func(ctx context.Context) (string, error) {
		return r.deps.Engine.Chat(ctx, model, msgs)
	})
}

func (r *Runner) handleCode(ctx context.Context, job *jobs.Job, model string, meta map[string]string) (string, error) {
	if job.SaveTo != "" {
		if _, err := checkPath(job.SaveTo); err != nil {
			return "", err
		}
	}

	code, err := r.generate(ctx, meta, model, composer.CodePrompt(job.Prompt))
	if err != nil {
		return "", err
	}

	if job.SaveTo != "" {
		saved, err := r.ws.write(job.SaveTo, code)
		if err != nil {
			return "", fmt.Errorf("saving code: %w", err)
		}
		meta[jobs.MetaSavedTo] = saved
	}
	return code, nil
}

func (r *Runner) handleResearch(ctx context.Context, job *jobs.Job, model string, meta map[string]string) (string, error) {
	resp := search.Response{Query: job.Prompt, Notice: "Web search is not configured."}
	if r.deps.Search != nil {
		resp = r.deps.Search.Search(ctx, job.Prompt, r.opts.SearchMax)
	}
	meta[jobs.MetaSearchResults] = strconv.Itoa(len(resp.Results))
	return r.generate(ctx, meta, model, composer.ResearchPrompt(job.Prompt, resp))
}

func (r *Runner) handleFile(ctx context.Context, job *jobs.Job, model string, meta map[string]string) (string, error) {
	path, instruction := splitFilePrompt(job.Prompt)
	content, err := r.ws.read(path)
	if err != nil {
		return "", err
	}
	return r.generate(ctx, meta, model, r.deps.Composer.FilePrompt(path, content, instruction))
}
