// Package runner claims queued jobs and executes them against the model
// gateway.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/agentq/internal/composer"
	"github.com/kalambet/agentq/internal/engine"
	"github.com/kalambet/agentq/internal/jobs"
	"github.com/kalambet/agentq/internal/notify"
	"github.com/kalambet/agentq/internal/search"
	"github.com/kalambet/agentq/internal/storage"
)

// Memory stores chat history for chat jobs.
type Memory interface {
	RecentTurns(ctx context.Context, chatID string, n int) ([]storage.Turn, error)
	AppendTurns(ctx context.Context, turns ...storage.Turn) error
}

// EventPublisher announces job lifecycle transitions.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, ev jobs.Event) error
}

// Deps are the collaborators of a Runner. Store and Engine are required.
type Deps struct {
	Store    jobs.Store
	Engine   engine.Engine
	Search   search.Provider
	Memory   Memory
	Notifier notify.Sink
	Events   EventPublisher
	Composer *composer.Composer
}

// Options tunes a Runner. Zero values select the defaults.
type Options struct {
	ID           string        // claim owner; random when empty
	Poll         time.Duration // idle sleep between claims, default 500ms
	StaleAfter   time.Duration // processing jobs older than this are requeued; 0 disables the monitor
	ModelTimeout time.Duration // per attempt, default 15s
	MaxAttempts  int           // default 3
	Backoff      time.Duration // first retry delay, doubled each retry, default 500ms
	Policy       ModelPolicy
	Workspace    string // root for save_to and file jobs
	HistoryTurns int    // chat turns injected into chat prompts, default 10
	SearchMax    int    // results fetched for research jobs, default 5
	// OwnerChat receives notifications for jobs without a chat id.
	OwnerChat string
}

// Runner processes jobs from a jobs.Store.
type Runner struct {
	deps   Deps
	opts   Options
	ws     workspace
	logger *slog.Logger
}

// New creates a Runner.
func New(deps Deps, opts Options) *Runner {
	if opts.ID == "" {
		opts.ID = "runner-" + uuid.New().String()[:8]
	}
	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = 15 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 10
	}
	if opts.SearchMax <= 0 {
		opts.SearchMax = 5
	}
	if deps.Composer == nil {
		deps.Composer = composer.New(0)
	}
	return &Runner{
		deps:   deps,
		opts:   opts,
		ws:     workspace{dir: opts.Workspace},
		logger: slog.Default().With("runner", opts.ID),
	}
}

// ID returns the claim owner name of the runner.
func (r *Runner) ID() string {
	return r.opts.ID
}

// Run requeues jobs abandoned by a previous crash, then polls for jobs until
// ctx is cancelled. A job already claimed when ctx is cancelled runs to
// completion before Run returns.
func (r *Runner) Run(ctx context.Context) {
	r.requeueStale(ctx)
	if r.opts.StaleAfter > 0 {
		go r.monitorStale(ctx)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("runner iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.Poll):
		}
	}
}

func (r *Runner) requeueStale(ctx context.Context) {
	n, err := r.deps.Store.RequeueStale(ctx, r.opts.StaleAfter)
	if err != nil {
		r.logger.Error("requeueing stale jobs", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("requeued stale jobs", "count", n)
	}
}

func (r *Runner) monitorStale(ctx context.Context) {
	ticker := time.NewTicker(r.opts.StaleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.requeueStale(ctx)
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.deps.Store.Claim(ctx, r.opts.ID)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// Once claimed, a job is not interrupted by shutdown.
	ctx = context.WithoutCancel(ctx)
	log := r.logger.With("job_id", job.ID, "type", job.Type)
	log.Info("job claimed")
	r.publish(ctx, job, jobs.StateProcessing, "")

	start := time.Now()
	result, meta, err := r.Process(ctx, job)
	if err != nil {
		log.Warn("job failed", "error", err, "duration", time.Since(start))
		failErr := r.record(ctx, job.ID, func() error {
			return r.deps.Store.Fail(ctx, job.ID, err.Error(), meta)
		})
		if failErr != nil {
			return true, fmt.Errorf("failing job %s: %w", job.ID, failErr)
		}
		r.publish(ctx, job, jobs.StateFailed, err.Error())
		notify.Send(ctx, r.deps.Notifier, r.destination(job), notify.StatusMessage(string(jobs.StateFailed), err.Error(), job.ID))
		return true, nil
	}

	err = r.record(ctx, job.ID, func() error {
		return r.deps.Store.Complete(ctx, job.ID, result, meta)
	})
	if err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	log.Info("job completed", "model", meta[jobs.MetaModelUsed], "duration", time.Since(start))
	r.publish(ctx, job, jobs.StateCompleted, "")
	if job.Type == jobs.TypeChat {
		r.remember(ctx, job, result, meta[jobs.MetaModelUsed])
	}
	notify.Send(ctx, r.deps.Notifier, r.destination(job), notify.StatusMessage(string(jobs.StateCompleted), result, job.ID))
	return true, nil
}

// storeAttempts bounds how often a terminal transition is retried after a
// storage failure.
const storeAttempts = 5

// record runs a terminal transition, retrying while the store reports a
// *jobs.StorageError. Any other error, such as the job having left
// processing, is returned at once.
func (r *Runner) record(ctx context.Context, id string, write func() error) error {
	var err error
	for attempt := 1; attempt <= storeAttempts; attempt++ {
		if err = write(); err == nil {
			return nil
		}
		var se *jobs.StorageError
		if !errors.As(err, &se) || attempt == storeAttempts {
			break
		}
		backoff := r.opts.Backoff << (attempt - 1)
		r.logger.Warn("recording job outcome failed, retrying", "job_id", id, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
	}
	return err
}

// Process executes job and returns its result and metadata. The metadata
// is returned on failure too, so the failed record shows which model ran.
func (r *Runner) Process(ctx context.Context, job *jobs.Job) (string, map[string]string, error) {
	model, rewritten := r.opts.Policy.Resolve(job.Model)
	meta := map[string]string{
		jobs.MetaModelRequested: job.Model,
		jobs.MetaModelUsed:      model,
	}
	if rewritten {
		meta[jobs.MetaModelRewritten] = "true"
		r.logger.Warn("paid model not allowed, using local default",
			"job_id", job.ID, "requested", job.Model, "model", model)
	}

	var (
		result string
		err    error
	)
	switch job.Type {
	case jobs.TypeChat:
		result, err = r.handleChat(ctx, job, model, meta)
	case jobs.TypeCode:
		result, err = r.handleCode(ctx, job, model, meta)
	case jobs.TypeResearch:
		result, err = r.handleResearch(ctx, job, model, meta)
	case jobs.TypeFile:
		result, err = r.handleFile(ctx, job, model, meta)
	default:
		result, err = r.generate(ctx, meta, model, job.Prompt)
	}
	return result, meta, err
}

// invoke calls the model with a timeout per attempt, retrying transport
// failures with exponential backoff.
func (r *Runner) invoke(ctx context.Context, meta map[string]string, call func(ctx context.Context) (string, error)) (string, error) {
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.ModelTimeout)
		out, err := call(attemptCtx)
		cancel()
		meta[jobs.MetaAttempts] = strconv.Itoa(attempt)

		if err == nil {
			return out, nil
		}
		if !engine.IsTransport(err) || attempt >= r.opts.MaxAttempts {
			return "", err
		}

		backoff := r.opts.Backoff << (attempt - 1)
		r.logger.Warn("model call failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return "", err
		case <-time.After(backoff):
		}
	}
}

func (r *Runner) generate(ctx context.Context, meta map[string]string, model, prompt string) (string, error) {
	return r.invoke(ctx, meta, func(ctx context.Context) (string, error) {
		return r.deps.Engine.Generate(ctx, model, prompt)
	})
}

func (r *Runner) destination(job *jobs.Job) string {
	if job.ChatID != "" {
		return job.ChatID
	}
	return r.opts.OwnerChat
}

func (r *Runner) publish(ctx context.Context, job *jobs.Job, state jobs.State, errMsg string) {
	if r.deps.Events == nil {
		return
	}
	if err := r.deps.Events.PublishJobEvent(ctx, jobs.EventFor(job, state, errMsg)); err != nil {
		r.logger.Warn("publishing job event", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) remember(ctx context.Context, job *jobs.Job, result, model string) {
	if r.deps.Memory == nil || job.ChatID == "" {
		return
	}
	now := time.Now().UTC()
	err := r.deps.Memory.AppendTurns(ctx,
		storage.Turn{ChatID: job.ChatID, Role: "user", Content: job.Prompt, CreatedAt: now},
		storage.Turn{ChatID: job.ChatID, Role: "assistant", Content: result, Model: model, CreatedAt: now},
	)
	if err != nil {
		r.logger.Warn("saving conversation", "job_id", job.ID, "error", err)
	}
}
