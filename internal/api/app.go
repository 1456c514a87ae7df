package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kalambet/agentq/internal/feed"
	"github.com/kalambet/agentq/internal/jobs"
	"github.com/kalambet/agentq/internal/notify"
	"github.com/kalambet/agentq/internal/scheduler"
	"github.com/kalambet/agentq/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// FeedService manages feed monitors and subscriptions.
type FeedService interface {
	Monitors(ctx context.Context) ([]scheduler.Monitor, error)
	Subscriptions(ctx context.Context, chatID string) ([]feed.Subscription, error)
	Subscribe(ctx context.Context, chatID, url, name string) (feed.Subscription, error)
	Unsubscribe(ctx context.Context, chatID, id string) (feed.Subscription, error)
	CheckAll(ctx context.Context) ([]scheduler.Result, error)
}

type AppDeps struct {
	Submitter *jobs.Submitter
	Jobs      jobs.Store
	Notifier  notify.Sink // optional; /notify answers 503 without it
	Feeds     FeedService // optional; feed routes answer 503 without it
	OwnerChat string      // default chat for /notify and feed subscriptions
	Token     string
}

type NotifyRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
	JobID   string `json:"job_id" validate:"omitempty,max=64"`
	Status  string `json:"status" validate:"omitempty,max=32"`
	ChatID  string `json:"chat_id" validate:"omitempty,max=64"`
}

type SubscribeRequest struct {
	URL    string `json:"url" validate:"required,http_url"`
	Name   string `json:"name" validate:"omitempty,max=200"`
	ChatID string `json:"chat_id" validate:"omitempty,max=64"`
}

type monitorView struct {
	Key         string   `json:"key"`
	Name        string   `json:"name,omitempty"`
	URL         string   `json:"url"`
	Kind        string   `json:"kind"`
	Mode        string   `json:"mode"`
	Keywords    []string `json:"keywords,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Interval    string   `json:"interval"`
}

var validate = validator.New()

// NewAppHandler returns the job, notification and feed API. Everything but
// /health requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/jobs", handleSubmitJob(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/stats", handleJobStats(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/notify", handleNotify(deps))
		r.Get("/feeds", handleListFeeds(deps))
		r.Post("/feeds", handleSubscribe(deps))
		r.Post("/feeds/check", handleCheckFeeds(deps))
		r.Delete("/feeds/{id}", handleUnsubscribe(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	if err := validate.Struct(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return false
	}
	return true
}

func handleSubmitJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req jobs.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		job, err := deps.Submitter.Submit(r.Context(), req, jobs.SourceHTTP)
		if errors.Is(err, jobs.ErrValidation) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		writeJSON(w, map[string]string{
			"id":     job.ID,
			"status": "queued",
		})
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Jobs.Get(r.Context(), id)
		if errors.Is(err, jobs.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		writeJSON(w, job)
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 10, 100)
		if limit == 0 {
			limit = 10
		}

		list, err := deps.Jobs.List(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		if list == nil {
			list = []jobs.Job{}
		}

		writeJSON(w, list)
	}
}

func handleJobStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Jobs.CountByState(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
			return
		}
		writeJSON(w, counts)
	}
}

func handleNotify(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Notifier == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "notifications are not configured")
			return
		}

		var req NotifyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		dest := req.ChatID
		if dest == "" {
			dest = deps.OwnerChat
		}

		msg := notify.StatusMessage(req.Status, req.Message, req.JobID)
		if err := deps.Notifier.Notify(r.Context(), dest, msg); err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to send notification: %v", err)
			return
		}

		writeJSON(w, map[string]bool{"success": true})
	}
}

func handleListFeeds(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Feeds == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "feeds are not configured")
			return
		}

		monitors, err := deps.Feeds.Monitors(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list monitors: %v", err)
			return
		}
		subs, err := deps.Feeds.Subscriptions(r.Context(), r.URL.Query().Get("chat_id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list subscriptions: %v", err)
			return
		}

		views := make([]monitorView, len(monitors))
		for i, m := range monitors {
			views[i] = monitorView{
				Key:         m.Key,
				Name:        m.Name,
				URL:         m.Source.URL,
				Kind:        string(m.Source.Kind),
				Mode:        string(m.Mode),
				Keywords:    m.Keywords,
				Destination: m.Destination,
				Interval:    m.Interval.String(),
			}
		}
		if subs == nil {
			subs = []feed.Subscription{}
		}

		writeJSON(w, map[string]any{
			"monitors":      views,
			"subscriptions": subs,
		})
	}
}

func handleSubscribe(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Feeds == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "feeds are not configured")
			return
		}

		var req SubscribeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		chatID := req.ChatID
		if chatID == "" {
			chatID = deps.OwnerChat
		}
		if chatID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "chat_id is required")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		sub, err := deps.Feeds.Subscribe(ctx, chatID, req.URL, req.Name)
		switch {
		case errors.Is(err, scheduler.ErrInvalidFeed):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, storage.ErrDuplicate):
			httpError(w, http.StatusConflict, "conflict", "already subscribed to this feed")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to subscribe: %v", err)
			return
		}

		writeJSON(w, sub)
	}
}

func handleUnsubscribe(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Feeds == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "feeds are not configured")
			return
		}

		chatID := r.URL.Query().Get("chat_id")
		if chatID == "" {
			chatID = deps.OwnerChat
		}

		_, err := deps.Feeds.Unsubscribe(r.Context(), chatID, chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "subscription not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to unsubscribe: %v", err)
			return
		}

		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleCheckFeeds(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Feeds == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "feeds are not configured")
			return
		}

		results, err := deps.Feeds.CheckAll(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to check feeds: %v", err)
			return
		}
		if results == nil {
			results = []scheduler.Result{}
		}

		writeJSON(w, results)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
