package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/kalambet/agentq/internal/jobs"
)

const (
	SubjectJobEvents = "agentq.jobs.events"
	SubjectJobSubmit = "agentq.jobs.submit"
	submitQueue      = "agentq-submit"
)

// Publisher sends a JSON message on a subject.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Events publishes job lifecycle events.
type Events struct {
	pub     Publisher
	subject string
}

// NewEvents creates an event publisher on SubjectJobEvents.
func NewEvents(pub Publisher) *Events {
	return &Events{pub: pub, subject: SubjectJobEvents}
}

func (e *Events) PublishJobEvent(_ context.Context, ev jobs.Event) error {
	return e.pub.PublishJSON(e.subject, ev)
}

// SubmitReply answers a submission received over NATS.
type SubmitReply struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandleSubmit decodes a jobs.Request and enqueues it.
func HandleSubmit(ctx context.Context, sub *jobs.Submitter, data []byte) SubmitReply {
	var req jobs.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return SubmitReply{Error: "invalid JSON: " + err.Error()}
	}
	job, err := sub.Submit(ctx, req, jobs.SourceNATS)
	if err != nil {
		if !errors.Is(err, jobs.ErrValidation) {
			slog.Error("enqueueing nats submission", "error", err)
		}
		return SubmitReply{Error: err.Error()}
	}
	return SubmitReply{ID: job.ID, Status: "queued"}
}

// ServeSubmit accepts job requests on SubjectJobSubmit until the
// subscription is drained.
func (c *Client) ServeSubmit(sub *jobs.Submitter) (*nats.Subscription, error) {
	return c.QueueSubscribeJSON(SubjectJobSubmit, submitQueue, func(ctx context.Context, data []byte) any {
		return HandleSubmit(ctx, sub, data)
	})
}
