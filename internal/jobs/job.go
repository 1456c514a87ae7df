package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Type selects the handler that executes a job.
type Type string

const (
	TypeChat     Type = "chat"
	TypeCode     Type = "code"
	TypeResearch Type = "research"
	TypeFile     Type = "file"
	TypeGeneric  Type = "generic"
)

// State is the lifecycle area a job record lives in.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// States lists every area in lifecycle order.
var States = []State{StatePending, StateProcessing, StateCompleted, StateFailed}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Sources a job can be submitted from.
const (
	SourceHTTP     = "http"
	SourceTelegram = "telegram"
	SourceMCP      = "mcp"
	SourceNATS     = "nats"
	SourceCLI      = "cli"
)

// Meta keys written by the runner.
const (
	MetaModelRequested = "model_requested"
	MetaModelUsed      = "model_used"
	MetaModelRewritten = "model_rewritten"
	MetaSavedTo        = "saved_to"
	MetaAttempts       = "attempts"
	MetaSearchResults  = "search_results"
)

// Job is one unit of asynchronous work. ID, Type, Prompt and CreatedAt never
// change after submission; State is derived from where the store keeps it.
type Job struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	Prompt      string            `json:"prompt"`
	Model       string            `json:"model,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Source      string            `json:"source,omitempty"`
	ChatID      string            `json:"chat_id,omitempty"`
	SaveTo      string            `json:"save_to,omitempty"`
	State       State             `json:"status"`
	Result      string            `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ClaimedAt   time.Time         `json:"claimed_at,omitzero"`
	ClaimedBy   string            `json:"claimed_by,omitempty"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
	FailedAt    time.Time         `json:"failed_at,omitzero"`
}

// Duration reports how long the job took from claim to its terminal state.
func (j *Job) Duration() time.Duration {
	end := j.CompletedAt
	if end.IsZero() {
		end = j.FailedAt
	}
	if end.IsZero() || j.ClaimedAt.IsZero() {
		return 0
	}
	return end.Sub(j.ClaimedAt)
}

// Request is the submission payload shared by every input channel.
type Request struct {
	Type     string `json:"type" validate:"required,oneof=chat code research file generic"`
	Prompt   string `json:"prompt" validate:"required,max=32000"`
	Model    string `json:"model,omitempty" validate:"omitempty,max=200"`
	Priority string `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
	SaveTo   string `json:"save_to,omitempty" validate:"omitempty,max=512"`
	ChatID   string `json:"chat_id,omitempty" validate:"omitempty,max=64"`
}

var validate = validator.New()

// Validate checks the request fields. The returned error wraps ErrValidation.
func (r Request) Validate() error {
	r.Prompt = strings.TrimSpace(r.Prompt)
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, describeField(fe))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func describeField(fe validator.FieldError) string {
	name := strings.ToLower(fe.Field())
	if name == "saveto" {
		name = "save_to"
	} else if name == "chatid" {
		name = "chat_id"
	}
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", name, fe.Param())
	case "max":
		return fmt.Sprintf("%s is too long (max %s)", name, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", name)
	}
}

// New validates req and builds a pending job with a fresh id. An empty model
// falls back to defaultModel.
func New(req Request, source, defaultModel string) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      Type(req.Type),
		Prompt:    req.Prompt,
		Model:     model,
		Priority:  priority,
		Source:    source,
		ChatID:    req.ChatID,
		SaveTo:    req.SaveTo,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}, nil
}
