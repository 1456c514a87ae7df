package jobs

import "time"

// Event reports a lifecycle transition of a job.
type Event struct {
	ID    string    `json:"id"`
	Type  Type      `json:"type"`
	State State     `json:"state"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// EventFor builds the event for job entering state.
func EventFor(job *Job, state State, errMsg string) Event {
	return Event{ID: job.ID, Type: job.Type, State: state, Error: errMsg, At: time.Now().UTC()}
}
