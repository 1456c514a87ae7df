package jobs

import "context"

// Submitter is the intake shared by every input channel: it validates a
// request, builds the job and enqueues it.
type Submitter struct {
	Store        Store
	DefaultModel string
	// OnEnqueue, if set, runs after a job is stored.
	OnEnqueue func(ctx context.Context, job *Job)
}

// Submit validates req and enqueues a new pending job from source.
// Validation failures wrap ErrValidation.
func (s *Submitter) Submit(ctx context.Context, req Request, source string) (*Job, error) {
	job, err := New(req, source, s.DefaultModel)
	if err != nil {
		return nil, err
	}
	if _, err := s.Store.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	if s.OnEnqueue != nil {
		s.OnEnqueue(ctx, job)
	}
	return job, nil
}
