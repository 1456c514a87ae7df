package jobs

import (
	"context"
	"time"
)

// Store persists job records across the four lifecycle areas. Implementations
// must make Claim atomic: concurrent callers never receive the same job.
type Store interface {
	// Enqueue stores job in the pending area and returns its id. A missing id
	// or creation time is filled in.
	Enqueue(ctx context.Context, job *Job) (string, error)

	// Claim moves the oldest pending job (createdAt, then id) to processing.
	// It returns nil, nil when nothing is pending.
	Claim(ctx context.Context, runnerID string) (*Job, error)

	// Complete moves a processing job to completed with its result.
	// It returns ErrNotFound unless the job is currently processing.
	Complete(ctx context.Context, id, result string, meta map[string]string) error

	// Fail moves a processing job to failed with a verbatim error message.
	// It returns ErrNotFound unless the job is currently processing.
	Fail(ctx context.Context, id, errMsg string, meta map[string]string) error

	// Get returns the job from whichever area holds it.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns up to limit jobs across all areas, newest first.
	List(ctx context.Context, limit int) ([]Job, error)

	// RequeueStale moves processing jobs claimed at least olderThan ago back
	// to pending and reports how many moved. Zero requeues every processing job.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)

	// CountByState reports how many jobs are in each area. Every state is
	// present in the result, zero or not.
	CountByState(ctx context.Context) (map[State]int, error)
}
