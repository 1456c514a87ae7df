// Package jobstest holds the behavioural suite every jobs.Store must pass.
package jobstest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/agentq/internal/jobs"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) jobs.Store

// PairFactory returns two independent handles on the same empty backing
// store, standing in for two processes.
type PairFactory func(t *testing.T) (jobs.Store, jobs.Store)

// Run executes the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EnqueueThenGetPending", func(t *testing.T) { testEnqueueGet(t, newStore(t)) })
	t.Run("EnqueueDuplicateID", func(t *testing.T) { testDuplicate(t, newStore(t)) })
	t.Run("ClaimEmpty", func(t *testing.T) { testClaimEmpty(t, newStore(t)) })
	t.Run("ClaimFIFO", func(t *testing.T) { testClaimFIFO(t, newStore(t)) })
	t.Run("CompleteLifecycle", func(t *testing.T) { testComplete(t, newStore(t)) })
	t.Run("FailKeepsMessage", func(t *testing.T) { testFail(t, newStore(t)) })
	t.Run("TransitionRequiresProcessing", func(t *testing.T) { testTransitionRequiresProcessing(t, newStore(t)) })
	t.Run("ConcurrentClaimAtMostOnce", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("RequeueStale", func(t *testing.T) { testRequeueStale(t, newStore(t)) })
	t.Run("RequeueRespectsAge", func(t *testing.T) { testRequeueRespectsAge(t, newStore(t)) })
	t.Run("ListNewestFirst", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("CountByState", func(t *testing.T) { testCountByState(t, newStore(t)) })
}

// RunShared executes the cases that need two handles on one store.
func RunShared(t *testing.T, newPair PairFactory) {
	t.Run("ClaimCompleteAcrossHandles", func(t *testing.T) {
		a, b := newPair(t)
		testClaimCompleteAcrossHandles(t, a, b)
	})
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Enqueue stores a job with a fixed id and creation offset from a shared base time.
func Enqueue(t *testing.T, s jobs.Store, id string, offset time.Duration) {
	t.Helper()
	job := &jobs.Job{
		ID:        id,
		Type:      jobs.TypeChat,
		Prompt:    "prompt for " + id,
		Model:     "llama3.2",
		CreatedAt: base.Add(offset),
	}
	if _, err := s.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue(%s): %v", id, err)
	}
}

func mustClaim(t *testing.T, s jobs.Store) *jobs.Job {
	t.Helper()
	job, err := s.Claim(context.Background(), "runner-test")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job == nil {
		t.Fatal("Claim returned nil, want a job")
	}
	return job
}

func stateOf(t *testing.T, s jobs.Store, id string) jobs.State {
	t.Helper()
	job, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return job.State
}

func testEnqueueGet(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	job := &jobs.Job{Type: jobs.TypeChat, Prompt: "hello", Model: "llama3.2"}
	id, err := s.Enqueue(ctx, job)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue returned empty id")
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != jobs.StatePending {
		t.Errorf("State = %q, want pending", got.State)
	}
	if got.Prompt != "hello" {
		t.Errorf("Prompt = %q, want %q", got.Prompt, "hello")
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func testDuplicate(t *testing.T, s jobs.Store) {
	Enqueue(t, s, "dup-1", 0)
	_, err := s.Enqueue(context.Background(), &jobs.Job{ID: "dup-1", Type: jobs.TypeChat, Prompt: "other"})
	if !errors.Is(err, jobs.ErrDuplicateID) {
		t.Fatalf("second Enqueue error = %v, want ErrDuplicateID", err)
	}
	got, err := s.Get(context.Background(), "dup-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Prompt != "prompt for dup-1" {
		t.Errorf("original record overwritten: prompt = %q", got.Prompt)
	}
}

func testClaimEmpty(t *testing.T, s jobs.Store) {
	job, err := s.Claim(context.Background(), "runner-test")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job != nil {
		t.Fatalf("Claim on empty store returned %+v", job)
	}
}

func testClaimFIFO(t *testing.T, s jobs.Store) {
	Enqueue(t, s, "c-late", 2*time.Second)
	Enqueue(t, s, "b-tie", time.Second)
	Enqueue(t, s, "a-tie", time.Second)
	Enqueue(t, s, "z-first", 0)

	want := []string{"z-first", "a-tie", "b-tie", "c-late"}
	for _, id := range want {
		job := mustClaim(t, s)
		if job.ID != id {
			t.Fatalf("claimed %s, want %s", job.ID, id)
		}
		if job.State != jobs.StateProcessing {
			t.Errorf("claimed job State = %q, want processing", job.State)
		}
		if job.ClaimedBy != "runner-test" {
			t.Errorf("ClaimedBy = %q, want runner-test", job.ClaimedBy)
		}
	}
}

func testComplete(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	Enqueue(t, s, "job-1", 0)
	job := mustClaim(t, s)
	if got := stateOf(t, s, job.ID); got != jobs.StateProcessing {
		t.Fatalf("after claim State = %q, want processing", got)
	}

	meta := map[string]string{jobs.MetaModelUsed: "llama3.2"}
	if err := s.Complete(ctx, job.ID, "Hello!", meta); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != jobs.StateCompleted {
		t.Errorf("State = %q, want completed", got.State)
	}
	if got.Result != "Hello!" {
		t.Errorf("Result = %q, want %q", got.Result, "Hello!")
	}
	if got.Meta[jobs.MetaModelUsed] != "llama3.2" {
		t.Errorf("Meta = %v, want model_used", got.Meta)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}

	if err := s.Complete(ctx, job.ID, "again", nil); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("second Complete error = %v, want ErrNotFound", err)
	}
	if next, err := s.Claim(ctx, "runner-test"); err != nil || next != nil {
		t.Errorf("Claim after completion = %v, %v; want nil, nil", next, err)
	}
}

func testFail(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	Enqueue(t, s, "job-f", 0)
	job := mustClaim(t, s)

	msg := "transport: ollama unreachable: dial tcp 127.0.0.1:11434: connection refused"
	if err := s.Fail(ctx, job.ID, msg, nil); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != jobs.StateFailed {
		t.Errorf("State = %q, want failed", got.State)
	}
	if got.Error != msg {
		t.Errorf("Error = %q, want %q", got.Error, msg)
	}
	if err := s.Complete(ctx, job.ID, "late", nil); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("Complete after Fail error = %v, want ErrNotFound", err)
	}
}

func testTransitionRequiresProcessing(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	Enqueue(t, s, "job-p", 0)
	if err := s.Complete(ctx, "job-p", "x", nil); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("Complete on pending error = %v, want ErrNotFound", err)
	}
	if err := s.Fail(ctx, "job-p", "x", nil); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("Fail on pending error = %v, want ErrNotFound", err)
	}
	if err := s.Complete(ctx, "missing", "x", nil); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("Complete on missing error = %v, want ErrNotFound", err)
	}
	if got := stateOf(t, s, "job-p"); got != jobs.StatePending {
		t.Errorf("State = %q, want pending", got)
	}
}

func testConcurrentClaim(t *testing.T, s jobs.Store) {
	const total = 30
	for i := range total {
		Enqueue(t, s, fmt.Sprintf("job-%02d", i), time.Duration(i)*time.Millisecond)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
		errs    = make(chan error, 8)
	)
	for w := range 8 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				job, err := s.Claim(context.Background(), fmt.Sprintf("runner-%d", w))
				if err != nil {
					errs <- err
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Claim: %v", err)
	}

	if len(claimed) != total {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), total)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func testRequeueStale(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	Enqueue(t, s, "job-a", 0)
	Enqueue(t, s, "job-b", time.Second)
	a := mustClaim(t, s)
	b := mustClaim(t, s)
	if err := s.Complete(ctx, b.ID, "done", nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	n, err := s.RequeueStale(ctx, 0)
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d jobs, want 1", n)
	}
	if got := stateOf(t, s, a.ID); got != jobs.StatePending {
		t.Errorf("State = %q, want pending", got)
	}
	if got := stateOf(t, s, b.ID); got != jobs.StateCompleted {
		t.Errorf("completed job State = %q, want completed", got)
	}

	// Exactly once: a second sweep finds nothing.
	if n, err := s.RequeueStale(ctx, 0); err != nil || n != 0 {
		t.Errorf("second RequeueStale = %d, %v; want 0, nil", n, err)
	}

	again := mustClaim(t, s)
	if again.ID != a.ID {
		t.Errorf("reclaimed %s, want %s", again.ID, a.ID)
	}
}

func testRequeueRespectsAge(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	Enqueue(t, s, "job-fresh", 0)
	mustClaim(t, s)

	n, err := s.RequeueStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 0 {
		t.Errorf("requeued %d fresh jobs, want 0", n)
	}
	if got := stateOf(t, s, "job-fresh"); got != jobs.StateProcessing {
		t.Errorf("State = %q, want processing", got)
	}
}

func testList(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	for i := range 5 {
		Enqueue(t, s, fmt.Sprintf("job-%d", i), time.Duration(i)*time.Second)
	}
	job := mustClaim(t, s)
	if err := s.Complete(ctx, job.ID, "ok", nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	list, err := s.List(ctx, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List returned %d jobs, want 3", len(list))
	}
	want := []string{"job-4", "job-3", "job-2"}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("list[%d] = %s, want %s", i, list[i].ID, id)
		}
	}

	all, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("List returned %d jobs, want 5", len(all))
	}
	if last := all[len(all)-1]; last.ID != "job-0" || last.State != jobs.StateCompleted {
		t.Errorf("oldest = %s/%s, want job-0/completed", last.ID, last.State)
	}
}

func testGetMissing(t *testing.T, s jobs.Store) {
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func testCountByState(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	for i := range 4 {
		Enqueue(t, s, fmt.Sprintf("job-%d", i), time.Duration(i)*time.Second)
	}
	done := mustClaim(t, s)
	if err := s.Complete(ctx, done.ID, "ok", nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	failed := mustClaim(t, s)
	if err := s.Fail(ctx, failed.ID, "boom", nil); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	mustClaim(t, s)

	counts, err := s.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	want := map[jobs.State]int{
		jobs.StatePending:    1,
		jobs.StateProcessing: 1,
		jobs.StateCompleted:  1,
		jobs.StateFailed:     1,
	}
	for st, n := range want {
		if counts[st] != n {
			t.Errorf("counts[%s] = %d, want %d (all: %v)", st, counts[st], n, counts)
		}
	}
}

// testClaimCompleteAcrossHandles runs workers on both handles that claim
// and complete every job. Each job must be claimed once and end completed.
func testClaimCompleteAcrossHandles(t *testing.T, a, b jobs.Store) {
	const total = 120
	for i := range total {
		Enqueue(t, a, fmt.Sprintf("job-%03d", i), time.Duration(i)*time.Millisecond)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
		errs    = make(chan error, 8)
	)
	for w := range 8 {
		s := a
		if w%2 == 1 {
			s = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			runner := fmt.Sprintf("runner-%d", w)
			for {
				job, err := s.Claim(ctx, runner)
				if err != nil {
					errs <- fmt.Errorf("%s claim: %w", runner, err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
				if err := s.Complete(ctx, job.ID, "done by "+runner, nil); err != nil {
					errs <- fmt.Errorf("%s complete %s: %w", runner, job.ID, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if len(claimed) != total {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), total)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}

	counts, err := b.CountByState(context.Background())
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts[jobs.StateCompleted] != total || counts[jobs.StateProcessing] != 0 || counts[jobs.StatePending] != 0 {
		t.Errorf("counts = %v, want all %d completed", counts, total)
	}
}
