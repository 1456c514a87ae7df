package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/agentq/internal/engine"
	"github.com/kalambet/agentq/internal/jobs"
	"github.com/kalambet/agentq/internal/search"
	"github.com/kalambet/agentq/internal/storage"
)

type fakeEngine struct {
	mu      sync.Mutex
	calls   int
	models  []string
	prompts []string
	chats   [][]engine.Message
	reply   func(call int, prompt string) (string, error)
}

func (f *fakeEngine) record(model, prompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.models = append(f.models, model)
	f.prompts = append(f.prompts, prompt)
	reply := f.reply
	f.mu.Unlock()
	if reply == nil {
		return "answer: " + prompt, nil
	}
	return reply(call, prompt)
}

func (f *fakeEngine) Generate(_ context.Context, model, prompt string) (string, error) {
	return f.record(model, prompt)
}

func (f *fakeEngine) Chat(_ context.Context, model string, msgs []engine.Message) (string, error) {
	f.mu.Lock()
	f.chats = append(f.chats, msgs)
	f.mu.Unlock()
	return f.record(model, msgs[len(msgs)-1].Content)
}

type fakeSearch struct {
	resp search.Response
}

func (f fakeSearch) Search(_ context.Context, query string, _ int) search.Response {
	r := f.resp
	r.Query = query
	return r
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordingSink) Notify(_ context.Context, destination, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, destination+"|"+message)
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	states []jobs.State
}

func (e *recordingEvents) PublishJobEvent(_ context.Context, ev jobs.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, ev.State)
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOptions(t *testing.T) Options {
	return Options{
		ID:        "runner-test",
		Backoff:   time.Millisecond,
		Policy:    ModelPolicy{LocalDefault: "llama3.2"},
		Workspace: t.TempDir(),
	}
}

func enqueue(t *testing.T, s jobs.Store, req jobs.Request) *jobs.Job {
	t.Helper()
	job, err := jobs.New(req, jobs.SourceCLI, "llama3.2")
	if err != nil {
		t.Fatalf("jobs.New: %v", err)
	}
	if _, err := s.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func runOnce(t *testing.T, r *Runner) {
	t.Helper()
	done, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce found no job")
	}
}

func mustGet(t *testing.T, s jobs.Store, id string) *jobs.Job {
	t.Helper()
	job, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return job
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	r := New(Deps{Store: openTestStore(t), Engine: &fakeEngine{}}, testOptions(t))
	done, err := r.RunOnce(context.Background())
	if err != nil || done {
		t.Errorf("RunOnce = %v, %v; want false, nil", done, err)
	}
}

func TestRunOnce_ChatCompletes(t *testing.T) {
	store := openTestStore(t)
	eng := &fakeEngine{}
	sink := &recordingSink{}
	events := &recordingEvents{}
	r := New(Deps{Store: store, Engine: eng, Memory: store, Notifier: sink, Events: events}, testOptions(t))

	job := enqueue(t, store, jobs.Request{Type: "chat", Prompt: "hello", ChatID: "42"})
	runOnce(t, r)

	got := mustGet(t, store, job.ID)
	if got.State != jobs.StateCompleted {
		t.Fatalf("State = %q, want completed", got.State)
	}
	if got.Result != "answer: hello" {
		t.Errorf("Result = %q", got.Result)
	}
	if got.Meta[jobs.MetaModelUsed] != "llama3.2" || got.Meta[jobs.MetaAttempts] != "1" {
		t.Errorf("Meta = %v", got.Meta)
	}

	turns, err := store.RecentTurns(context.Background(), "42", 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "hello" || turns[1].Content != "answer: hello" {
		t.Errorf("turns = %+v", turns)
	}

	if len(sink.msgs) != 1 || !strings.HasPrefix(sink.msgs[0], "42|✅ *Job completed*") {
		t.Errorf("notifications = %q", sink.msgs)
	}
	want := []jobs.State{jobs.StateProcessing, jobs.StateCompleted}
	if len(events.states) != 2 || events.states[0] != want[0] || events.states[1] != want[1] {
		t.Errorf("events = %v, want %v", events.states, want)
	}
}

func TestRunOnce_ChatUsesHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.AppendTurns(ctx,
		storage.Turn{ChatID: "42", Role: "user", Content: "my name is Sam"},
		storage.Turn{ChatID: "42", Role: "assistant", Content: "hi Sam"},
	); err != nil {
		t.Fatal(err)
	}
	eng := &fakeEngine{}
	r := New(Deps{Store: store, Engine: eng, Memory: store}, testOptions(t))

	enqueue(t, store, jobs.Request{Type: "chat", Prompt: "what is my name?", ChatID: "42"})
	runOnce(t, r)

	if len(eng.chats) != 1 {
		t.Fatalf("chat calls = %d", len(eng.chats))
	}
	msgs := eng.chats[0]
	if len(msgs) != 4 || msgs[0].Role != "system" || msgs[1].Content != "my name is Sam" || msgs[3].Content != "what is my name?" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestRunOnce_TransportFailureFailsJob(t *testing.T) {
	store := openTestStore(t)
	eng := &fakeEngine{reply: func(int, string) (string, error) {
		return "", &engine.TransportError{Backend: "ollama", Err: errors.New("dial tcp 127.0.0.1:11434: connect: connection refused")}
	}}
	sink := &recordingSink{}
	r := New(Deps{Store: store, Engine: eng, Notifier: sink}, testOptions(t))

	job := enqueue(t, store, jobs.Request{Type: "generic", Prompt: "hi"})
	runOnce(t, r)

	got := mustGet(t, store, job.ID)
	if got.State != jobs.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if !strings.Contains(got.Error, "connection refused") {
		t.Errorf("Error = %q, want the transport cause", got.Error)
	}
	if eng.calls != 3 || got.Meta[jobs.MetaAttempts] != "3" {
		t.Errorf("calls = %d, attempts meta = %q; want 3", eng.calls, got.Meta[jobs.MetaAttempts])
	}
	if len(sink.msgs) != 1 || !strings.Contains(sink.msgs[0], "❌ *Job failed*") {
		t.Errorf("notifications = %q", sink.msgs)
	}
}

func TestRunOnce_RetriesThenSucceeds(t *testing.T) {
	store := openTestStore(t)
	eng := &fakeEngine{reply: func(call int, prompt string) (string, error) {
		if call == 1 {
			return "", &engine.TransportError{Backend: "ollama", Err: context.DeadlineExceeded}
		}
		return "ok", nil
	}}
	r := New(Deps{Store: store, Engine: eng}, testOptions(t))

	job := enqueue(t, store, jobs.Request{Type: "generic", Prompt: "hi"})
	runOnce(t, r)

	got := mustGet(t, store, job.ID)
	if got.State != jobs.StateCompleted || got.Meta[jobs.MetaAttempts] != "2" {
		t.Errorf("job = %s attempts=%s", got.State, got.Meta[jobs.MetaAttempts])
	}
}

func TestRunOnce_NonTransportErrorNotRetried(t *testing.T) {
	store := openTestStore(t)
	eng := &fakeEngine{reply: func(int, string) (string, error) {
		return "", errors.New(`generate: unexpected status 404: model "nope" not found`)
	}}
	r := New(Deps{Store: store, Engine: eng}, testOptions(t))

	job := enqueue(t, store, jobs.Request{Type: "generic", Prompt: "hi", Model: "nope"})
	runOnce(t, r)

	got := mustGet(t, store, job.ID)
	if got.State != jobs.StateFailed || eng.calls != 1 {
		t.Errorf("State = %s, calls = %d; want failed after 1 call", got.State, eng.calls)
	}
	if got.Error != `generate: unexpected status 404: model "nope" not found` {
		t.Errorf("Error = %q, want verbatim", got.Error)
	}
}

func TestRunOnce_FailureDoesNotStopNextJob(t *testing.T) {
	store := openTestStore(t)
	eng := &fakeEngine{reply: func(call int, prompt string) (string, error) {
		if prompt == "bad" {
			return "", errors.New("boom")
		}
		return "fine", nil
	}}
	r := New(Deps{Store: store, Engine: eng}, testOptions(t))

	first := enqueue(t, store, jobs.Request{Type: "generic", Prompt: "bad"})
	time.Sleep(time.Millisecond)
	second := enqueue(t, store, jobs.Request{Type: "generic", Prompt: "good"})
	runOnce(t, r)
	runOnce(t, r)

	if s := mustGet(t, store, first.ID).State; s != jobs.StateFailed {
		t.Errorf("first = %s, want failed", s)
	}
	if s := mustGet(t, store, second.ID).State; s != jobs.StateCompleted {
		t.Errorf("second = %s, want completed", s)
	}
}

// lockedStore fails the first terminal writes the way SQLite does when
// another process holds the write lock.
type lockedStore struct {
	*storage.Store
	mu       sync.Mutex
	failures int
	writes   int
}

func (s *lockedStore) locked(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writes <= s.failures {
		return &jobs.StorageError{Op: "completed", ID: id, Err: errors.New("database is locked (5) (SQLITE_BUSY)")}
	}
	return nil
}

func (s *lockedStore) Complete(ctx context.Context, id, result string, meta map[string]string) error {
	if err := s.locked(id); err != nil {
		return err
	}
	return s.Store.Complete(ctx, id, result, meta)
}

func (s *lockedStore) Fail(ctx context.Context, id, errMsg string, meta map[string]string) error {
	if err := s.locked(id); err != nil {
		return err
	}
	return s.Store.Fail(ctx, id, errMsg, meta)
}

func TestRunOnce_RetriesBusyComplete(t *testing.T) {
	store := &lockedStore{Store: openTestStore(t), failures: 2}
	r := New(Deps{Store: store, Engine: &fakeEngine{}}, testOptions(t))

	job := enqueue(t, store, jobs.Request{Type: "generic", Prompt: "hi"})
	runOnce(t, r)

	got := mustGet(t, store, job.ID)
	if got.State != jobs.StateCompleted || got.Result != "answer: hi" {
		t.Fatalf("job = %s result=%q, want completed with result kept", got.State, got.Result)
	}
	if store.writes != 3 {
		t.Errorf("writes = %d, want 3", store.writes)
	}
}

func TestRunOnce_RetriesBusyFail(t *testing.T) {
	store := &lockedStore{Store: openTestStore(t), failures: 1}
	eng := &fakeEngine{reply: func(int, string) (string, error) { return "", errors.New("boom") }}
	r := New(Deps{Store: store, Engine: eng}, testOptions(t))

	job := enqueue(t, store, jobs.Request{Type: "generic", Prompt: "hi"})
	runOnce(t, r)

	if got := mustGet(t, store, job.ID); got.State != jobs.StateFailed || got.Error != "boom" {
		t.Fatalf("job = %s error=%q, want failed", got.State, got.Error)
	}
}

func TestRunOnce_BusyCompleteGivesUp(t *testing.T) {
	store := &lockedStore{Store: openTestStore(t), failures: 100}
	r := New(Deps{Store: store, Engine: &fakeEngine{}}, testOptions(t))

	enqueue(t, store, jobs.Request{Type: "generic", Prompt: "hi"})
	done, err := r.RunOnce(context.Background())
	if !done || err == nil {
		t.Fatalf("RunOnce = %v, %v; want done with error", done, err)
	}
	var se *jobs.StorageError
	if !errors.As(err, &se) {
		t.Errorf("error %v does not carry *jobs.StorageError", err)
	}
	if store.writes != storeAttempts {
		t.Errorf("writes = %d, want %d", store.writes, storeAttempts)
	}
}

func TestProcess_PaidModelRewritten(t *testing.T) {
	eng := &fakeEngine{}
	r := New(Deps{Store: openTestStore(t), Engine: eng}, testOptions(t))

	job := &jobs.Job{ID: "j1", Type: jobs.TypeGeneric, Prompt: "hi", Model: "claude-3-opus"}
	_, meta, err := r.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if eng.models[0] != "llama3.2" {
		t.Errorf("invoked model = %q, want local default", eng.models[0])
	}
	if meta[jobs.MetaModelRequested] != "claude-3-opus" || meta[jobs.MetaModelUsed] != "llama3.2" || meta[jobs.MetaModelRewritten] != "true" {
		t.Errorf("meta = %v", meta)
	}
}

func TestProcess_PaidModelAllowed(t *testing.T) {
	eng := &fakeEngine{}
	opts := testOptions(t)
	opts.Policy.AllowPaid = true
	r := New(Deps{Store: openTestStore(t), Engine: eng}, opts)

	_, meta, err := r.Process(context.Background(), &jobs.Job{ID: "j1", Type: jobs.TypeGeneric, Prompt: "hi", Model: "anthropic/claude-sonnet-4"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if eng.models[0] != "anthropic/claude-sonnet-4" {
		t.Errorf("invoked model = %q", eng.models[0])
	}
	if _, ok := meta[jobs.MetaModelRewritten]; ok {
		t.Errorf("meta marks rewrite: %v", meta)
	}
}

func TestProcess_ResearchWithoutResults(t *testing.T) {
	eng := &fakeEngine{}
	src := fakeSearch{resp: search.Response{Notice: `No web results found for: "zzqx"`}}
	r := New(Deps{Store: openTestStore(t), Engine: eng, Search: src}, testOptions(t))

	_, meta, err := r.Process(context.Background(), &jobs.Job{ID: "j1", Type: jobs.TypeResearch, Prompt: "zzqx"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	prompt := eng.prompts[0]
	if !strings.Contains(prompt, "No web results found") || !strings.Contains(prompt, "zzqx") {
		t.Errorf("synthesis prompt = %q", prompt)
	}
	if meta[jobs.MetaSearchResults] != "0" {
		t.Errorf("meta = %v", meta)
	}
}

func TestProcess_ResearchEmbedsSnippets(t *testing.T) {
	eng := &fakeEngine{}
	src := fakeSearch{resp: search.Response{Results: []search.Result{{Title: "T", URL: "https://a.example", Snippet: "snippet one"}}}}
	r := New(Deps{Store: openTestStore(t), Engine: eng, Search: src}, testOptions(t))

	if _, _, err := r.Process(context.Background(), &jobs.Job{ID: "j1", Type: jobs.TypeResearch, Prompt: "q"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(eng.prompts[0], "snippet one") || !strings.Contains(eng.prompts[0], "https://a.example") {
		t.Errorf("synthesis prompt = %q", eng.prompts[0])
	}
}

func TestProcess_CodeSavedInWorkspace(t *testing.T) {
	eng := &fakeEngine{reply: func(int, string) (string, error) { return "package main", nil }}
	opts := testOptions(t)
	r := New(Deps{Store: openTestStore(t), Engine: eng}, opts)

	_, meta, err := r.Process(context.Background(), &jobs.Job{ID: "j1", Type: jobs.TypeCode, Prompt: "hello world", SaveTo: "out/main.go"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.HasPrefix(eng.prompts[0], "Write code for: hello world") {
		t.Errorf("prompt = %q", eng.prompts[0])
	}
	data, err := os.ReadFile(filepath.Join(opts.Workspace, "out", "main.go"))
	if err != nil {
		t.Fatalf("reading saved file: %v", err)
	}
	if string(data) != "package main" {
		t.Errorf("saved = %q", data)
	}
	if meta[jobs.MetaSavedTo] != filepath.Join("out", "main.go") {
		t.Errorf("meta = %v", meta)
	}
}

func TestProcess_PathTraversalRejected(t *testing.T) {
	tests := []struct {
		name string
		job  *jobs.Job
	}{
		{"code parent", &jobs.Job{ID: "a", Type: jobs.TypeCode, Prompt: "x", SaveTo: "../escape.go"}},
		{"code absolute", &jobs.Job{ID: "b", Type: jobs.TypeCode, Prompt: "x", SaveTo: "/etc/cron.d/x"}},
		{"file parent", &jobs.Job{ID: "c", Type: jobs.TypeFile, Prompt: "../../etc/passwd summarize"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			r := New(Deps{Store: openTestStore(t), Engine: eng}, testOptions(t))

			_, _, err := r.Process(context.Background(), tt.job)
			var pe *PathError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *PathError", err)
			}
			if eng.calls != 0 {
				t.Errorf("model called %d times for rejected path", eng.calls)
			}
		})
	}
}

func TestProcess_FileJob(t *testing.T) {
	eng := &fakeEngine{}
	opts := testOptions(t)
	if err := os.WriteFile(filepath.Join(opts.Workspace, "notes.txt"), []byte("buy milk"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := New(Deps{Store: openTestStore(t), Engine: eng}, opts)

	if _, _, err := r.Process(context.Background(), &jobs.Job{ID: "j1", Type: jobs.TypeFile, Prompt: "notes.txt list the tasks"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	prompt := eng.prompts[0]
	if !strings.Contains(prompt, "[File: notes.txt]\nbuy milk") || !strings.HasSuffix(prompt, "list the tasks") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestProcess_FileMissing(t *testing.T) {
	r := New(Deps{Store: openTestStore(t), Engine: &fakeEngine{}}, testOptions(t))
	if _, _, err := r.Process(context.Background(), &jobs.Job{ID: "j1", Type: jobs.TypeFile, Prompt: "missing.txt"}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRun_RecoversStaleClaim(t *testing.T) {
	store := openTestStore(t)
	job := enqueue(t, store, jobs.Request{Type: "generic", Prompt: "orphan"})
	if _, err := store.Claim(context.Background(), "crashed-runner"); err != nil {
		t.Fatal(err)
	}

	r := New(Deps{Store: store, Engine: &fakeEngine{}}, testOptions(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if mustGet(t, store, job.ID).State == jobs.StateCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if got := mustGet(t, store, job.ID); got.State != jobs.StateCompleted || got.ClaimedBy != "runner-test" {
		t.Errorf("job = %s claimed by %q", got.State, got.ClaimedBy)
	}
}

func TestRun_ShutdownFinishesInFlightJob(t *testing.T) {
	store := openTestStore(t)
	started := make(chan struct{})
	release := make(chan struct{})
	eng := &fakeEngine{reply: func(int, string) (string, error) {
		close(started)
		<-release
		return "finished", nil
	}}
	r := New(Deps{Store: store, Engine: eng}, testOptions(t))
	job := enqueue(t, store, jobs.Request{Type: "generic", Prompt: "slow"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	<-started
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done

	if got := mustGet(t, store, job.ID); got.State != jobs.StateCompleted {
		t.Errorf("State = %s, want completed", got.State)
	}
}
