package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/kalambet/agentq/internal/feed"
	"github.com/kalambet/agentq/internal/jobs"
	"github.com/kalambet/agentq/internal/jobs/jobstest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	jobstest.Run(t, func(t *testing.T) jobs.Store { return openTestStore(t) })
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("applied migrations = %v, want 3", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_jobs_state_created", "idx_jobs_created", "idx_feed_subscriptions_chat", "idx_conversation_turns_chat"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

// TestStoreSharedFile opens the same database file twice, the way two
// agentq processes would, and runs claim and complete across both.
func TestStoreSharedFile(t *testing.T) {
	jobstest.RunShared(t, func(t *testing.T) (jobs.Store, jobs.Store) {
		dir := t.TempDir()
		a, err := Open(dir)
		if err != nil {
			t.Fatalf("first Open failed: %v", err)
		}
		t.Cleanup(func() { a.Close() })
		b, err := Open(dir)
		if err != nil {
			t.Fatalf("second Open failed: %v", err)
		}
		t.Cleanup(func() { b.Close() })
		return a, b
	})
}

// TestCompleteWaitsForWriter holds the write lock on one handle while the
// other completes a job; the completion must wait, not fail.
func TestCompleteWaitsForWriter(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	ctx := context.Background()

	jobstest.Enqueue(t, a, "job-1", 0)
	job, err := b.Claim(ctx, "r1")
	if err != nil || job == nil {
		t.Fatalf("Claim: %v %v", job, err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET priority = 'high' WHERE id = 'job-1'`); err != nil {
		t.Fatalf("holding write lock: %v", err)
	}
	go func() {
		time.Sleep(200 * time.Millisecond)
		tx.Commit()
	}()

	if err := b.Complete(ctx, job.ID, "ok", nil); err != nil {
		t.Fatalf("Complete while another handle writes: %v", err)
	}
	got, err := a.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != jobs.StateCompleted || got.Result != "ok" {
		t.Errorf("job = %s result=%q, want completed", got.State, got.Result)
	}
}

func TestCompleteMergesMeta(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := &jobs.Job{ID: "m1", Type: jobs.TypeCode, Prompt: "p", Meta: map[string]string{jobs.MetaModelRequested: "gpt-4"}}
	if _, err := s.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Claim(ctx, "r1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Complete(ctx, "m1", "done", map[string]string{jobs.MetaModelUsed: "llama3.2"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := s.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Meta[jobs.MetaModelRequested] != "gpt-4" || got.Meta[jobs.MetaModelUsed] != "llama3.2" {
		t.Errorf("Meta = %v", got.Meta)
	}
}

func TestFeedState_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.FeedState(ctx, "dhs")
	if err != nil {
		t.Fatalf("FeedState: %v", err)
	}
	if st.Initialized || st.Key != "dhs" {
		t.Fatalf("missing key state = %+v, want uninitialized", st)
	}

	checked := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	want := feed.State{Key: "dhs", Mode: feed.ModeCursor, Cursor: "https://example.gov/a", Initialized: true, Seen: []string{}, CheckedAt: checked}
	if err := s.SaveFeedState(ctx, want); err != nil {
		t.Fatalf("SaveFeedState: %v", err)
	}
	got, err := s.FeedState(ctx, "dhs")
	if err != nil {
		t.Fatalf("FeedState: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("state = %+v, want %+v", got, want)
	}

	want.Mode = feed.ModeSeen
	want.Seen = []string{"a", "b"}
	if err := s.SaveFeedState(ctx, want); err != nil {
		t.Fatalf("SaveFeedState overwrite: %v", err)
	}
	got, _ = s.FeedState(ctx, "dhs")
	if !reflect.DeepEqual(got.Seen, []string{"a", "b"}) || got.Mode != feed.ModeSeen {
		t.Errorf("overwrite not applied: %+v", got)
	}
}

func TestSubscriptions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sub, err := s.AddSubscription(ctx, feed.Subscription{ChatID: "42", URL: "https://example.com/rss", Name: "Example"})
	if err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	if sub.ID == "" || sub.AddedAt.IsZero() {
		t.Errorf("id or timestamp not assigned: %+v", sub)
	}

	if _, err := s.AddSubscription(ctx, feed.Subscription{ChatID: "42", URL: "https://example.com/rss"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate add error = %v, want ErrDuplicate", err)
	}
	if _, err := s.AddSubscription(ctx, feed.Subscription{ChatID: "7", URL: "https://example.com/rss"}); err != nil {
		t.Errorf("same url for another chat: %v", err)
	}

	mine, err := s.Subscriptions(ctx, "42")
	if err != nil {
		t.Fatalf("Subscriptions: %v", err)
	}
	if len(mine) != 1 || mine[0].Name != "Example" {
		t.Errorf("Subscriptions(42) = %+v", mine)
	}
	all, _ := s.Subscriptions(ctx, "")
	if len(all) != 2 {
		t.Errorf("Subscriptions(all) = %d, want 2", len(all))
	}

	if err := s.SaveFeedState(ctx, feed.State{Key: sub.StateKey(), Mode: feed.ModeSeen, Initialized: true}); err != nil {
		t.Fatalf("SaveFeedState: %v", err)
	}
	if _, err := s.RemoveSubscription(ctx, "7", sub.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("removing another chat's subscription: %v, want ErrNotFound", err)
	}
	removed, err := s.RemoveSubscription(ctx, "42", sub.ID)
	if err != nil {
		t.Fatalf("RemoveSubscription: %v", err)
	}
	if removed.URL != sub.URL {
		t.Errorf("removed = %+v", removed)
	}
	st, _ := s.FeedState(ctx, sub.StateKey())
	if st.Initialized {
		t.Error("feed state survived unsubscribe")
	}
	if _, err := s.RemoveSubscription(ctx, "42", sub.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove: %v, want ErrNotFound", err)
	}
}

func TestConversationTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := range 6 {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.AppendTurns(ctx, Turn{ChatID: "42", Role: role, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("AppendTurns: %v", err)
		}
	}
	if err := s.AppendTurns(ctx, Turn{ChatID: "other", Role: "user", Content: "x"}); err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}

	recent, err := s.RecentTurns(ctx, "42", 3)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	var got []string
	for _, tr := range recent {
		got = append(got, tr.Content)
	}
	if !reflect.DeepEqual(got, []string{"m3", "m4", "m5"}) {
		t.Errorf("RecentTurns = %v, want [m3 m4 m5]", got)
	}

	if err := s.ClearTurns(ctx, "42"); err != nil {
		t.Fatalf("ClearTurns: %v", err)
	}
	recent, _ = s.RecentTurns(ctx, "42", 10)
	if len(recent) != 0 {
		t.Errorf("turns after clear = %d", len(recent))
	}
	other, _ := s.RecentTurns(ctx, "other", 10)
	if len(other) != 1 {
		t.Errorf("other chat lost history: %d", len(other))
	}
}

func TestConversationTurns_Trimmed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := make([]Turn, MaxTurnsPerChat+5)
	for i := range batch {
		batch[i] = Turn{ChatID: "42", Role: "user", Content: fmt.Sprintf("m%d", i)}
	}
	if err := s.AppendTurns(ctx, batch...); err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM conversation_turns WHERE chat_id = '42'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != MaxTurnsPerChat {
		t.Errorf("stored %d turns, want %d", n, MaxTurnsPerChat)
	}
	recent, _ := s.RecentTurns(ctx, "42", 1)
	if len(recent) != 1 || recent[0].Content != fmt.Sprintf("m%d", MaxTurnsPerChat+4) {
		t.Errorf("newest turn = %+v", recent)
	}
}
