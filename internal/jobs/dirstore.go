package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const tmpDir = ".tmp"

// DirStore keeps each job as <root>/<state>/<id>.json. A pending job is
// claimed by renaming it into processing, so exactly one caller wins even
// across processes sharing the directory. Transitions to a terminal area
// write the new copy before deleting the old one; when both exist the newer
// area is authoritative and the stale copy is removed on the next read or
// recovery sweep.
type DirStore struct {
	root string
	mu   sync.Mutex
	now  func() time.Time

	claimed func(id string) // runs after the claim rename; nil outside tests
}

// OpenDirStore creates the area directories under root if needed.
func OpenDirStore(root string) (*DirStore, error) {
	for _, st := range States {
		if err := os.MkdirAll(filepath.Join(root, string(st)), 0o755); err != nil {
			return nil, &StorageError{Op: "init", Err: err}
		}
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDir), 0o755); err != nil {
		return nil, &StorageError{Op: "init", Err: err}
	}
	return &DirStore{root: root, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *DirStore) path(st State, id string) string {
	return filepath.Join(s.root, string(st), id+".json")
}

// validID rejects ids that could escape the area directory.
func validID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func (s *DirStore) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if !validID(job.ID) {
		return "", fmt.Errorf("%w: id %q", ErrValidation, job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	job.State = StatePending

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range States {
		if _, err := os.Stat(s.path(st, job.ID)); err == nil {
			return "", fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
		}
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", &StorageError{Op: "encode", ID: job.ID, Err: err}
	}
	tmp, err := s.writeTemp(job.ID, data)
	if err != nil {
		return "", &StorageError{Op: "enqueue", ID: job.ID, Err: err}
	}
	defer os.Remove(tmp)

	// Link never replaces an existing file, unlike rename.
	if err := os.Link(tmp, s.path(StatePending, job.ID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
		}
		return "", &StorageError{Op: "enqueue", ID: job.ID, Err: err}
	}
	return job.ID, nil
}

type candidate struct {
	id        string
	createdAt time.Time
}

func (s *DirStore) Claim(ctx context.Context, runnerID string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.readArea(StatePending)
	if err != nil {
		return nil, err
	}
	cands := make([]candidate, 0, len(pending))
	for _, j := range pending {
		cands = append(cands, candidate{id: j.ID, createdAt: j.CreatedAt})
	}
	sort.Slice(cands, func(a, b int) bool {
		if !cands[a].createdAt.Equal(cands[b].createdAt) {
			return cands[a].createdAt.Before(cands[b].createdAt)
		}
		return cands[a].id < cands[b].id
	})

	for _, c := range cands {
		src, dst := s.path(StatePending, c.id), s.path(StateProcessing, c.id)
		if s.hasTerminal(c.id) {
			// Requeued after it already finished elsewhere.
			os.Remove(src)
			continue
		}
		// Stamp the claim time before the move so a recovery sweep in
		// another process never sees the enqueue time in processing.
		now := s.now()
		if err := os.Chtimes(src, now, now); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, &StorageError{Op: "claim", ID: c.id, Err: err}
		}
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Another runner took it.
				continue
			}
			return nil, &StorageError{Op: "claim", ID: c.id, Err: err}
		}
		if s.claimed != nil {
			s.claimed(c.id)
		}

		job, err := readJob(dst)
		if err != nil {
			return nil, err
		}
		job.State = StateProcessing
		job.ClaimedAt = now
		job.ClaimedBy = runnerID
		if err := s.writeAtomic(dst, job); err != nil {
			return nil, &StorageError{Op: "claim", ID: c.id, Err: err}
		}
		return job, nil
	}
	return nil, nil
}

func (s *DirStore) Complete(ctx context.Context, id, result string, meta map[string]string) error {
	return s.finish(id, StateCompleted, meta, func(j *Job, now time.Time) {
		j.Result = result
		j.Error = ""
		j.CompletedAt = now
	})
}

func (s *DirStore) Fail(ctx context.Context, id, errMsg string, meta map[string]string) error {
	return s.finish(id, StateFailed, meta, func(j *Job, now time.Time) {
		j.Error = errMsg
		j.FailedAt = now
	})
}

func (s *DirStore) finish(id string, target State, meta map[string]string, apply func(*Job, time.Time)) error {
	if !validID(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.path(StateProcessing, id)
	if s.hasTerminal(id) {
		os.Remove(src)
		return fmt.Errorf("%w: %s is not processing", ErrNotFound, id)
	}
	job, err := readJob(src)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s is not processing", ErrNotFound, id)
		}
		return err
	}

	apply(job, s.now())
	job.State = target
	if len(meta) > 0 {
		if job.Meta == nil {
			job.Meta = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			job.Meta[k] = v
		}
	}

	if err := s.writeAtomic(s.path(target, id), job); err != nil {
		return &StorageError{Op: string(target), ID: id, Err: err}
	}
	// A leftover processing copy is harmless: the terminal copy wins.
	os.Remove(src)
	return nil
}

func (s *DirStore) Get(ctx context.Context, id string) (*Job, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for _, st := range []State{StateCompleted, StateFailed, StateProcessing, StatePending} {
		job, err := readJob(s.path(st, id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.normalize(job, st)
		s.cleanupOlder(id, st)
		return job, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *DirStore) List(ctx context.Context, limit int) ([]Job, error) {
	byID := make(map[string]Job)
	for _, st := range States {
		area, err := s.readArea(st)
		if err != nil {
			return nil, err
		}
		for _, j := range area {
			if prev, ok := byID[j.ID]; ok && rank(prev.State) >= rank(st) {
				continue
			}
			s.normalize(j, st)
			byID[j.ID] = *j
		}
	}

	out := make([]Job, 0, len(byID))
	for _, j := range byID {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByState reports how many jobs sit in each area, counting a job
// found in two areas once under the later one.
func (s *DirStore) CountByState(ctx context.Context) (map[State]int, error) {
	all, err := s.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	counts := make(map[State]int, len(States))
	for _, st := range States {
		counts[st] = 0
	}
	for _, j := range all {
		counts[j.State]++
	}
	return counts, nil
}

func (s *DirStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.root, string(StateProcessing)))
	if err != nil {
		return 0, &StorageError{Op: "requeue", Err: err}
	}
	cutoff := s.now().Add(-olderThan)

	moved := 0
	for _, e := range entries {
		id, ok := idFromName(e.Name())
		if !ok {
			continue
		}
		src := s.path(StateProcessing, id)
		if s.hasTerminal(id) {
			os.Remove(src)
			continue
		}
		if olderThan > 0 {
			claimed, err := s.claimedAt(src)
			if err != nil {
				continue
			}
			if claimed.After(cutoff) {
				continue
			}
		}
		// The record keeps its old claim fields; reads from pending clear them.
		if err := os.Rename(src, s.path(StatePending, id)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return moved, &StorageError{Op: "requeue", ID: id, Err: err}
		}
		moved++
	}
	return moved, nil
}

// claimedAt prefers the recorded claim time. A record caught between the
// claim rename and its rewrite has none yet; its mtime was stamped at claim.
func (s *DirStore) claimedAt(path string) (time.Time, error) {
	job, err := readJob(path)
	if err == nil && !job.ClaimedAt.IsZero() {
		return job.ClaimedAt, nil
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		return time.Time{}, statErr
	}
	return info.ModTime(), nil
}

func (s *DirStore) hasTerminal(id string) bool {
	for _, st := range States {
		if !st.Terminal() {
			continue
		}
		if _, err := os.Stat(s.path(st, id)); err == nil {
			return true
		}
	}
	return false
}

// cleanupOlder removes copies of id left in areas that precede st.
func (s *DirStore) cleanupOlder(id string, st State) {
	if rank(st) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, older := range States {
		if rank(older) < rank(st) {
			os.Remove(s.path(older, id))
		}
	}
}

func (s *DirStore) normalize(j *Job, st State) {
	j.State = st
	if st == StatePending {
		j.ClaimedAt = time.Time{}
		j.ClaimedBy = ""
	}
}

func (s *DirStore) readArea(st State) ([]*Job, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(st)))
	if err != nil {
		return nil, &StorageError{Op: "list " + string(st), Err: err}
	}
	out := make([]*Job, 0, len(entries))
	for _, e := range entries {
		id, ok := idFromName(e.Name())
		if !ok {
			continue
		}
		j, err := readJob(s.path(st, id))
		if err != nil {
			// Moved or unreadable; either way not part of this area now.
			continue
		}
		if j.ID == "" {
			j.ID = id
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *DirStore) writeTemp(id string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, tmpDir), id+"-*.json")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *DirStore) writeAtomic(dst string, job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := s.writeTemp(job.ID, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func readJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "read", ID: filepath.Base(path), Err: err}
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, &StorageError{Op: "decode", ID: filepath.Base(path), Err: err}
	}
	return &j, nil
}

func idFromName(name string) (string, bool) {
	id, ok := strings.CutSuffix(name, ".json")
	if !ok || !validID(id) {
		return "", false
	}
	return id, true
}

func rank(st State) int {
	switch {
	case st.Terminal():
		return 2
	case st == StateProcessing:
		return 1
	default:
		return 0
	}
}
