package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/agentq/internal/jobs"
)

var _ jobs.Store = (*Store)(nil)

const jobColumns = `id, type, prompt, model, priority, source, chat_id, save_to, state, result, error,
	meta_json, created_at, claimed_at, claimed_by, completed_at, failed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		j                                          jobs.Job
		typ, state, metaJSON                       string
		createdAt, claimedAt, completedAt, failedAt string
	)
	if err := row.Scan(&j.ID, &typ, &j.Prompt, &j.Model, &j.Priority, &j.Source, &j.ChatID, &j.SaveTo,
		&state, &j.Result, &j.Error, &metaJSON, &createdAt, &claimedAt, &j.ClaimedBy, &completedAt, &failedAt); err != nil {
		return nil, err
	}
	j.Type = jobs.Type(typ)
	j.State = jobs.State(state)

	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &j.Meta); err != nil {
			return nil, fmt.Errorf("parsing meta for job %s: %w", j.ID, err)
		}
	}

	var err error
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.ClaimedAt, err = parseTime(claimedAt); err != nil {
		return nil, fmt.Errorf("parsing claimed_at for job %s: %w", j.ID, err)
	}
	if j.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at for job %s: %w", j.ID, err)
	}
	if j.FailedAt, err = parseTime(failedAt); err != nil {
		return nil, fmt.Errorf("parsing failed_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func encodeMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Store) Enqueue(ctx context.Context, job *jobs.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Priority == "" {
		job.Priority = jobs.PriorityNormal
	}
	job.State = jobs.StatePending

	meta, err := encodeMeta(job.Meta)
	if err != nil {
		return "", &jobs.StorageError{Op: "encode", ID: job.ID, Err: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, prompt, model, priority, source, chat_id, save_to, state, meta_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		job.ID, string(job.Type), job.Prompt, job.Model, job.Priority, job.Source, job.ChatID, job.SaveTo,
		meta, formatTime(job.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", fmt.Errorf("%w: %s", jobs.ErrDuplicateID, job.ID)
		}
		return "", &jobs.StorageError{Op: "enqueue", ID: job.ID, Err: err}
	}
	return job.ID, nil
}

// Claim moves the oldest pending job to processing in one statement, so
// two processes can never select the same row.
func (s *Store) Claim(ctx context.Context, runnerID string) (*jobs.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs SET state = 'processing', claimed_at = ?, claimed_by = ?
		WHERE id = (SELECT id FROM jobs WHERE state = 'pending' ORDER BY created_at ASC, id ASC LIMIT 1)
		  AND state = 'pending'
		RETURNING `+jobColumns,
		formatTime(time.Now()), runnerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &jobs.StorageError{Op: "claim", Err: err}
	}
	return job, nil
}

func (s *Store) Complete(ctx context.Context, id, result string, meta map[string]string) error {
	return s.finish(ctx, id, jobs.StateCompleted, result, "", meta)
}

func (s *Store) Fail(ctx context.Context, id, errMsg string, meta map[string]string) error {
	return s.finish(ctx, id, jobs.StateFailed, "", errMsg, meta)
}

func (s *Store) finish(ctx context.Context, id string, target jobs.State, result, errMsg string, meta map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &jobs.StorageError{Op: string(target), ID: id, Err: err}
	}
	defer tx.Rollback()

	var metaJSON string
	err = tx.QueryRowContext(ctx, `SELECT meta_json FROM jobs WHERE id = ? AND state = 'processing'`, id).Scan(&metaJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s is not processing", jobs.ErrNotFound, id)
	}
	if err != nil {
		return &jobs.StorageError{Op: string(target), ID: id, Err: err}
	}

	merged := map[string]string{}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &merged)
	}
	for k, v := range meta {
		merged[k] = v
	}
	encoded, err := encodeMeta(merged)
	if err != nil {
		return &jobs.StorageError{Op: "encode", ID: id, Err: err}
	}

	now := formatTime(time.Now())
	var res sql.Result
	if target == jobs.StateCompleted {
		res, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state = 'completed', result = ?, meta_json = ?, completed_at = ? WHERE id = ? AND state = 'processing'`,
			result, encoded, now, id)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state = 'failed', error = ?, meta_json = ?, failed_at = ? WHERE id = ? AND state = 'processing'`,
			errMsg, encoded, now, id)
	}
	if err != nil {
		return &jobs.StorageError{Op: string(target), ID: id, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &jobs.StorageError{Op: string(target), ID: id, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not processing", jobs.ErrNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return &jobs.StorageError{Op: string(target), ID: id, Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return nil, &jobs.StorageError{Op: "get", ID: id, Err: err}
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &jobs.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, &jobs.StorageError{Op: "list", Err: err}
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, &jobs.StorageError{Op: "list", Err: err}
	}
	return out, nil
}

func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `UPDATE jobs SET state = 'pending', claimed_at = '', claimed_by = '' WHERE state = 'processing'`
	var args []any
	if olderThan > 0 {
		query += ` AND claimed_at <= ?`
		args = append(args, formatTime(time.Now().Add(-olderThan)))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &jobs.StorageError{Op: "requeue", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &jobs.StorageError{Op: "requeue", Err: err}
	}
	return int(n), nil
}

// CountByState reports how many jobs sit in each area.
func (s *Store) CountByState(ctx context.Context) (map[jobs.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, &jobs.StorageError{Op: "count", Err: err}
	}
	defer rows.Close()

	counts := make(map[jobs.State]int, len(jobs.States))
	for _, st := range jobs.States {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, &jobs.StorageError{Op: "count", Err: err}
		}
		counts[jobs.State(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, &jobs.StorageError{Op: "count", Err: err}
	}
	return counts, nil
}
