package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/agentq/internal/feed"
)

// FeedState loads the dedup state for key. A key never saved yields an
// uninitialized state so the next poll records a baseline.
func (s *Store) FeedState(ctx context.Context, key string) (feed.State, error) {
	var (
		st                   feed.State
		mode, seenJSON, last string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, mode, cursor, seen_json, last_checked_at FROM feed_state WHERE key = ?`, key,
	).Scan(&st.Key, &mode, &st.Cursor, &seenJSON, &last)
	if err == sql.ErrNoRows {
		return feed.State{Key: key}, nil
	}
	if err != nil {
		return feed.State{}, fmt.Errorf("loading feed state %s: %w", key, err)
	}
	st.Mode = feed.Mode(mode)
	st.Initialized = true
	if err := json.Unmarshal([]byte(seenJSON), &st.Seen); err != nil {
		return feed.State{}, fmt.Errorf("parsing seen set for %s: %w", key, err)
	}
	if st.CheckedAt, err = parseTime(last); err != nil {
		return feed.State{}, fmt.Errorf("parsing last_checked_at for %s: %w", key, err)
	}
	return st, nil
}

// SaveFeedState upserts st.
func (s *Store) SaveFeedState(ctx context.Context, st feed.State) error {
	seen := st.Seen
	if seen == nil {
		seen = []string{}
	}
	seenJSON, err := json.Marshal(seen)
	if err != nil {
		return fmt.Errorf("encoding seen set: %w", err)
	}
	checked := st.CheckedAt
	if checked.IsZero() {
		checked = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feed_state (key, mode, cursor, seen_json, last_checked_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET mode = excluded.mode, cursor = excluded.cursor,
			seen_json = excluded.seen_json, last_checked_at = excluded.last_checked_at`,
		st.Key, string(st.Mode), st.Cursor, string(seenJSON), formatTime(checked),
	)
	if err != nil {
		return fmt.Errorf("saving feed state %s: %w", st.Key, err)
	}
	return nil
}

// DeleteFeedState drops the stored state for key.
func (s *Store) DeleteFeedState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feed_state WHERE key = ?`, key)
	return err
}

// AddSubscription stores sub, assigning an id and timestamp when missing.
// Subscribing the same chat to the same URL twice returns ErrDuplicate.
func (s *Store) AddSubscription(ctx context.Context, sub feed.Subscription) (feed.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()[:8]
	}
	if sub.AddedAt.IsZero() {
		sub.AddedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_subscriptions (id, chat_id, url, name, added_at) VALUES (?, ?, ?, ?, ?)`,
		sub.ID, sub.ChatID, sub.URL, sub.Name, formatTime(sub.AddedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return feed.Subscription{}, ErrDuplicate
		}
		return feed.Subscription{}, fmt.Errorf("adding subscription: %w", err)
	}
	return sub, nil
}

// RemoveSubscription deletes the subscription with id owned by chatID, along
// with its feed state. An empty chatID matches any owner.
func (s *Store) RemoveSubscription(ctx context.Context, chatID, id string) (feed.Subscription, error) {
	sub, err := s.getSubscription(ctx, id)
	if err != nil {
		return feed.Subscription{}, err
	}
	if chatID != "" && sub.ChatID != chatID {
		return feed.Subscription{}, ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM feed_subscriptions WHERE id = ?`, id); err != nil {
		return feed.Subscription{}, fmt.Errorf("removing subscription: %w", err)
	}
	if err := s.DeleteFeedState(ctx, sub.StateKey()); err != nil {
		return feed.Subscription{}, fmt.Errorf("removing subscription state: %w", err)
	}
	return sub, nil
}

func (s *Store) getSubscription(ctx context.Context, id string) (feed.Subscription, error) {
	var sub feed.Subscription
	var added string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, url, name, added_at FROM feed_subscriptions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.ChatID, &sub.URL, &sub.Name, &added)
	if err == sql.ErrNoRows {
		return feed.Subscription{}, ErrNotFound
	}
	if err != nil {
		return feed.Subscription{}, err
	}
	if sub.AddedAt, err = parseTime(added); err != nil {
		return feed.Subscription{}, fmt.Errorf("parsing added_at: %w", err)
	}
	return sub, nil
}

// Subscriptions lists subscriptions for chatID, or all of them when chatID is empty.
func (s *Store) Subscriptions(ctx context.Context, chatID string) ([]feed.Subscription, error) {
	query := `SELECT id, chat_id, url, name, added_at FROM feed_subscriptions`
	var args []any
	if chatID != "" {
		query += ` WHERE chat_id = ?`
		args = append(args, chatID)
	}
	query += ` ORDER BY added_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feed.Subscription
	for rows.Next() {
		var sub feed.Subscription
		var added string
		if err := rows.Scan(&sub.ID, &sub.ChatID, &sub.URL, &sub.Name, &added); err != nil {
			return nil, err
		}
		if sub.AddedAt, err = parseTime(added); err != nil {
			return nil, fmt.Errorf("parsing added_at: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
