package storage

import (
	"context"
	"fmt"
	"time"
)

// MaxTurnsPerChat bounds how much conversation history is kept per chat.
const MaxTurnsPerChat = 1000

// Turn is one message of a chat conversation.
type Turn struct {
	ChatID    string
	Role      string // "user" or "assistant"
	Content   string
	Model     string
	CreatedAt time.Time
}

// AppendTurns stores turns in order and trims the chat to MaxTurnsPerChat.
func (s *Store) AppendTurns(ctx context.Context, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	chats := make(map[string]bool)
	for _, t := range turns {
		created := t.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_turns (chat_id, role, content, model, created_at) VALUES (?, ?, ?, ?, ?)`,
			t.ChatID, t.Role, t.Content, t.Model, formatTime(created),
		); err != nil {
			return fmt.Errorf("inserting turn: %w", err)
		}
		chats[t.ChatID] = true
	}

	for chatID := range chats {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM conversation_turns WHERE chat_id = ? AND seq NOT IN (
				SELECT seq FROM conversation_turns WHERE chat_id = ? ORDER BY seq DESC LIMIT ?
			)`, chatID, chatID, MaxTurnsPerChat,
		); err != nil {
			return fmt.Errorf("trimming history: %w", err)
		}
	}
	return tx.Commit()
}

// RecentTurns returns the last n turns of chatID in chronological order.
func (s *Store) RecentTurns(ctx context.Context, chatID string, n int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, role, content, model, created_at FROM (
			SELECT seq, chat_id, role, content, model, created_at FROM conversation_turns
			WHERE chat_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, chatID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var created string
		if err := rows.Scan(&t.ChatID, &t.Role, &t.Content, &t.Model, &created); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClearTurns forgets the conversation history of chatID.
func (s *Store) ClearTurns(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE chat_id = ?`, chatID)
	return err
}
