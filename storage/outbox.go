package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row targeted by id does not exist.
var ErrNotFound = errors.New("storage: not found")

// Draft is a failed send preserved for retry. Its id is the placeholder id
// of the timeline entry it belongs to, so a successful retry can reconcile
// that entry in place.
type Draft struct {
	DraftID    string
	ChatID     string
	SenderID   string
	ReceiverID string
	Content    string
	CreatedAt  int64 // unix milliseconds
	Attempts   int
}

// SaveDraft inserts a new outbox draft.
func (s *Store) SaveDraft(draft Draft) error {
	if draft.DraftID == "" {
		return errors.New("draft_id is required")
	}
	if draft.ChatID == "" {
		return errors.New("chat_id is required")
	}
	if draft.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if draft.ReceiverID == "" {
		return errors.New("receiver_id is required")
	}
	if draft.Content == "" {
		return errors.New("content is required")
	}
	if draft.CreatedAt == 0 {
		draft.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO outbox (
			draft_id,
			chat_id,
			sender_id,
			receiver_id,
			content,
			created_at,
			attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		draft.DraftID,
		draft.ChatID,
		draft.SenderID,
		draft.ReceiverID,
		draft.Content,
		draft.CreatedAt,
		draft.Attempts,
	)
	if err != nil {
		return fmt.Errorf("insert draft %q: %w", draft.DraftID, err)
	}

	return nil
}

// ListDrafts returns a chat's drafts oldest first, the order retries are
// issued in.
func (s *Store) ListDrafts(chatID string) ([]Draft, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}

	rows, err := s.db.Query(
		`SELECT
			draft_id,
			chat_id,
			sender_id,
			receiver_id,
			content,
			created_at,
			attempts
		FROM outbox
		WHERE chat_id = ?
		ORDER BY created_at ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list drafts for chat %q: %w", chatID, err)
	}
	defer rows.Close()

	drafts := make([]Draft, 0)
	for rows.Next() {
		var d Draft
		if err := rows.Scan(
			&d.DraftID,
			&d.ChatID,
			&d.SenderID,
			&d.ReceiverID,
			&d.Content,
			&d.CreatedAt,
			&d.Attempts,
		); err != nil {
			return nil, fmt.Errorf("scan draft row: %w", err)
		}
		drafts = append(drafts, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate draft rows: %w", err)
	}

	return drafts, nil
}

// DeleteDraft removes a draft after a successful retry.
func (s *Store) DeleteDraft(draftID string) error {
	if draftID == "" {
		return errors.New("draft_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM outbox WHERE draft_id = ?`, draftID)
	if err != nil {
		return fmt.Errorf("delete draft %q: %w", draftID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete draft %q: %w", draftID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// IncrementAttempts records one more failed retry for a draft.
func (s *Store) IncrementAttempts(draftID string) error {
	if draftID == "" {
		return errors.New("draft_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE outbox SET attempts = attempts + 1 WHERE draft_id = ?`,
		draftID,
	)
	if err != nil {
		return fmt.Errorf("increment attempts for draft %q: %w", draftID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for increment attempts %q: %w", draftID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
