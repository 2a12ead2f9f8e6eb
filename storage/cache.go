package storage

import (
	"errors"
	"fmt"
	"time"

	"chatsync/models"
)

// UpsertMessages writes canonical messages into the timeline cache. Pending
// entries are skipped: only server-assigned records are cacheable.
func (s *Store) UpsertMessages(msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin cache transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(
		`INSERT INTO timeline_cache (
			message_id,
			chat_id,
			sender_id,
			receiver_id,
			content,
			message_type,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			content = excluded.content,
			message_type = excluded.message_type`,
	)
	if err != nil {
		return fmt.Errorf("prepare cache upsert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		if msg.ID == "" || msg.Pending() {
			continue
		}
		if _, err := stmt.Exec(
			msg.ID,
			msg.ChatID,
			msg.SenderID,
			msg.ReceiverID,
			msg.Content,
			string(msg.MessageType),
			msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("upsert cached message %q: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache transaction: %w", err)
	}

	return nil
}

// CachedMessages returns up to limit cached messages for a chat, newest
// first, for offline rendering when the initial load fails.
func (s *Store) CachedMessages(chatID string, limit int) ([]models.Message, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			chat_id,
			sender_id,
			receiver_id,
			content,
			message_type,
			created_at
		FROM timeline_cache
		WHERE chat_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		chatID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load cached messages for chat %q: %w", chatID, err)
	}
	defer rows.Close()

	msgs := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg       models.Message
			msgType   string
			createdAt string
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.ChatID,
			&msg.SenderID,
			&msg.ReceiverID,
			&msg.Content,
			&msgType,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan cached message row: %w", err)
		}

		msg.MessageType = models.MessageType(msgType)
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse cached timestamp for %q: %w", msg.ID, err)
		}
		msg.CreatedAt = ts
		msg.DeliveryState = models.DeliverySent
		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached message rows: %w", err)
	}

	return msgs, nil
}
