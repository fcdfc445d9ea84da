package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Fragment maps one displayed chat message to the upstream response
// fragment it renders, so retry/fork can address a fragment by the message
// the user reacted to.
type Fragment struct {
	PartID    string `json:"part_id"`
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
}

// RecordFragments applies a batch of fragment records in one transaction,
// in order, with insert-or-replace semantics keyed by part_id. A crash
// mid-batch leaves either all or none of the batch visible.
func (s *Store) RecordFragments(ctx context.Context, fragments []Fragment) error {
	if len(fragments) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fragment tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, f := range fragments {
			if f.PartID == "" || f.MessageID == "" || f.ThreadID == "" {
				return fmt.Errorf("record fragment: part_id, message_id, thread_id are required")
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO part_messages (part_id, message_id, thread_id, created_at)
				VALUES (?, ?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(part_id) DO UPDATE SET
					message_id = excluded.message_id,
					thread_id = excluded.thread_id;
			`, f.PartID, f.MessageID, f.ThreadID); err != nil {
				return fmt.Errorf("insert fragment %s: %w", f.PartID, err)
			}
		}
		return tx.Commit()
	})
}

// ResolveFragment returns the part id recorded for a chat message, or
// ErrNotFound. A part re-recorded against a newer message no longer
// resolves from the old message id.
func (s *Store) ResolveFragment(ctx context.Context, messageID string) (string, error) {
	var partID string
	err := s.db.QueryRowContext(ctx, `
		SELECT part_id FROM part_messages
		WHERE message_id = ?
		ORDER BY created_at DESC
		LIMIT 1;
	`, messageID).Scan(&partID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve fragment: %w", err)
	}
	return partID, nil
}

// DeleteThreadFragments removes all fragment records for a thread.
func (s *Store) DeleteThreadFragments(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM part_messages WHERE thread_id = ?;`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread fragments: %w", err)
	}
	return nil
}
