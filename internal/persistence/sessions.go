package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/threadclaw/internal/bus"
)

// ThreadSession binds a chat thread to the agent session it talks to. At
// most one session is bound per thread; rebinding overwrites the row.
type ThreadSession struct {
	ThreadID  string    `json:"thread_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// BindSession upserts the thread→session binding. Last writer wins.
func (s *Store) BindSession(ctx context.Context, threadID, sessionID string) error {
	if threadID == "" || sessionID == "" {
		return fmt.Errorf("bind session: thread_id and session_id are required")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO thread_sessions (thread_id, session_id, created_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(thread_id) DO UPDATE SET session_id = excluded.session_id;
		`, threadID, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	s.publish(bus.TopicSessionBound, bus.SessionBoundEvent{ThreadID: threadID, SessionID: sessionID})
	return nil
}

// ResolveSession returns the session bound to the thread, or ErrNotFound.
func (s *Store) ResolveSession(ctx context.Context, threadID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM thread_sessions WHERE thread_id = ?;
	`, threadID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	return sessionID, nil
}

// DeleteThreadSession removes the binding for a thread. Deleting a missing
// row is not an error.
func (s *Store) DeleteThreadSession(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_sessions WHERE thread_id = ?;`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread session: %w", err)
	}
	return nil
}

// ListThreadSessions returns all bindings, newest first.
func (s *Store) ListThreadSessions(ctx context.Context) ([]ThreadSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, session_id, created_at
		FROM thread_sessions
		ORDER BY created_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list thread sessions: %w", err)
	}
	defer rows.Close()

	var out []ThreadSession
	for rows.Next() {
		var ts ThreadSession
		if err := rows.Scan(&ts.ThreadID, &ts.SessionID, &ts.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread session: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread session rows: %w", err)
	}
	return out, nil
}
