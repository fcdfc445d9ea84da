package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/threadclaw/internal/bus"
)

// WorktreeStatus is the lifecycle state of a thread's worktree row.
type WorktreeStatus string

const (
	WorktreeStatusPending WorktreeStatus = "pending"
	WorktreeStatusReady   WorktreeStatus = "ready"
	WorktreeStatusError   WorktreeStatus = "error"
)

// ThreadWorktree is a per-thread isolated checkout. Status only ever moves
// pending→ready or pending→error; terminal rows must be deleted before a
// new worktree can be requested for the thread.
type ThreadWorktree struct {
	ThreadID          string         `json:"thread_id"`
	WorktreeName      string         `json:"worktree_name"`
	WorktreeDirectory string         `json:"worktree_directory,omitempty"`
	ProjectDirectory  string         `json:"project_directory"`
	Status            WorktreeStatus `json:"status"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// CreateThreadWorktree inserts the pending row, making the request visible
// to concurrent readers before any filesystem work begins. A row already
// existing for the thread is an error: the caller must delete it first.
func (s *Store) CreateThreadWorktree(ctx context.Context, threadID, worktreeName, projectDir string) error {
	if threadID == "" || worktreeName == "" || projectDir == "" {
		return fmt.Errorf("create thread worktree: thread_id, worktree_name, project_directory are required")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO thread_worktrees (thread_id, worktree_name, project_directory, status, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, threadID, worktreeName, projectDir)
		return err
	})
	if err != nil {
		return fmt.Errorf("create thread worktree: %w", err)
	}
	return nil
}

// MarkWorktreeReady transitions pending→ready and records the directory.
// Returns ErrNotFound when no pending row exists, so a terminal row can
// never be overwritten.
func (s *Store) MarkWorktreeReady(ctx context.Context, threadID, directory string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE thread_worktrees
		SET status = 'ready', worktree_directory = ?, updated_at = CURRENT_TIMESTAMP
		WHERE thread_id = ? AND status = 'pending';
	`, directory, threadID)
	if err != nil {
		return fmt.Errorf("mark worktree ready: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark worktree ready: %w", err)
	}
	if affected != 1 {
		return ErrNotFound
	}
	wt, err := s.GetThreadWorktree(ctx, threadID)
	if err == nil {
		s.publish(bus.TopicWorktreeReady, bus.WorktreeEvent{
			ThreadID:     threadID,
			WorktreeName: wt.WorktreeName,
			Directory:    directory,
		})
	}
	return nil
}

// MarkWorktreeError transitions pending→error with a human-readable
// message. Returns ErrNotFound when no pending row exists.
func (s *Store) MarkWorktreeError(ctx context.Context, threadID, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE thread_worktrees
		SET status = 'error', error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE thread_id = ? AND status = 'pending';
	`, errorMessage, threadID)
	if err != nil {
		return fmt.Errorf("mark worktree error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark worktree error: %w", err)
	}
	if affected != 1 {
		return ErrNotFound
	}
	wt, err := s.GetThreadWorktree(ctx, threadID)
	if err == nil {
		s.publish(bus.TopicWorktreeError, bus.WorktreeEvent{
			ThreadID:     threadID,
			WorktreeName: wt.WorktreeName,
			Error:        errorMessage,
		})
	}
	return nil
}

// GetThreadWorktree returns the worktree row for a thread, or ErrNotFound.
func (s *Store) GetThreadWorktree(ctx context.Context, threadID string) (ThreadWorktree, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, worktree_name, worktree_directory, project_directory, status, error_message, created_at, updated_at
		FROM thread_worktrees
		WHERE thread_id = ?;
	`, threadID)
	wt, err := scanThreadWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadWorktree{}, ErrNotFound
	}
	if err != nil {
		return ThreadWorktree{}, fmt.Errorf("get thread worktree: %w", err)
	}
	return wt, nil
}

// ListThreadWorktrees returns all worktree rows, newest first.
func (s *Store) ListThreadWorktrees(ctx context.Context) ([]ThreadWorktree, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, worktree_name, worktree_directory, project_directory, status, error_message, created_at, updated_at
		FROM thread_worktrees
		ORDER BY created_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list thread worktrees: %w", err)
	}
	defer rows.Close()

	var out []ThreadWorktree
	for rows.Next() {
		wt, err := scanThreadWorktree(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread worktree: %w", err)
		}
		out = append(out, wt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread worktree rows: %w", err)
	}
	return out, nil
}

// DeleteThreadWorktree removes the row. This is the only way to leave a
// terminal state and retry.
func (s *Store) DeleteThreadWorktree(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_worktrees WHERE thread_id = ?;`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread worktree: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThreadWorktree(scanner rowScanner) (ThreadWorktree, error) {
	var wt ThreadWorktree
	var directory sql.NullString
	var errorMessage sql.NullString
	if err := scanner.Scan(
		&wt.ThreadID,
		&wt.WorktreeName,
		&directory,
		&wt.ProjectDirectory,
		&wt.Status,
		&errorMessage,
		&wt.CreatedAt,
		&wt.UpdatedAt,
	); err != nil {
		return ThreadWorktree{}, err
	}
	if directory.Valid {
		wt.WorktreeDirectory = directory.String
	}
	if errorMessage.Valid {
		wt.ErrorMessage = errorMessage.String
	}
	return wt, nil
}
