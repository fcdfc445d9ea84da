package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ScheduleStatus is the lifecycle state of a deferred prompt.
type ScheduleStatus string

const (
	ScheduleStatusPending   ScheduleStatus = "pending"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
)

// ScheduledMessage is a deferred prompt. ScheduledAt is immutable after
// creation; status is monotone, pending→{completed,failed,cancelled} only.
type ScheduledMessage struct {
	ID           int64          `json:"id"`
	ChannelID    string         `json:"channel_id"`
	ThreadID     string         `json:"thread_id,omitempty"`
	Prompt       string         `json:"prompt"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	Status       ScheduleStatus `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RecurringSchedule fires on a 5-field cron expression, materializing a
// one-shot ScheduledMessage each time it comes due.
type RecurringSchedule struct {
	ID        string     `json:"id"`
	ChannelID string     `json:"channel_id"`
	ThreadID  string     `json:"thread_id,omitempty"`
	Prompt    string     `json:"prompt"`
	CronExpr  string     `json:"cron_expr"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
}

const scheduledMessageColumns = `id, channel_id, thread_id, prompt, scheduled_at, status, error_message, created_by, created_at`

// CreateScheduledMessage inserts a pending deferred prompt and returns its id.
func (s *Store) CreateScheduledMessage(ctx context.Context, channelID, threadID, prompt string, scheduledAt time.Time, createdBy string) (int64, error) {
	if channelID == "" || prompt == "" || createdBy == "" {
		return 0, fmt.Errorf("create schedule: channel_id, prompt, created_by are required")
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_messages (channel_id, thread_id, prompt, scheduled_at, status, created_by, created_at, updated_at)
			VALUES (?, NULLIF(?, ''), ?, ?, 'pending', ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, channelID, threadID, prompt, scheduledAt.UTC(), createdBy)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create schedule: %w", err)
	}
	return id, nil
}

// GetScheduledMessage returns a schedule by id, or ErrNotFound.
func (s *Store) GetScheduledMessage(ctx context.Context, id int64) (ScheduledMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+scheduledMessageColumns+`
		FROM scheduled_messages
		WHERE id = ?;
	`, id)
	sm, err := scanScheduledMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledMessage{}, ErrNotFound
	}
	if err != nil {
		return ScheduledMessage{}, fmt.Errorf("get schedule: %w", err)
	}
	return sm, nil
}

// DueScheduledMessages returns pending schedules whose time has elapsed,
// oldest first.
func (s *Store) DueScheduledMessages(ctx context.Context, now time.Time) ([]ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduledMessageColumns+`
		FROM scheduled_messages
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, id ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	return collectScheduledMessages(rows)
}

// ListScheduledMessages returns schedules for a channel, pending first then
// most recent outcomes.
func (s *Store) ListScheduledMessages(ctx context.Context, channelID string, limit int) ([]ScheduledMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduledMessageColumns+`
		FROM scheduled_messages
		WHERE channel_id = ?
		ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END, scheduled_at ASC
		LIMIT ?;
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectScheduledMessages(rows)
}

// ResolveScheduledMessage atomically moves a pending schedule to completed
// or failed. The WHERE status='pending' guard is what gives the scheduler
// its exactly-once-per-row property: a row already resolved (or cancelled
// between query and update) is left untouched and reported via the false
// return.
func (s *Store) ResolveScheduledMessage(ctx context.Context, id int64, status ScheduleStatus, errorMessage string) (bool, error) {
	if status != ScheduleStatusCompleted && status != ScheduleStatusFailed {
		return false, fmt.Errorf("resolve schedule: invalid terminal status %q", status)
	}
	var resolved bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_messages
			SET status = ?, error_message = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'pending';
		`, status, errorMessage, id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		resolved = affected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("resolve schedule: %w", err)
	}
	return resolved, nil
}

// CancelScheduledMessage marks a pending schedule cancelled. It is a no-op
// returning false for rows that are missing or already resolved.
func (s *Store) CancelScheduledMessage(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = 'cancelled', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending';
	`, id)
	if err != nil {
		return false, fmt.Errorf("cancel schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel schedule: %w", err)
	}
	return affected == 1, nil
}

// InsertRecurringSchedule stores a cron-driven recurring prompt.
func (s *Store) InsertRecurringSchedule(ctx context.Context, rs RecurringSchedule) error {
	if rs.ID == "" || rs.ChannelID == "" || rs.Prompt == "" || rs.CronExpr == "" {
		return fmt.Errorf("insert recurring schedule: id, channel_id, prompt, cron_expr are required")
	}
	var nextRun any
	if rs.NextRunAt != nil {
		nextRun = rs.NextRunAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurring_schedules (id, channel_id, thread_id, prompt, cron_expr, enabled, next_run_at, created_by, created_at, updated_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, rs.ID, rs.ChannelID, rs.ThreadID, rs.Prompt, rs.CronExpr, rs.Enabled, nextRun, rs.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert recurring schedule: %w", err)
	}
	return nil
}

// DueRecurringSchedules returns enabled recurring schedules whose
// next_run_at has elapsed.
func (s *Store) DueRecurringSchedules(ctx context.Context, now time.Time) ([]RecurringSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, thread_id, prompt, cron_expr, enabled, next_run_at, last_run_at, created_by, created_at
		FROM recurring_schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due recurring schedules: %w", err)
	}
	defer rows.Close()

	var out []RecurringSchedule
	for rows.Next() {
		rs, err := scanRecurringSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring schedule: %w", err)
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recurring schedule rows: %w", err)
	}
	return out, nil
}

// UpdateRecurringRun records a fire and advances next_run_at.
func (s *Store) UpdateRecurringRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_schedules
		SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, lastRun.UTC(), nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("update recurring run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update recurring run: %w", err)
	}
	if affected != 1 {
		return ErrNotFound
	}
	return nil
}

// DisableRecurringSchedule turns a recurring schedule off without deleting
// it, so the row stays inspectable after an out-of-band edit breaks it.
func (s *Store) DisableRecurringSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_schedules
		SET enabled = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("disable recurring schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("disable recurring schedule: %w", err)
	}
	if affected != 1 {
		return ErrNotFound
	}
	return nil
}

// DeleteRecurringSchedule removes a recurring schedule.
func (s *Store) DeleteRecurringSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recurring_schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete recurring schedule: %w", err)
	}
	return nil
}

func collectScheduledMessages(rows *sql.Rows) ([]ScheduledMessage, error) {
	var out []ScheduledMessage
	for rows.Next() {
		sm, err := scanScheduledMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

func scanScheduledMessage(scanner rowScanner) (ScheduledMessage, error) {
	var sm ScheduledMessage
	var threadID sql.NullString
	var errorMessage sql.NullString
	if err := scanner.Scan(
		&sm.ID,
		&sm.ChannelID,
		&threadID,
		&sm.Prompt,
		&sm.ScheduledAt,
		&sm.Status,
		&errorMessage,
		&sm.CreatedBy,
		&sm.CreatedAt,
	); err != nil {
		return ScheduledMessage{}, err
	}
	if threadID.Valid {
		sm.ThreadID = threadID.String
	}
	if errorMessage.Valid {
		sm.ErrorMessage = errorMessage.String
	}
	return sm, nil
}

func scanRecurringSchedule(scanner rowScanner) (RecurringSchedule, error) {
	var rs RecurringSchedule
	var threadID sql.NullString
	var nextRun sql.NullTime
	var lastRun sql.NullTime
	if err := scanner.Scan(
		&rs.ID,
		&rs.ChannelID,
		&threadID,
		&rs.Prompt,
		&rs.CronExpr,
		&rs.Enabled,
		&nextRun,
		&lastRun,
		&rs.CreatedBy,
		&rs.CreatedAt,
	); err != nil {
		return RecurringSchedule{}, err
	}
	if threadID.Valid {
		rs.ThreadID = threadID.String
	}
	if nextRun.Valid {
		t := nextRun.Time
		rs.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		rs.LastRunAt = &t
	}
	return rs, nil
}
