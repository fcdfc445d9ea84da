package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/threadclaw/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(after), nil
}

// AddRecurring validates the cron expression, computes the first run time,
// and inserts the recurring schedule. The returned ID identifies it for
// deletion.
func (s *Scheduler) AddRecurring(ctx context.Context, channelID, threadID, prompt, cronExpr, createdBy string) (string, error) {
	nextRun, err := NextRunTime(cronExpr, time.Now())
	if err != nil {
		return "", err
	}
	rs := persistence.RecurringSchedule{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		ThreadID:  threadID,
		Prompt:    prompt,
		CronExpr:  cronExpr,
		Enabled:   true,
		NextRunAt: &nextRun,
		CreatedBy: createdBy,
	}
	if err := s.store.InsertRecurringSchedule(ctx, rs); err != nil {
		return "", err
	}
	s.logger.Info("recurring schedule added", "recurring_id", rs.ID, "channel_id", channelID, "cron", cronExpr, "next_run", nextRun)
	return rs.ID, nil
}

// RemoveRecurring deletes a recurring schedule.
func (s *Scheduler) RemoveRecurring(ctx context.Context, id string) error {
	return s.store.DeleteRecurringSchedule(ctx, id)
}

// fireRecurring materializes each due recurring schedule as a one-shot
// pending row, then advances its next run time. The one-shot row is then
// picked up by the same tick's due query, so recurring runs share the
// exactly-once guarantees of ordinary schedules.
func (s *Scheduler) fireRecurring(ctx context.Context, now time.Time) {
	due, err := s.store.DueRecurringSchedules(ctx, now)
	if err != nil {
		s.logger.Error("failed to query due recurring schedules", "error", err)
		return
	}
	for _, rs := range due {
		// The expression was validated on insert; a parse failure here means
		// the row was edited out of band. Disable the row before anything is
		// materialized: a due row that never advances would re-execute the
		// same prompt on every tick.
		nextRun, err := NextRunTime(rs.CronExpr, now)
		if err != nil {
			s.logger.Error("disabling recurring schedule with invalid cron expression", "recurring_id", rs.ID, "cron", rs.CronExpr, "error", err)
			if disableErr := s.store.DisableRecurringSchedule(ctx, rs.ID); disableErr != nil {
				s.logger.Error("failed to disable recurring schedule", "recurring_id", rs.ID, "error", disableErr)
			}
			continue
		}

		if _, err := s.store.CreateScheduledMessage(ctx, rs.ChannelID, rs.ThreadID, rs.Prompt, now, rs.CreatedBy); err != nil {
			s.logger.Error("failed to materialize recurring run", "recurring_id", rs.ID, "error", err)
			continue
		}
		if err := s.store.UpdateRecurringRun(ctx, rs.ID, now, nextRun); err != nil {
			s.logger.Error("failed to advance recurring schedule", "recurring_id", rs.ID, "error", err)
			continue
		}
		s.logger.Info("recurring schedule fired", "recurring_id", rs.ID, "channel_id", rs.ChannelID, "next_run", nextRun)
	}
}
