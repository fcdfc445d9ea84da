// Package scheduler executes deferred prompts. A periodic tick polls the
// store for due pending rows and runs each one through the same prompt
// execution path live chat uses, recording a terminal outcome per row and
// notifying the hub channel when one is configured.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/threadclaw/internal/agentapi"
	"github.com/basket/threadclaw/internal/bus"
	"github.com/basket/threadclaw/internal/channels"
	"github.com/basket/threadclaw/internal/persistence"
)

// ErrNotCancellable is returned when cancelling a schedule that is missing
// or already resolved.
var ErrNotCancellable = errors.New("schedule is not pending")

// PromptRunner is the prompt-execution entry point shared with live chat.
type PromptRunner interface {
	ExecutePrompt(ctx context.Context, channelID, threadID, text string) (agentapi.Message, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store  *persistence.Store
	Runner PromptRunner
	Chat   channels.Adapter
	Bus    *bus.Bus
	Logger *slog.Logger

	// Interval is the tick period; defaults to 10s if zero.
	Interval time.Duration

	// HubChannelID, when set, receives one-line outcome notices.
	HubChannelID string

	// DefaultProjectDir backs channels with no configured project
	// directory. Execution of a row fails descriptively when neither is
	// set.
	DefaultProjectDir string
}

// Scheduler runs the tick loop. Start/Stop manage the single background
// goroutine; Stop waits for an in-flight tick to finish.
type Scheduler struct {
	store      *persistence.Store
	runner     PromptRunner
	chat       channels.Adapter
	eventBus   *bus.Bus
	logger     *slog.Logger
	interval   time.Duration
	hubChannel string
	projectDir string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// tickMu makes tick re-entrancy explicit: a new tick is skipped while
	// a previous one is still running.
	tickMu   sync.Mutex
	inFlight bool
}

func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      cfg.Store,
		runner:     cfg.Runner,
		chat:       cfg.Chat,
		eventBus:   cfg.Bus,
		logger:     logger,
		interval:   interval,
		hubChannel: cfg.HubChannelID,
		projectDir: cfg.DefaultProjectDir,
	}
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop prevents new ticks from beginning and waits for an in-flight tick
// to run to completion.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Stop cancels ctx to halt the loop, but an in-flight tick must run to
	// completion: row execution and the terminal store write happen on a
	// context that survives the cancellation, otherwise a graceful shutdown
	// leaves announced rows pending and they re-execute on restart.
	workCtx := context.WithoutCancel(ctx)

	// Fire immediately on startup so restarts pick up overdue rows at
	// once, then on each tick.
	s.Tick(workCtx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(workCtx)
		}
	}
}

// Tick processes everything currently due. It is skipped when a previous
// tick is still in flight; the timer retrigger alone does not guarantee
// that. Exported for synchronous use in tests.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tickMu.Lock()
	if s.inFlight {
		s.tickMu.Unlock()
		s.logger.Warn("previous scheduler tick still running, skipping")
		return
	}
	s.inFlight = true
	s.tickMu.Unlock()
	defer func() {
		s.tickMu.Lock()
		s.inFlight = false
		s.tickMu.Unlock()
	}()

	now := time.Now()
	s.fireRecurring(ctx, now)

	due, err := s.store.DueScheduledMessages(ctx, now)
	if err != nil {
		s.logger.Error("failed to query due schedules", "error", err)
		return
	}
	for _, row := range due {
		// Rows are isolated: one failure never aborts the rest of the tick.
		result := s.executeOne(ctx, row)
		s.recordOutcome(ctx, row, result)
	}
}

// rowResult is the explicit per-row outcome; failures are values here, not
// control flow.
type rowResult struct {
	err error
}

// executeOne runs a single due row through the live-chat execution path.
func (s *Scheduler) executeOne(ctx context.Context, row persistence.ScheduledMessage) rowResult {
	settings, err := s.store.GetChannelSettings(ctx, row.ChannelID)
	if err != nil {
		return rowResult{err: err}
	}
	projectDir := settings.ProjectDirectory
	if projectDir == "" {
		projectDir = s.projectDir
	}
	if projectDir == "" {
		return rowResult{err: fmt.Errorf("no project directory configured for channel %s; set one before scheduling prompts", row.ChannelID)}
	}

	notice := fmt.Sprintf("⏰ Executing scheduled prompt: %s", promptPreview(row.Prompt))
	if _, err := s.chat.SendMessage(ctx, row.ChannelID, row.ThreadID, notice); err != nil {
		return rowResult{err: fmt.Errorf("announce scheduled prompt: %w", err)}
	}

	if _, err := s.runner.ExecutePrompt(ctx, row.ChannelID, row.ThreadID, row.Prompt); err != nil {
		return rowResult{err: err}
	}
	return rowResult{}
}

// recordOutcome persists the row's terminal status and emits the hub
// notification and bus event.
func (s *Scheduler) recordOutcome(ctx context.Context, row persistence.ScheduledMessage, result rowResult) {
	status := persistence.ScheduleStatusCompleted
	errMsg := ""
	if result.err != nil {
		status = persistence.ScheduleStatusFailed
		errMsg = result.err.Error()
	}

	resolved, err := s.store.ResolveScheduledMessage(ctx, row.ID, status, errMsg)
	if err != nil {
		s.logger.Error("failed to resolve schedule", "schedule_id", row.ID, "error", err)
		return
	}
	if !resolved {
		// Cancelled (or otherwise resolved) between query and update.
		s.logger.Warn("schedule no longer pending, outcome dropped", "schedule_id", row.ID)
		return
	}

	if result.err != nil {
		s.logger.Warn("scheduled prompt failed", "schedule_id", row.ID, "channel_id", row.ChannelID, "error", result.err)
	} else {
		s.logger.Info("scheduled prompt completed", "schedule_id", row.ID, "channel_id", row.ChannelID)
	}

	topic := bus.TopicScheduleCompleted
	if result.err != nil {
		topic = bus.TopicScheduleFailed
	}
	if s.eventBus != nil {
		s.eventBus.Publish(topic, bus.ScheduleOutcomeEvent{
			ScheduleID: row.ID,
			ChannelID:  row.ChannelID,
			ThreadID:   row.ThreadID,
			Prompt:     row.Prompt,
			Error:      errMsg,
		})
	}
	s.notifyHub(ctx, row, errMsg)
}

// notifyHub sends the one-line outcome notice to the hub channel, if one
// is configured.
func (s *Scheduler) notifyHub(ctx context.Context, row persistence.ScheduledMessage, errMsg string) {
	if s.hubChannel == "" {
		return
	}
	var line string
	if errMsg == "" {
		line = fmt.Sprintf("✅ Schedule #%d completed in %s: %s", row.ID, row.ChannelID, promptPreview(row.Prompt))
	} else {
		line = fmt.Sprintf("❌ Schedule #%d failed in %s: %s — %s", row.ID, row.ChannelID, promptPreview(row.Prompt), errMsg)
	}
	if _, err := s.chat.SendMessage(ctx, s.hubChannel, "", line); err != nil {
		s.logger.Warn("hub notification failed", "schedule_id", row.ID, "error", err)
	}
}

// Cancel marks a pending schedule cancelled. Resolved or missing rows are
// untouched and report ErrNotCancellable.
func (s *Scheduler) Cancel(ctx context.Context, id int64, requestedBy string) error {
	cancelled, err := s.store.CancelScheduledMessage(ctx, id)
	if err != nil {
		return err
	}
	if !cancelled {
		return ErrNotCancellable
	}
	s.logger.Info("schedule cancelled", "schedule_id", id, "requested_by", requestedBy)
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicScheduleCancelled, bus.ScheduleOutcomeEvent{ScheduleID: id})
	}
	return nil
}

func promptPreview(prompt string) string {
	const max = 60
	runes := []rune(prompt)
	if len(runes) <= max {
		return fmt.Sprintf("%q", prompt)
	}
	return fmt.Sprintf("%q…", string(runes[:max]))
}
