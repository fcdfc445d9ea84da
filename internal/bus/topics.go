package bus

// Schedule outcome topics.
const (
	TopicScheduleCompleted = "schedule.completed"
	TopicScheduleFailed    = "schedule.failed"
	TopicScheduleCancelled = "schedule.cancelled"
)

// Worktree lifecycle topics.
const (
	TopicWorktreeReady = "worktree.ready"
	TopicWorktreeError = "worktree.error"
)

// Session mapping topics.
const (
	TopicSessionBound = "session.bound"
)

// ScheduleOutcomeEvent is published when the scheduler resolves a row.
type ScheduleOutcomeEvent struct {
	ScheduleID int64  // scheduled_messages row id
	ChannelID  string // target channel reference
	ThreadID   string // target thread, empty for channel-level prompts
	Prompt     string // the deferred prompt text
	Error      string // failure message, empty on success
}

// WorktreeEvent is published when a worktree row leaves pending.
type WorktreeEvent struct {
	ThreadID     string
	WorktreeName string
	Directory    string // set on ready
	Error        string // set on error
}

// SessionBoundEvent is published when a thread is bound to a session.
type SessionBoundEvent struct {
	ThreadID  string
	SessionID string
}
