// Package mapper translates between chat threads and agent sessions. It
// owns the thread↔session and message↔fragment indices in the store and
// implements resume, retry, and fork on top of them.
//
// The mapper assumes its caller serializes work per thread: the chat
// channel dispatches one update at a time and the scheduler posts through
// the same path, so at most one prompt execution is in flight per thread.
// Concurrent executions against one thread are undefined behavior.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/threadclaw/internal/agentapi"
	"github.com/basket/threadclaw/internal/channels"
	"github.com/basket/threadclaw/internal/persistence"
)

var (
	// ErrSessionNotFound is returned when a thread has no bound session or
	// the agent server does not know the bound session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrFragmentNotFound is returned when a chat message has no recorded
	// upstream fragment.
	ErrFragmentNotFound = errors.New("fragment not found")

	// ErrNoPriorPrompt is returned by retry when the thread transcript
	// holds no user message to replay.
	ErrNoPriorPrompt = errors.New("no prior user prompt in thread")
)

// AgentClient is the slice of the agent server API the mapper needs.
type AgentClient interface {
	CreateSession(ctx context.Context, directory string) (agentapi.Session, error)
	GetSession(ctx context.Context, sessionID string) (agentapi.Session, error)
	ForkSession(ctx context.Context, sessionID, partID string) (string, error)
	Prompt(ctx context.Context, sessionID, text string) (agentapi.Message, error)
}

// Service wires the store, agent server, and chat adapter together.
type Service struct {
	store  *persistence.Store
	agent  AgentClient
	chat   channels.Adapter
	logger *slog.Logger

	// defaultProjectDir roots new sessions when neither the thread's
	// worktree nor the channel settings name a directory.
	defaultProjectDir string
}

// Config holds the dependencies for the mapper service.
type Config struct {
	Store             *persistence.Store
	Agent             AgentClient
	Chat              channels.Adapter
	Logger            *slog.Logger
	DefaultProjectDir string
}

func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:             cfg.Store,
		agent:             cfg.Agent,
		chat:              cfg.Chat,
		logger:            logger,
		defaultProjectDir: cfg.DefaultProjectDir,
	}
}

// SetChat installs the chat adapter. The adapter's receive loop needs
// this service as its handler, so the two are wired in stages at startup.
func (s *Service) SetChat(chat channels.Adapter) {
	s.chat = chat
}

// BindSession binds the thread to a session. Last writer wins.
func (s *Service) BindSession(ctx context.Context, threadID, sessionID string) error {
	return s.store.BindSession(ctx, threadID, sessionID)
}

// ResolveSession returns the session bound to the thread.
func (s *Service) ResolveSession(ctx context.Context, threadID string) (string, error) {
	sessionID, err := s.store.ResolveSession(ctx, threadID)
	if errors.Is(err, persistence.ErrNotFound) {
		return "", ErrSessionNotFound
	}
	return sessionID, err
}

// RecordFragments persists a rendered batch atomically, in emission order.
func (s *Service) RecordFragments(ctx context.Context, fragments []persistence.Fragment) error {
	return s.store.RecordFragments(ctx, fragments)
}

// ResolveFragment returns the upstream part a chat message renders.
func (s *Service) ResolveFragment(ctx context.Context, messageID string) (string, error) {
	partID, err := s.store.ResolveFragment(ctx, messageID)
	if errors.Is(err, persistence.ErrNotFound) {
		return "", ErrFragmentNotFound
	}
	return partID, err
}

// ExecutePrompt runs one prompt against the thread's session, creating and
// binding a session on first use, renders the response into the thread,
// and records the rendered fragments. This is the single execution path
// shared by live chat and the scheduler.
func (s *Service) ExecutePrompt(ctx context.Context, channelID, threadID, text string) (agentapi.Message, error) {
	sessionID, err := s.ensureSession(ctx, channelID, threadID)
	if err != nil {
		return agentapi.Message{}, err
	}

	response, err := s.agent.Prompt(ctx, sessionID, text)
	if err != nil {
		if errors.Is(err, agentapi.ErrSessionNotFound) {
			return agentapi.Message{}, ErrSessionNotFound
		}
		return agentapi.Message{}, fmt.Errorf("prompt session %s: %w", sessionID, err)
	}

	if err := s.renderResponse(ctx, channelID, threadID, response); err != nil {
		return response, err
	}
	return response, nil
}

// HandleMessage satisfies channels.Handler: each incoming chat message is
// one prompt. The channel's receive loop calls this synchronously per
// chat, so a thread never has more than one prompt in flight. Failures
// are reported into the thread rather than returned; there is no caller
// to return them to.
func (s *Service) HandleMessage(ctx context.Context, msg channels.Incoming) {
	if _, err := s.ExecutePrompt(ctx, msg.ChannelID, msg.ThreadID, msg.Text); err != nil {
		s.logger.Error("prompt execution failed",
			"channel_id", msg.ChannelID, "thread_id", msg.ThreadID, "error", err)
		notice := fmt.Sprintf("⚠️ %v", err)
		if _, sendErr := s.chat.SendMessage(ctx, msg.ChannelID, msg.ThreadID, notice); sendErr != nil {
			s.logger.Warn("failed to report error to thread", "error", sendErr)
		}
		return
	}
	// The agent server titles sessions as conversations develop; keep the
	// thread title in sync. Best effort.
	if msg.ThreadID != "" {
		if err := s.RenameThreadFromSession(ctx, msg.ChannelID, msg.ThreadID); err != nil {
			s.logger.Debug("thread rename skipped", "thread_id", msg.ThreadID, "error", err)
		}
	}
}

// RetryFromLastUserPrompt finds the most recent user message in the thread
// transcript and replays it against the bound session.
func (s *Service) RetryFromLastUserPrompt(ctx context.Context, channelID, threadID string) (agentapi.Message, error) {
	history, err := s.chat.FetchRecentMessages(ctx, channelID, threadID, 50)
	if err != nil {
		return agentapi.Message{}, fmt.Errorf("fetch thread transcript: %w", err)
	}
	var prompt string
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].FromBot {
			prompt = history[i].Text
			break
		}
	}
	if prompt == "" {
		return agentapi.Message{}, ErrNoPriorPrompt
	}
	return s.ExecutePrompt(ctx, channelID, threadID, prompt)
}

// ForkFrom branches the thread's session at the fragment a chat message
// renders, creates a new thread, and binds it to the forked session. The
// new thread is created only after the fork call succeeds, so a failed
// fork leaves no dangling thread.
func (s *Service) ForkFrom(ctx context.Context, channelID, threadID, messageID string) (newThreadID, newSessionID string, err error) {
	partID, err := s.ResolveFragment(ctx, messageID)
	if err != nil {
		return "", "", err
	}
	sessionID, err := s.ResolveSession(ctx, threadID)
	if err != nil {
		return "", "", err
	}

	newSessionID, err = s.agent.ForkSession(ctx, sessionID, partID)
	if err != nil {
		if errors.Is(err, agentapi.ErrSessionNotFound) {
			return "", "", ErrSessionNotFound
		}
		return "", "", fmt.Errorf("fork session %s at %s: %w", sessionID, partID, err)
	}

	title := "fork"
	if session, err := s.agent.GetSession(ctx, newSessionID); err == nil && session.Title != "" {
		title = session.Title
	}
	newThreadID, err = s.chat.CreateThread(ctx, channelID, title)
	if err != nil {
		return "", "", fmt.Errorf("create fork thread: %w", err)
	}
	if err := s.store.BindSession(ctx, newThreadID, newSessionID); err != nil {
		return "", "", err
	}
	s.logger.Info("forked session",
		"thread_id", threadID,
		"new_thread_id", newThreadID,
		"session_id", sessionID,
		"new_session_id", newSessionID,
	)
	return newThreadID, newSessionID, nil
}

// RenameThreadFromSession retitles the thread to the session's current
// title, if the agent server has assigned one.
func (s *Service) RenameThreadFromSession(ctx context.Context, channelID, threadID string) error {
	sessionID, err := s.ResolveSession(ctx, threadID)
	if err != nil {
		return err
	}
	session, err := s.agent.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, agentapi.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if session.Title == "" {
		return nil
	}
	return s.chat.RenameThread(ctx, channelID, threadID, session.Title)
}

// ensureSession resolves the thread's session, creating and binding a new
// one when none exists. Channel-level prompts (no thread) bind their
// session under the channel id.
func (s *Service) ensureSession(ctx context.Context, channelID, threadID string) (string, error) {
	bindKey := threadID
	if bindKey == "" {
		bindKey = channelID
	}
	sessionID, err := s.store.ResolveSession(ctx, bindKey)
	if err == nil {
		return sessionID, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return "", err
	}

	directory, err := s.sessionDirectory(ctx, channelID, threadID)
	if err != nil {
		return "", err
	}
	session, err := s.agent.CreateSession(ctx, directory)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := s.store.BindSession(ctx, bindKey, session.ID); err != nil {
		return "", err
	}
	s.logger.Info("bound new session", "thread_id", bindKey, "session_id", session.ID, "directory", directory)
	return session.ID, nil
}

// sessionDirectory picks the working directory for a new session: the
// thread's ready worktree, then the channel's configured project
// directory, then the daemon default.
func (s *Service) sessionDirectory(ctx context.Context, channelID, threadID string) (string, error) {
	if threadID != "" {
		wt, err := s.store.GetThreadWorktree(ctx, threadID)
		if err == nil && wt.Status == persistence.WorktreeStatusReady {
			return wt.WorktreeDirectory, nil
		}
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return "", err
		}
	}
	settings, err := s.store.GetChannelSettings(ctx, channelID)
	if err != nil {
		return "", err
	}
	if settings.ProjectDirectory != "" {
		return settings.ProjectDirectory, nil
	}
	return s.defaultProjectDir, nil
}

// renderResponse posts the response's text parts into the thread and
// records the rendered fragments as one atomic batch, in emission order.
func (s *Service) renderResponse(ctx context.Context, channelID, threadID string, response agentapi.Message) error {
	var fragments []persistence.Fragment
	for _, part := range response.Parts {
		if part.Type != "text" || part.Text == "" {
			continue
		}
		messageID, err := s.chat.SendMessage(ctx, channelID, threadID, part.Text)
		if err != nil {
			return fmt.Errorf("render response part %s: %w", part.ID, err)
		}
		// Channel-level prompts have no thread to index fragments under.
		if threadID != "" {
			fragments = append(fragments, persistence.Fragment{
				PartID:    part.ID,
				MessageID: messageID,
				ThreadID:  threadID,
			})
		}
	}
	return s.store.RecordFragments(ctx, fragments)
}
