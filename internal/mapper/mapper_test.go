package mapper_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/threadclaw/internal/agentapi"
	"github.com/basket/threadclaw/internal/channels"
	"github.com/basket/threadclaw/internal/mapper"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/vault"
)

type fakeAgent struct {
	mu           sync.Mutex
	nextSession  int
	sessions     map[string]agentapi.Session
	forks        []string // "sessionID/partID"
	promptErr    error
	responses    []agentapi.Part
	lastPrompted string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		sessions: make(map[string]agentapi.Session),
		responses: []agentapi.Part{
			{ID: "part-1", Type: "text", Text: "done"},
		},
	}
}

func (f *fakeAgent) CreateSession(ctx context.Context, directory string) (agentapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSession++
	s := agentapi.Session{ID: fmt.Sprintf("session-%d", f.nextSession), Directory: directory}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeAgent) GetSession(ctx context.Context, sessionID string) (agentapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return agentapi.Session{}, agentapi.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeAgent) ForkSession(ctx context.Context, sessionID, partID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return "", agentapi.ErrSessionNotFound
	}
	f.forks = append(f.forks, sessionID+"/"+partID)
	f.nextSession++
	id := fmt.Sprintf("session-%d", f.nextSession)
	f.sessions[id] = agentapi.Session{ID: id}
	return id, nil
}

func (f *fakeAgent) Prompt(ctx context.Context, sessionID, text string) (agentapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promptErr != nil {
		return agentapi.Message{}, f.promptErr
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return agentapi.Message{}, agentapi.ErrSessionNotFound
	}
	f.lastPrompted = text
	return agentapi.Message{ID: "msg-1", Role: "assistant", Parts: f.responses}, nil
}

func (f *fakeAgent) setTitle(sessionID, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[sessionID]
	s.Title = title
	f.sessions[sessionID] = s
}

type fakeChat struct {
	mu           sync.Mutex
	nextMessage  int
	nextThread   int
	sent         []string
	threads      []string
	renames      map[string]string
	transcript   []channels.ChatMessage
	createErr    error
}

func newFakeChat() *fakeChat {
	return &fakeChat{renames: make(map[string]string)}
}

func (f *fakeChat) CreateThread(ctx context.Context, channelID, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextThread++
	id := fmt.Sprintf("new-thread-%d", f.nextThread)
	f.threads = append(f.threads, id)
	return id, nil
}

func (f *fakeChat) SendMessage(ctx context.Context, channelID, threadID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMessage++
	f.sent = append(f.sent, content)
	return fmt.Sprintf("chat-msg-%d", f.nextMessage), nil
}

func (f *fakeChat) FetchRecentMessages(ctx context.Context, channelID, threadID string, limit int) ([]channels.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channels.ChatMessage, len(f.transcript))
	copy(out, f.transcript)
	return out, nil
}

func (f *fakeChat) RenameThread(ctx context.Context, channelID, threadID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames[threadID] = title
	return nil
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "threadclaw.db"), vault.New(dir), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestService(t *testing.T, store *persistence.Store, agent *fakeAgent, chat *fakeChat) *mapper.Service {
	t.Helper()
	return mapper.New(mapper.Config{
		Store:             store,
		Agent:             agent,
		Chat:              chat,
		DefaultProjectDir: "/repo",
	})
}

func TestExecutePromptCreatesAndBindsSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := newFakeAgent()
	chat := newFakeChat()
	svc := newTestService(t, store, agent, chat)

	if _, err := svc.ExecutePrompt(ctx, "chan-1", "thread-1", "hello"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sessionID, err := svc.ResolveSession(ctx, "thread-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sessionID != "session-1" {
		t.Fatalf("got session %q", sessionID)
	}
	if len(chat.sent) != 1 || chat.sent[0] != "done" {
		t.Fatalf("response not rendered: %v", chat.sent)
	}

	// The rendered part is addressable by its chat message id.
	partID, err := svc.ResolveFragment(ctx, "chat-msg-1")
	if err != nil {
		t.Fatalf("resolve fragment: %v", err)
	}
	if partID != "part-1" {
		t.Fatalf("got part %q", partID)
	}

	// A second prompt reuses the bound session.
	if _, err := svc.ExecutePrompt(ctx, "chan-1", "thread-1", "again"); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	sessionID, err = svc.ResolveSession(ctx, "thread-1")
	if err != nil {
		t.Fatalf("resolve after second: %v", err)
	}
	if sessionID != "session-1" {
		t.Fatalf("second prompt created a new session: %q", sessionID)
	}
}

func TestExecutePromptChannelLevel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := newFakeAgent()
	chat := newFakeChat()
	svc := newTestService(t, store, agent, chat)

	if _, err := svc.ExecutePrompt(ctx, "chan-1", "", "hello"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Channel-level prompts bind under the channel id.
	if _, err := svc.ResolveSession(ctx, "chan-1"); err != nil {
		t.Fatalf("resolve channel binding: %v", err)
	}
}

func TestRetryFromLastUserPrompt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := newFakeAgent()
	chat := newFakeChat()
	chat.transcript = []channels.ChatMessage{
		{ID: "m1", Text: "first question", FromBot: false},
		{ID: "m2", Text: "an answer", FromBot: true},
		{ID: "m3", Text: "second question", FromBot: false},
		{ID: "m4", Text: "another answer", FromBot: true},
	}
	svc := newTestService(t, store, agent, chat)

	if _, err := svc.RetryFromLastUserPrompt(ctx, "chan-1", "thread-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if agent.lastPrompted != "second question" {
		t.Fatalf("replayed %q, want the most recent user message", agent.lastPrompted)
	}
}

func TestRetryWithoutUserMessage(t *testing.T) {
	store := openTestStore(t)
	agent := newFakeAgent()
	chat := newFakeChat()
	chat.transcript = []channels.ChatMessage{
		{ID: "m1", Text: "an answer", FromBot: true},
	}
	svc := newTestService(t, store, agent, chat)

	_, err := svc.RetryFromLastUserPrompt(context.Background(), "chan-1", "thread-1")
	if !errors.Is(err, mapper.ErrNoPriorPrompt) {
		t.Fatalf("expected ErrNoPriorPrompt, got %v", err)
	}
}

func TestForkFrom(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := newFakeAgent()
	chat := newFakeChat()
	svc := newTestService(t, store, agent, chat)

	// Establish a thread with one rendered fragment.
	if _, err := svc.ExecutePrompt(ctx, "chan-1", "thread-1", "hello"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	newThreadID, newSessionID, err := svc.ForkFrom(ctx, "chan-1", "thread-1", "chat-msg-1")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if len(agent.forks) != 1 || agent.forks[0] != "session-1/part-1" {
		t.Fatalf("fork call %v", agent.forks)
	}
	if len(chat.threads) != 1 {
		t.Fatalf("got %d new threads, want 1", len(chat.threads))
	}

	bound, err := svc.ResolveSession(ctx, newThreadID)
	if err != nil {
		t.Fatalf("resolve forked thread: %v", err)
	}
	if bound != newSessionID {
		t.Fatalf("forked thread bound to %q, want %q", bound, newSessionID)
	}

	// The source thread keeps its original binding.
	orig, err := svc.ResolveSession(ctx, "thread-1")
	if err != nil {
		t.Fatalf("resolve source thread: %v", err)
	}
	if orig != "session-1" {
		t.Fatalf("source binding changed to %q", orig)
	}
}

func TestForkFromUnknownMessageCreatesNoThread(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := newFakeAgent()
	chat := newFakeChat()
	svc := newTestService(t, store, agent, chat)

	_, _, err := svc.ForkFrom(ctx, "chan-1", "thread-1", "no-such-message")
	if !errors.Is(err, mapper.ErrFragmentNotFound) {
		t.Fatalf("expected ErrFragmentNotFound, got %v", err)
	}
	if len(chat.threads) != 0 {
		t.Fatal("thread created for failed fork")
	}
}

func TestRenameThreadFromSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := newFakeAgent()
	chat := newFakeChat()
	svc := newTestService(t, store, agent, chat)

	if _, err := svc.ExecutePrompt(ctx, "chan-1", "thread-1", "hello"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Untitled sessions leave the thread name alone.
	if err := svc.RenameThreadFromSession(ctx, "chan-1", "thread-1"); err != nil {
		t.Fatalf("rename with no title: %v", err)
	}
	if len(chat.renames) != 0 {
		t.Fatalf("thread renamed without a session title: %v", chat.renames)
	}

	agent.setTitle("session-1", "Fix the flaky test")
	if err := svc.RenameThreadFromSession(ctx, "chan-1", "thread-1"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if chat.renames["thread-1"] != "Fix the flaky test" {
		t.Fatalf("got renames %v", chat.renames)
	}
}

func TestExecutePromptUsesReadyWorktreeDirectory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := newFakeAgent()
	chat := newFakeChat()
	svc := newTestService(t, store, agent, chat)

	if err := store.CreateThreadWorktree(ctx, "thread-1", "feature-x", "/repo"); err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	if err := store.MarkWorktreeReady(ctx, "thread-1", "/worktrees/feature-x"); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	if _, err := svc.ExecutePrompt(ctx, "chan-1", "thread-1", "hello"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	s, err := agent.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.Directory != "/worktrees/feature-x" {
		t.Fatalf("session rooted at %q, want the thread's worktree", s.Directory)
	}
}
