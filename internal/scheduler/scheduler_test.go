package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/threadclaw/internal/agentapi"
	"github.com/basket/threadclaw/internal/bus"
	"github.com/basket/threadclaw/internal/channels"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/scheduler"
	"github.com/basket/threadclaw/internal/vault"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	failMsg string
}

func (f *fakeRunner) ExecutePrompt(ctx context.Context, channelID, threadID, text string) (agentapi.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	if f.failMsg != "" {
		return agentapi.Message{}, errors.New(f.failMsg)
	}
	return agentapi.Message{ID: "msg-1"}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sentMessage struct {
	channelID string
	threadID  string
	content   string
}

type fakeChat struct {
	mu   sync.Mutex
	sent []sentMessage
	next int
	fail bool
}

func (f *fakeChat) CreateThread(ctx context.Context, channelID, title string) (string, error) {
	return "thread-new", nil
}

func (f *fakeChat) SendMessage(ctx context.Context, channelID, threadID, content string) (string, error) {
	if f.fail {
		return "", errors.New("chat unreachable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.sent = append(f.sent, sentMessage{channelID: channelID, threadID: threadID, content: content})
	return fmt.Sprintf("sent-%d", f.next), nil
}

func (f *fakeChat) FetchRecentMessages(ctx context.Context, channelID, threadID string, limit int) ([]channels.ChatMessage, error) {
	return nil, nil
}

func (f *fakeChat) RenameThread(ctx context.Context, channelID, threadID, title string) error {
	return nil
}

func (f *fakeChat) sentTo(channelID string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.channelID == channelID {
			out = append(out, m)
		}
	}
	return out
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

func newTestScheduler(t *testing.T, store *persistence.Store, runner *fakeRunner, chat *fakeChat, hub string) *scheduler.Scheduler {
	t.Helper()
	return scheduler.New(scheduler.Config{
		Store:             store,
		Runner:            runner,
		Chat:              chat,
		Bus:               bus.New(),
		HubChannelID:      hub,
		DefaultProjectDir: "/repo",
	})
}

func TestTickExecutesDueRowExactlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{}
	chat := &fakeChat{}
	sched := newTestScheduler(t, store, runner, chat, "")

	id, err := store.CreateScheduledMessage(ctx, "chan-1", "thread-1", "run the tests", time.Now().Add(-time.Minute), "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sched.Tick(ctx)

	if runner.callCount() != 1 {
		t.Fatalf("runner called %d times, want 1", runner.callCount())
	}
	sm, err := store.GetScheduledMessage(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sm.Status != persistence.ScheduleStatusCompleted {
		t.Fatalf("got status %q want completed", sm.Status)
	}

	// The row is terminal; further ticks must not touch it.
	sched.Tick(ctx)
	if runner.callCount() != 1 {
		t.Fatalf("resolved row re-executed: %d calls", runner.callCount())
	}
}

func TestTickAnnouncesBeforeExecuting(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{}
	chat := &fakeChat{}
	sched := newTestScheduler(t, store, runner, chat, "")

	if _, err := store.CreateScheduledMessage(ctx, "chan-1", "thread-1", "run the tests", time.Now().Add(-time.Minute), "user-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	sched.Tick(ctx)

	sent := chat.sentTo("chan-1")
	if len(sent) == 0 {
		t.Fatal("no notice posted to the thread")
	}
	if !strings.Contains(sent[0].content, "scheduled prompt") || sent[0].threadID != "thread-1" {
		t.Fatalf("unexpected notice %+v", sent[0])
	}
}

func TestTickRecordsFailure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{failMsg: "agent unreachable"}
	chat := &fakeChat{}
	sched := newTestScheduler(t, store, runner, chat, "")

	id, err := store.CreateScheduledMessage(ctx, "chan-1", "", "run the tests", time.Now().Add(-time.Minute), "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sched.Tick(ctx)

	sm, err := store.GetScheduledMessage(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sm.Status != persistence.ScheduleStatusFailed {
		t.Fatalf("got status %q want failed", sm.Status)
	}
	if !strings.Contains(sm.ErrorMessage, "agent unreachable") {
		t.Fatalf("got error message %q", sm.ErrorMessage)
	}
}

func TestTickRowFailureDoesNotAbortOthers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{failMsg: "agent unreachable"}
	chat := &fakeChat{}
	sched := newTestScheduler(t, store, runner, chat, "")

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := store.CreateScheduledMessage(ctx, "chan-1", "", "run the tests", time.Now().Add(-time.Minute), "user-1")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, id)
	}
	sched.Tick(ctx)

	if runner.callCount() != 3 {
		t.Fatalf("runner called %d times, want 3", runner.callCount())
	}
	for _, id := range ids {
		sm, err := store.GetScheduledMessage(ctx, id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if sm.Status != persistence.ScheduleStatusFailed {
			t.Fatalf("row %d status %q, want failed", id, sm.Status)
		}
	}
}

func TestTickRequiresProjectDirectory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{}
	chat := &fakeChat{}
	sched := scheduler.New(scheduler.Config{
		Store:  store,
		Runner: runner,
		Chat:   chat,
		// No DefaultProjectDir, and the channel has no settings row.
	})

	id, err := store.CreateScheduledMessage(ctx, "chan-1", "", "run the tests", time.Now().Add(-time.Minute), "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sched.Tick(ctx)

	if runner.callCount() != 0 {
		t.Fatal("prompt executed without a project directory")
	}
	sm, err := store.GetScheduledMessage(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sm.Status != persistence.ScheduleStatusFailed {
		t.Fatalf("got status %q want failed", sm.Status)
	}
	if !strings.Contains(sm.ErrorMessage, "project directory") {
		t.Fatalf("got error message %q", sm.ErrorMessage)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{}
	chat := &fakeChat{}
	sched := newTestScheduler(t, store, runner, chat, "")

	id, err := store.CreateScheduledMessage(ctx, "chan-1", "", "run the tests", time.Now().Add(time.Hour), "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sched.Cancel(ctx, id, "user-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := sched.Cancel(ctx, id, "user-1"); !errors.Is(err, scheduler.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}

	// The cancelled row never executes.
	sched.Tick(ctx)
	if runner.callCount() != 0 {
		t.Fatal("cancelled row executed")
	}
}

func TestHubNotification(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{}
	chat := &fakeChat{}
	sched := newTestScheduler(t, store, runner, chat, "hub-chan")

	if _, err := store.CreateScheduledMessage(ctx, "chan-1", "", "run the tests", time.Now().Add(-time.Minute), "user-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	sched.Tick(ctx)

	hub := chat.sentTo("hub-chan")
	if len(hub) != 1 {
		t.Fatalf("got %d hub notices, want 1", len(hub))
	}
	if !strings.Contains(hub[0].content, "completed") || !strings.Contains(hub[0].content, "run the tests") {
		t.Fatalf("unexpected hub notice %q", hub[0].content)
	}
}

func TestOutcomeEventPublished(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{failMsg: "boom"}
	chat := &fakeChat{}
	eventBus := bus.New()
	sched := scheduler.New(scheduler.Config{
		Store:             store,
		Runner:            runner,
		Chat:              chat,
		Bus:               eventBus,
		DefaultProjectDir: "/repo",
	})

	sub := eventBus.Subscribe("schedule.")
	defer eventBus.Unsubscribe(sub)

	id, err := store.CreateScheduledMessage(ctx, "chan-1", "", "run the tests", time.Now().Add(-time.Minute), "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sched.Tick(ctx)

	select {
	case event := <-sub.Ch():
		if event.Topic != bus.TopicScheduleFailed {
			t.Fatalf("got topic %q want %q", event.Topic, bus.TopicScheduleFailed)
		}
		ev, ok := event.Payload.(bus.ScheduleOutcomeEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", event.Payload)
		}
		if ev.ScheduleID != id || ev.Error == "" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no schedule outcome event published")
	}
}

// blockingRunner holds a prompt open until released, recording the context
// state seen at release time.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func (b *blockingRunner) ExecutePrompt(ctx context.Context, channelID, threadID, text string) (agentapi.Message, error) {
	close(b.started)
	<-b.release
	b.mu.Lock()
	b.ctxErr = ctx.Err()
	b.mu.Unlock()
	return agentapi.Message{ID: "msg-1"}, ctx.Err()
}

func (b *blockingRunner) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctxErr
}

func TestStopLetsInFlightTickFinish(t *testing.T) {
	store := openTestStore(t)
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	chat := &fakeChat{}
	sched := scheduler.New(scheduler.Config{
		Store:             store,
		Runner:            runner,
		Chat:              chat,
		Interval:          time.Hour,
		DefaultProjectDir: "/repo",
	})

	ctx := context.Background()
	id, err := store.CreateScheduledMessage(ctx, "chan-1", "", "run the tests", time.Now().Add(-time.Minute), "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sched.Start(ctx)
	<-runner.started

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()

	// Stop must wait out the in-flight row, not abandon it.
	select {
	case <-stopped:
		t.Fatal("Stop returned while a row was still executing")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the tick finished")
	}

	// The prompt and the terminal store write both survive the shutdown:
	// otherwise the announced row stays pending and re-executes on restart.
	if err := runner.err(); err != nil {
		t.Fatalf("prompt context cancelled during shutdown: %v", err)
	}
	sm, err := store.GetScheduledMessage(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sm.Status != persistence.ScheduleStatusCompleted {
		t.Fatalf("got status %q want completed", sm.Status)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	store := openTestStore(t)
	runner := &fakeRunner{}
	chat := &fakeChat{}
	sched := scheduler.New(scheduler.Config{
		Store:             store,
		Runner:            runner,
		Chat:              chat,
		Interval:          20 * time.Millisecond,
		DefaultProjectDir: "/repo",
	})

	ctx := context.Background()
	if _, err := store.CreateScheduledMessage(ctx, "chan-1", "", "run the tests", time.Now().Add(-time.Minute), "user-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	sched.Start(ctx)
	waitFor(t, 2*time.Second, func() bool { return runner.callCount() == 1 })
	sched.Stop()
}

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
