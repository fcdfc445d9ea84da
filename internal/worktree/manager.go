// Package worktree drives the per-thread worktree state machine. The row
// is created pending before any filesystem work starts, then a single
// adapter callback moves it to ready or error. Terminal states are only
// left by deleting the row.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/threadclaw/internal/persistence"
)

// SourceControl creates and removes isolated checkouts. Implementations
// own all git plumbing.
type SourceControl interface {
	// CreateWorktree creates a worktree named name under root, branched
	// from projectDir, and returns the new directory.
	CreateWorktree(ctx context.Context, projectDir, root, name string) (string, error)

	// RemoveWorktree tears down a worktree directory. Best effort.
	RemoveWorktree(ctx context.Context, projectDir, directory string) error
}

// Manager owns worktree rows in the store and delegates filesystem work to
// the SourceControl adapter.
type Manager struct {
	store  *persistence.Store
	scm    SourceControl
	logger *slog.Logger
	root   string

	wg sync.WaitGroup
}

// Config holds the dependencies for the worktree manager.
type Config struct {
	Store  *persistence.Store
	SCM    SourceControl
	Logger *slog.Logger
	// Root is the directory new worktrees are placed under.
	Root string
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  cfg.Store,
		scm:    cfg.SCM,
		logger: logger,
		root:   cfg.Root,
	}
}

// Request creates the pending row synchronously, then starts worktree
// creation in the background. The row is visible to concurrent readers
// (e.g. a status command) while creation is in flight. A thread with an
// existing row, terminal or not, must delete it first.
func (m *Manager) Request(ctx context.Context, threadID, name, projectDir string) error {
	if projectDir == "" {
		return fmt.Errorf("request worktree: no project directory configured")
	}
	if _, err := m.store.GetThreadWorktree(ctx, threadID); err == nil {
		return fmt.Errorf("request worktree: thread %s already has a worktree row (delete it to retry)", threadID)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	if err := m.store.CreateThreadWorktree(ctx, threadID, name, projectDir); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.create(context.WithoutCancel(ctx), threadID, name, projectDir)
	}()
	return nil
}

// create runs the adapter and performs the single pending→terminal
// transition.
func (m *Manager) create(ctx context.Context, threadID, name, projectDir string) {
	directory, err := m.scm.CreateWorktree(ctx, projectDir, m.root, name)
	if err != nil {
		m.logger.Warn("worktree creation failed", "thread_id", threadID, "name", name, "error", err)
		if markErr := m.store.MarkWorktreeError(ctx, threadID, err.Error()); markErr != nil {
			m.logger.Error("failed to record worktree error", "thread_id", threadID, "error", markErr)
		}
		return
	}
	if err := m.store.MarkWorktreeReady(ctx, threadID, directory); err != nil {
		m.logger.Error("failed to record worktree directory", "thread_id", threadID, "error", err)
		return
	}
	m.logger.Info("worktree ready", "thread_id", threadID, "name", name, "directory", directory)
}

// Get returns the worktree row for a thread.
func (m *Manager) Get(ctx context.Context, threadID string) (persistence.ThreadWorktree, error) {
	return m.store.GetThreadWorktree(ctx, threadID)
}

// List returns all worktree rows.
func (m *Manager) List(ctx context.Context) ([]persistence.ThreadWorktree, error) {
	return m.store.ListThreadWorktrees(ctx)
}

// Delete removes the row and, for ready worktrees, tears down the
// directory. This is the only way to retry after an error.
func (m *Manager) Delete(ctx context.Context, threadID string) error {
	wt, err := m.store.GetThreadWorktree(ctx, threadID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if wt.Status == persistence.WorktreeStatusReady && wt.WorktreeDirectory != "" {
		if err := m.scm.RemoveWorktree(ctx, wt.ProjectDirectory, wt.WorktreeDirectory); err != nil {
			m.logger.Warn("worktree teardown failed", "thread_id", threadID, "directory", wt.WorktreeDirectory, "error", err)
		}
	}
	return m.store.DeleteThreadWorktree(ctx, threadID)
}

// Wait blocks until all in-flight creations have finished. Used on
// shutdown and in tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}
