package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const gitTimeout = 60 * time.Second

// worktreeNamePattern restricts names to safe branch characters.
var worktreeNamePattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// GitCLI implements SourceControl by shelling out to git.
type GitCLI struct{}

// CreateWorktree runs `git worktree add -b <name> <root>/<name>` in the
// project directory. A branch-name collision or filesystem failure comes
// back as an error carrying git's stderr.
func (GitCLI) CreateWorktree(ctx context.Context, projectDir, root, name string) (string, error) {
	if !worktreeNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid worktree name %q", name)
	}
	if root == "" {
		root = filepath.Join(filepath.Dir(projectDir), "worktrees")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create worktree root: %w", err)
	}
	directory := filepath.Join(root, name)

	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", projectDir, "worktree", "add", "-b", name, directory)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git worktree add: %s", firstLine(string(out)))
	}
	return directory, nil
}

// RemoveWorktree runs `git worktree remove --force <directory>`.
func (GitCLI) RemoveWorktree(ctx context.Context, projectDir, directory string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", projectDir, "worktree", "remove", "--force", directory)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git worktree remove: %s", firstLine(string(out)))
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "unknown git failure"
	}
	return s
}
