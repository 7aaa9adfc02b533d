// Package gitutil shells out to the git CLI with a scrubbed environment.
// All operations are context-bound and return combined output in errors so
// failures surface the underlying git message.
package gitutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// EnsureInstalled verifies the git binary is reachable.
func EnsureInstalled() error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git CLI not installed. Install from https://git-scm.com/")
	}
	return nil
}

// Run executes a git command in dir and returns the trimmed combined output.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	return run(ctx, dir, true, args...)
}

// RunRaw executes a git command in dir and returns the raw combined output
// without trimming.
func RunRaw(ctx context.Context, dir string, args ...string) (string, error) {
	return run(ctx, dir, false, args...)
}

func run(ctx context.Context, dir string, trim bool, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = mergeEnv(os.Environ(), map[string]string{
		"GIT_PAGER":           "cat",
		"GIT_TERMINAL_PROMPT": "0",
		"GIT_SSH_COMMAND":     "ssh -oBatchMode=yes",
		"NO_COLOR":            "1",
	})
	output, err := cmd.CombinedOutput()
	result := string(output)
	if err != nil {
		cleaned := strings.TrimSpace(result)
		if cleaned != "" {
			return "", fmt.Errorf("git %s failed: %s", strings.Join(args, " "), cleaned)
		}
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	if trim {
		return strings.TrimSpace(result), nil
	}
	return result, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make(map[string]string, len(base)+len(overrides))
	for _, entry := range base {
		if idx := strings.Index(entry, "="); idx != -1 {
			env[entry[:idx]] = entry[idx+1:]
		}
	}

	for key, value := range overrides {
		env[key] = value
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	merged := make([]string, 0, len(env))
	for _, key := range keys {
		merged = append(merged, fmt.Sprintf("%s=%s", key, env[key]))
	}

	return merged
}

// Clone clones repoURL into dir.
func Clone(ctx context.Context, repoURL, dir string) error {
	_, err := Run(ctx, "", "clone", repoURL, dir)
	return err
}

// WorktreeAdd creates a worktree at path on a new branch cut from HEAD of
// the repository at repoDir.
func WorktreeAdd(ctx context.Context, repoDir, path, branch string) error {
	_, err := Run(ctx, repoDir, "worktree", "add", "-b", branch, path)
	return err
}

// WorktreeRemove detaches the worktree at path from the repository at repoDir.
func WorktreeRemove(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := Run(ctx, repoDir, args...)
	return err
}

// Checkout switches dir to branch, creating or resetting it when create is
// set (checkout -B).
func Checkout(ctx context.Context, dir, branch string, create bool) error {
	args := []string{"checkout"}
	if create {
		args = append(args, "-B")
	}
	args = append(args, branch)
	_, err := Run(ctx, dir, args...)
	return err
}

// ResetHard discards all tracked modifications in dir.
func ResetHard(ctx context.Context, dir string) error {
	_, err := Run(ctx, dir, "reset", "--hard")
	return err
}

// CleanForce removes untracked files and directories, including ignored
// ones (clean -fdx).
func CleanForce(ctx context.Context, dir string) error {
	_, err := Run(ctx, dir, "clean", "-fdx")
	return err
}

// FetchOrigin refreshes the object store from the origin remote.
func FetchOrigin(ctx context.Context, dir string) error {
	_, err := Run(ctx, dir, "fetch", "origin")
	return err
}

// CurrentBranch returns the checked-out branch name in dir.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	return Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// Head returns the commit hash at HEAD in dir.
func Head(ctx context.Context, dir string) (string, error) {
	return Run(ctx, dir, "rev-parse", "HEAD")
}

// BranchExists reports whether branch exists locally in the repository
// containing dir.
func BranchExists(ctx context.Context, dir, branch string) bool {
	_, err := Run(ctx, dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// StatusPorcelain returns the machine-readable status of dir.
func StatusPorcelain(ctx context.Context, dir string) (string, error) {
	return Run(ctx, dir, "status", "--porcelain")
}

// AddAll stages every change under dir.
func AddAll(ctx context.Context, dir string) error {
	_, err := Run(ctx, dir, "add", "-A")
	return err
}

// Commit records staged changes with the given message. Returns an error
// when there is nothing to commit.
func Commit(ctx context.Context, dir, message string) error {
	_, err := Run(ctx, dir, "commit", "-m", message)
	return err
}

// Push pushes branch to the origin remote.
func Push(ctx context.Context, dir, branch string) error {
	_, err := Run(ctx, dir, "push", "origin", branch)
	return err
}

// DiffUnified returns the unified diff of the commit at HEAD in dir.
func DiffUnified(ctx context.Context, dir string) (string, error) {
	return RunRaw(ctx, dir, "show", "--format=", "--unified=3", "HEAD")
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(ctx context.Context, dir string) bool {
	out, err := Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}
