package runner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	necroerr "necrocode/internal/errors"
	"necrocode/internal/gitutil"
)

var slugSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// taskSlug shortens a title into the branch-name suffix.
func taskSlug(title string) string {
	slug := slugSanitizer.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 30 {
		slug = strings.Trim(slug[:30], "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}

// BranchName is the fixed feature branch convention:
// feature/task-<spec>-<task_id>-<short-desc>. Dots in hierarchical task
// IDs become dashes.
func BranchName(spec, taskID, title string) string {
	id := strings.ReplaceAll(taskID, ".", "-")
	return fmt.Sprintf("feature/task-%s-%s-%s", spec, id, taskSlug(title))
}

// CommitMessage is the fixed commit convention:
// feat(<spec>): <title> [Task <task_id>].
func CommitMessage(spec, taskID, title string) string {
	return fmt.Sprintf("feat(%s): %s [Task %s]", spec, title, taskID)
}

// prepareBranch creates and checks out the task's feature branch. A
// branch that already exists belongs to another run and fails the task.
func (r *Runner) prepareBranch(ctx context.Context) error {
	dir := r.taskCtx.WorkspacePath
	branch := r.taskCtx.BranchName

	if gitutil.BranchExists(ctx, dir, branch) {
		return necroerr.NewPermanentError(nil, fmt.Sprintf("branch %s already exists", branch))
	}
	if err := gitutil.Checkout(ctx, dir, branch, true); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	r.logf("checked out %s", branch)
	return nil
}

// commitAndPush stages everything, commits with the fixed message, and
// pushes the feature branch with retry on transient failures. An empty
// worktree after generation is a permanent failure.
func (r *Runner) commitAndPush(ctx context.Context) error {
	dir := r.taskCtx.WorkspacePath
	branch := r.taskCtx.BranchName
	if err := r.guard.CheckBranch(branch); err != nil {
		return err
	}

	status, err := gitutil.StatusPorcelain(ctx, dir)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if status == "" {
		return necroerr.NewPermanentError(nil, "no changes to commit")
	}

	if err := gitutil.AddAll(ctx, dir); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	message := CommitMessage(r.taskCtx.SpecName, r.taskCtx.TaskID, r.taskCtx.Title)
	if err := gitutil.Commit(ctx, dir, message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.logf("committed: %s", message)

	if r.taskCtx.SkipPush {
		r.logf("push skipped by task context")
		return nil
	}

	cfg := necroerr.RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    2 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}
	err = necroerr.RetryWithLog(ctx, cfg, func(ctx context.Context) error {
		return gitutil.Push(ctx, dir, branch)
	}, r.log)
	if err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	r.logf("pushed %s", branch)
	return nil
}
