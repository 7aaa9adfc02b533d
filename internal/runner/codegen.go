package runner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	necroerr "necrocode/internal/errors"
)

// FileOperation is what a code-generation response asks us to do with
// one file.
type FileOperation string

const (
	OpCreate FileOperation = "create"
	OpUpdate FileOperation = "update"
	OpDelete FileOperation = "delete"
)

// FileChange is one requested workspace mutation.
type FileChange struct {
	Path      string        `json:"file_path"`
	Operation FileOperation `json:"operation"`
	Content   string        `json:"content,omitempty"`
}

// GenerationRequest carries the prompt and task identity to the
// code-generation service.
type GenerationRequest struct {
	SpecName string
	TaskID   string
	Prompt   string
}

// GenerationResponse enumerates the file changes to apply.
type GenerationResponse struct {
	Changes []FileChange
	// Summary is free-form model commentary, kept in the execution log.
	Summary string
}

// CodeGenerator is the external code-generation service. Implementations
// classify their failures: transient ones (rate limit, timeout, network)
// as TransientError, everything else as permanent.
type CodeGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error)
}

const (
	maxListedFiles   = 200
	codegenRetryBase = 2 * time.Second
	codegenRetryMax  = 60 * time.Second
	codegenAttempts  = 4
)

// buildPrompt assembles the generation prompt: task identity,
// description, acceptance criteria, and a bounded listing of workspace
// files so the model sees the project shape.
func (r *Runner) buildPrompt() (string, error) {
	files, err := listWorkspaceFiles(r.taskCtx.WorkspacePath, maxListedFiles)
	if err != nil {
		return "", fmt.Errorf("list workspace: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task %s (%s): %s\n\n", r.taskCtx.TaskID, r.taskCtx.SpecName, r.taskCtx.Title)
	if r.taskCtx.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n\n", r.taskCtx.Description)
	}
	if len(r.taskCtx.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for i, crit := range r.taskCtx.AcceptanceCriteria {
			fmt.Fprintf(&b, "%d. %s\n", i+1, crit)
		}
		b.WriteString("\n")
	}
	b.WriteString("Workspace files:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String(), nil
}

// generate calls the service with bounded exponential retry on transient
// failures; permanent failures (auth, malformed output) surface
// immediately.
func (r *Runner) generate(ctx context.Context, prompt string) (*GenerationResponse, error) {
	cfg := necroerr.RetryConfig{
		MaxAttempts:  codegenAttempts,
		BaseDelay:    codegenRetryBase,
		MaxDelay:     codegenRetryMax,
		JitterFactor: 0.2,
	}
	if r.opts.CodegenRetry != nil {
		cfg = *r.opts.CodegenRetry
	}
	return necroerr.RetryWithResultAndLog(ctx, cfg, func(ctx context.Context) (*GenerationResponse, error) {
		return r.codegen.Generate(ctx, GenerationRequest{
			SpecName: r.taskCtx.SpecName,
			TaskID:   r.taskCtx.TaskID,
			Prompt:   prompt,
		})
	}, r.log)
}

// applyChanges writes the response to the workspace. Every path goes
// through the guard; one rejected path fails the whole batch before any
// file is touched.
func (r *Runner) applyChanges(changes []FileChange) error {
	if len(changes) == 0 {
		return necroerr.NewPermanentError(nil, "code generation returned no file changes")
	}

	type resolved struct {
		change FileChange
		abs    string
	}
	batch := make([]resolved, 0, len(changes))
	for _, change := range changes {
		switch change.Operation {
		case OpCreate, OpUpdate, OpDelete:
		default:
			return necroerr.NewPermanentError(nil, fmt.Sprintf("malformed operation %q for %s", change.Operation, change.Path))
		}
		abs, err := r.guard.CheckPath(change.Path)
		if err != nil {
			return necroerr.NewPermanentError(err, "generated change rejected")
		}
		batch = append(batch, resolved{change: change, abs: abs})
	}

	for _, item := range batch {
		prior := ""
		if data, err := os.ReadFile(item.abs); err == nil {
			prior = string(data)
		}
		switch item.change.Operation {
		case OpDelete:
			if err := os.Remove(item.abs); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete %s: %w", item.change.Path, err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(item.abs), 0o755); err != nil {
				return fmt.Errorf("create dir for %s: %w", item.change.Path, err)
			}
			if err := os.WriteFile(item.abs, []byte(item.change.Content), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", item.change.Path, err)
			}
		}
		added, removed := lineStats(prior, item.change.Content)
		r.logf("applied %s %s (+%d/-%d lines)", item.change.Operation, item.change.Path, added, removed)
	}
	return nil
}

// listWorkspaceFiles walks the slot directory, skipping .git and other
// dot-directories, capped at limit entries.
func listWorkspaceFiles(root string, limit int) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		files = append(files, rel)
		if len(files) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
