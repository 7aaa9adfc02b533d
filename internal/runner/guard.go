package runner

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// guard enforces the runner's permission boundary: file access stays
// inside the allocated slot, .git internals are off limits, pushes go
// only to the runner's own feature branch, and shell-outs are screened
// for destructive patterns.
type guard struct {
	workspaceRoot string
	featureBranch string
}

func newGuard(workspaceRoot, featureBranch string) (*guard, error) {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &guard{workspaceRoot: abs, featureBranch: featureBranch}, nil
}

// CheckPath validates a workspace-relative or absolute file path and
// returns the absolute path inside the slot.
func (g *guard) CheckPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.workspaceRoot, path)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(g.workspaceRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q touches .git internals", path)
	}
	return abs, nil
}

// CheckBranch rejects pushes to anything but the runner's feature
// branch.
func (g *guard) CheckBranch(branch string) error {
	if branch != g.featureBranch {
		return fmt.Errorf("push to %q rejected; runner owns only %q", branch, g.featureBranch)
	}
	return nil
}

var dangerousShellPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*-?[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*\s+/(\s|$)`),
	regexp.MustCompile(`\brm\s+-rf?\s+/\*`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`\bchmod\s+(-R\s+)?777\s+/(\s|$)`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}`),
	regexp.MustCompile(`\bshutdown\b|\breboot\b`),
}

// CheckShellCommand screens a shell-out for destructive patterns.
func (g *guard) CheckShellCommand(command string) error {
	for _, pattern := range dangerousShellPatterns {
		if pattern.MatchString(command) {
			return fmt.Errorf("command rejected by safety screen: %q", command)
		}
	}
	return nil
}
