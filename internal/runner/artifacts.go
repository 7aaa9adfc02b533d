package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"necrocode/internal/redaction"
	"necrocode/internal/registry"
)

// ArtifactStore uploads artifact payloads and returns addressable URIs.
type ArtifactStore interface {
	Put(ctx context.Context, spec, taskID, name string, data []byte) (uri string, size int64, err error)
}

// FSArtifactStore stores artifacts under baseDir/<spec>/<task_id>/ with
// file:// URIs. It is the default store for single-host deployments.
type FSArtifactStore struct {
	baseDir string
}

// NewFSArtifactStore creates the store rooted at baseDir.
func NewFSArtifactStore(baseDir string) *FSArtifactStore {
	return &FSArtifactStore{baseDir: baseDir}
}

func (s *FSArtifactStore) Put(_ context.Context, spec, taskID, name string, data []byte) (string, int64, error) {
	dir := filepath.Join(s.baseDir, spec, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", 0, fmt.Errorf("write artifact %s: %w", name, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + abs, int64(len(data)), nil
}

// uploadArtifact masks secrets when requested, uploads, and records the
// reference on the task.
func (r *Runner) uploadArtifact(ctx context.Context, kind registry.ArtifactType, name string, data []byte, mask bool) (string, error) {
	if mask {
		data = []byte(redaction.MaskText(string(data)))
	}
	uri, size, err := r.store.Put(ctx, r.taskCtx.SpecName, r.taskCtx.TaskID, name, data)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := r.reporter.AddArtifact(ctx, r.taskCtx.SpecName, r.taskCtx.TaskID, registry.Artifact{
		Type:      kind,
		URI:       uri,
		SizeBytes: size,
	}); err != nil {
		return "", fmt.Errorf("record %s: %w", name, err)
	}
	return uri, nil
}
