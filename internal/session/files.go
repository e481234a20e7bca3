package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashrun/ash/internal/sandbox"
	"github.com/ashrun/ash/pkg/types"
)

// ErrBadPath rejects workspace paths that are absolute or traverse out of
// the workspace root.
var ErrBadPath = errors.New("session: path escapes workspace")

// FileInfo describes one workspace entry.
type FileInfo struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"sizeBytes"`
	IsDir     bool      `json:"isDir"`
	ModTime   time.Time `json:"modTime"`
}

// workspaceDir resolves where a session's files live right now: the live
// sandbox if one exists, else the cold record's workspace if it survives
// on disk.
func (o *Orchestrator) workspaceDir(ctx context.Context, tenant, sessionID string) (string, error) {
	if _, err := o.repo.GetSession(ctx, tenant, sessionID); err != nil {
		return "", err
	}
	if sb, ok := o.pool.GetBySession(sessionID); ok {
		return sb.WorkspaceDir, nil
	}
	rec, err := o.repo.SandboxBySession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(rec.WorkspaceDir); err != nil {
		return "", fmt.Errorf("session: workspace for %s is not on disk: %w", sessionID, err)
	}
	return rec.WorkspaceDir, nil
}

// ListFiles walks the session workspace and returns every entry with a
// workspace-relative path.
func (o *Orchestrator) ListFiles(ctx context.Context, tenant, sessionID string) ([]FileInfo, error) {
	root, err := o.workspaceDir(ctx, tenant, sessionID)
	if err != nil {
		return nil, err
	}
	var out []FileInfo
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		out = append(out, FileInfo{
			Path:      filepath.ToSlash(rel),
			SizeBytes: info.Size(),
			IsDir:     d.IsDir(),
			ModTime:   info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadFile returns the bytes of one workspace file after containment
// checks on the requested path.
func (o *Orchestrator) ReadFile(ctx context.Context, tenant, sessionID, relPath string) ([]byte, error) {
	root, err := o.workspaceDir(ctx, tenant, sessionID)
	if err != nil {
		return nil, err
	}
	full, err := resolveInWorkspace(root, relPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// resolveInWorkspace joins relPath onto root and verifies the result,
// symlinks included, stays inside root.
func resolveInWorkspace(root, relPath string) (string, error) {
	relPath = filepath.FromSlash(relPath)
	if relPath == "" || filepath.IsAbs(relPath) || !filepath.IsLocal(relPath) {
		return "", ErrBadPath
	}
	full := filepath.Join(root, relPath)
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			return full, nil
		}
		return "", err
	}
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrBadPath
	}
	return resolved, nil
}

// Exec runs a one-off command in the session's live sandbox.
func (o *Orchestrator) Exec(ctx context.Context, tenant, sessionID, command string, timeout time.Duration) (*sandbox.ExecResult, error) {
	sess, err := o.repo.GetSession(ctx, tenant, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == types.SessionEnded {
		return nil, ErrSessionEnded
	}
	sb, ok := o.pool.GetBySession(sessionID)
	if !ok {
		return nil, ErrNoLiveSandbox
	}
	return o.manager.Exec(ctx, sb.ID, command, timeout)
}

// Logs returns ring-buffered sandbox output for the session.
func (o *Orchestrator) Logs(ctx context.Context, tenant, sessionID string, after int64) ([]sandbox.LogEntry, int64, error) {
	if _, err := o.repo.GetSession(ctx, tenant, sessionID); err != nil {
		return nil, 0, err
	}
	sb, ok := o.pool.GetBySession(sessionID)
	if !ok {
		return nil, 0, ErrNoLiveSandbox
	}
	return o.manager.Logs(sb.ID, after)
}
