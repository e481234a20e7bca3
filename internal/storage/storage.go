// Package storage provides the pluggable blob stores: whole-workspace
// snapshots addressed by session id, and per-file blobs addressed by key.
// The URL scheme selects the backend (s3://, gs://, or local paths when
// unset).
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// SnapshotStore holds one workspace tarball per session.
type SnapshotStore interface {
	// Upload stores the tarball at tarPath under the session id and
	// returns its size in bytes.
	Upload(ctx context.Context, sessionID, tarPath string) (int64, error)
	// Download writes the session's tarball to destPath.
	Download(ctx context.Context, sessionID, destPath string) error
	Exists(ctx context.Context, sessionID string) (bool, error)
	Delete(ctx context.Context, sessionID string) error
}

// FileStore holds attachment and agent-archive blobs by key.
type FileStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// OpenSnapshotStore selects a backend from rawURL; empty means the local
// directory store rooted at localDir.
func OpenSnapshotStore(ctx context.Context, rawURL, localDir string) (SnapshotStore, error) {
	if rawURL == "" {
		return NewLocalSnapshotStore(localDir)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "s3":
		files, err := NewS3Store(ctx, u)
		if err != nil {
			return nil, err
		}
		return NewObjectSnapshotStore(files), nil
	case "gs":
		files, err := NewGCSStore(ctx, u)
		if err != nil {
			return nil, err
		}
		return NewObjectSnapshotStore(files), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

// OpenFileStore selects a backend from rawURL; empty means the local store
// rooted at localRoot.
func OpenFileStore(ctx context.Context, rawURL, localRoot string) (FileStore, error) {
	if rawURL == "" {
		return NewLocalFileStore(localRoot)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "s3":
		return NewS3Store(ctx, u)
	case "gs":
		return NewGCSStore(ctx, u)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

// ValidateKey rejects keys that could escape a store root: null bytes,
// absolute paths, and dotdot traversal.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("key contains null byte")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("key %q is absolute", key)
	}
	if !filepath.IsLocal(filepath.FromSlash(key)) {
		return fmt.Errorf("key %q escapes store root", key)
	}
	return nil
}

// snapshotKey maps a session id onto the object-store key layout.
func snapshotKey(prefix, sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, "/\x00") || !filepath.IsLocal(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return path.Join(prefix, "snapshots", sessionID, "workspace.tar.gz"), nil
}
