package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalSnapshotStore keeps one directory per session under its root.
type LocalSnapshotStore struct {
	dir string
}

// NewLocalSnapshotStore roots the store at dir, creating it if needed.
func NewLocalSnapshotStore(dir string) (*LocalSnapshotStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	return &LocalSnapshotStore{dir: abs}, nil
}

func (s *LocalSnapshotStore) pathFor(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, "/\x00") || !filepath.IsLocal(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, sessionID, "workspace.tar.gz"), nil
}

func (s *LocalSnapshotStore) Upload(ctx context.Context, sessionID, tarPath string) (int64, error) {
	dest, err := s.pathFor(sessionID)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	// Same-filesystem rename when the tarball was staged next door,
	// otherwise copy.
	if err := os.Rename(tarPath, dest); err == nil {
		stat, err := os.Stat(dest)
		if err != nil {
			return 0, err
		}
		return stat.Size(), nil
	}
	return copyFile(tarPath, dest)
}

func (s *LocalSnapshotStore) Download(ctx context.Context, sessionID, destPath string) error {
	src, err := s.pathFor(sessionID)
	if err != nil {
		return err
	}
	if _, err := copyFile(src, destPath); err != nil {
		return err
	}
	return nil
}

func (s *LocalSnapshotStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	p, err := s.pathFor(sessionID)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *LocalSnapshotStore) Delete(ctx context.Context, sessionID string) error {
	p, err := s.pathFor(sessionID)
	if err != nil {
		return err
	}
	return os.RemoveAll(filepath.Dir(p))
}

// LocalFileStore resolves keys against a normalized root and rejects any
// resolved path that lands outside it.
type LocalFileStore struct {
	root string
}

// NewLocalFileStore roots the store at root, creating it if needed.
func NewLocalFileStore(root string) (*LocalFileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create file store root: %w", err)
	}
	return &LocalFileStore{root: abs}, nil
}

func (s *LocalFileStore) resolve(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if p != s.root && !strings.HasPrefix(p, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("key %q escapes store root", key)
	}
	return p, nil
}

func (s *LocalFileStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	p, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(p)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		return 0, err
	}
	return n, nil
}

func (s *LocalFileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (s *LocalFileStore) Delete(ctx context.Context, key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

func (s *LocalFileStore) List(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" {
		if err := ValidateKey(prefix); err != nil {
			return nil, err
		}
	}
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LocalFileStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return 0, err
	}
	return n, nil
}
