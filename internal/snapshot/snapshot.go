// Package snapshot packs a session workspace into a compressed tarball and
// restores it. Reproducible and ephemeral subtrees are excluded, so a
// restored workspace may need its installer re-run to regain dependency
// directories.
package snapshot

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// excludedDirs are skipped at any depth when packing.
var excludedDirs = map[string]bool{
	"node_modules":  true,
	".git":          true,
	".cache":        true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	".npm":          true,
	".pnpm-store":   true,
	"tmp":           true,
	".tmp":          true,
	".pytest_cache": true,
}

// Pack writes a gzip tarball of srcDir to tarPath and returns the archive
// size in bytes. Entry names are relative to srcDir.
func Pack(srcDir, tarPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(tarPath), 0o755); err != nil {
		return 0, fmt.Errorf("create snapshot dir: %w", err)
	}
	out, err := os.Create(tarPath)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files can vanish mid-walk while a process inside winds down.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && excludedDirs[d.Name()] {
			return filepath.SkipDir
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr := &tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     filepath.ToSlash(rel),
				Linkname: target,
				Mode:     0o777,
			}
			return tw.WriteHeader(hdr)
		case info.IsDir():
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     filepath.ToSlash(rel) + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			}
			return tw.WriteHeader(hdr)
		case info.Mode().IsRegular():
			hdr := &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     filepath.ToSlash(rel),
				Size:     info.Size(),
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			defer f.Close()
			if _, err := io.CopyN(tw, f, info.Size()); err != nil && err != io.EOF {
				return fmt.Errorf("pack %s: %w", rel, err)
			}
			return nil
		default:
			// Sockets, devices, fifos have no place in a snapshot.
			return nil
		}
	})
	if err != nil {
		tw.Close()
		gz.Close()
		return 0, err
	}

	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	stat, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Extract restores a tarball produced by Pack into destDir. Entries that
// would resolve outside destDir are rejected, including symlinks whose
// target escapes the tree.
func Extract(tarPath, destDir string) error {
	in, err := os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		name := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry escapes workspace: %q", hdr.Name)
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			link := hdr.Linkname
			if filepath.IsAbs(link) || !filepath.IsLocal(filepath.Join(filepath.Dir(name), link)) {
				return fmt.Errorf("symlink %q escapes workspace: %q", hdr.Name, link)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(link, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Skip anything else.
		}
	}
}

// Excluded reports whether a path component is on the exclusion list.
// The restore guarantee only covers files outside these directories.
func Excluded(name string) bool {
	return excludedDirs[strings.TrimSuffix(name, "/")]
}
