package snapshot

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPackExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "main.py"), "print('hi')\n")
	writeFile(t, filepath.Join(src, "data", "notes.md"), "# notes\n")
	writeFile(t, filepath.Join(src, "node_modules", "left-pad", "index.js"), "junk")
	writeFile(t, filepath.Join(src, ".git", "HEAD"), "ref: refs/heads/main")
	writeFile(t, filepath.Join(src, "__pycache__", "main.pyc"), "binary")
	if err := os.Symlink("main.py", filepath.Join(src, "entry")); err != nil {
		t.Fatal(err)
	}

	tarPath := filepath.Join(t.TempDir(), "workspace.tar.gz")
	size, err := Pack(src, tarPath)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if size <= 0 {
		t.Fatalf("size = %d", size)
	}

	dest := filepath.Join(t.TempDir(), "restored")
	if err := Extract(tarPath, dest); err != nil {
		t.Fatalf("extract: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "main.py"))
	if err != nil || string(got) != "print('hi')\n" {
		t.Errorf("main.py = %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dest, "data", "notes.md")); err != nil {
		t.Errorf("nested file missing: %v", err)
	}

	// Ephemeral trees never make it into the archive.
	for _, p := range []string{"node_modules", ".git", "__pycache__"} {
		if _, err := os.Stat(filepath.Join(dest, p)); !os.IsNotExist(err) {
			t.Errorf("%s was packed, want excluded", p)
		}
	}

	link, err := os.Readlink(filepath.Join(dest, "entry"))
	if err != nil || link != "main.py" {
		t.Errorf("symlink = %q, %v", link, err)
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	writeEvilTar := func(t *testing.T, hdr *tar.Header, body []byte) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "evil.tar.gz")
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		gz := gzip.NewWriter(f)
		tw := tar.NewWriter(gz)
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if len(body) > 0 {
			if _, err := tw.Write(body); err != nil {
				t.Fatal(err)
			}
		}
		tw.Close()
		gz.Close()
		f.Close()
		return path
	}

	dest := t.TempDir()

	path := writeEvilTar(t, &tar.Header{
		Typeflag: tar.TypeReg, Name: "../outside.txt", Size: 4, Mode: 0o644,
	}, []byte("evil"))
	if err := Extract(path, dest); err == nil {
		t.Error("dotdot entry extracted, want error")
	}

	path = writeEvilTar(t, &tar.Header{
		Typeflag: tar.TypeSymlink, Name: "link", Linkname: "../../etc", Mode: 0o777,
	}, nil)
	if err := Extract(path, dest); err == nil {
		t.Error("escaping symlink extracted, want error")
	}

	path = writeEvilTar(t, &tar.Header{
		Typeflag: tar.TypeSymlink, Name: "link", Linkname: "/etc/passwd", Mode: 0o777,
	}, nil)
	if err := Extract(path, dest); err == nil {
		t.Error("absolute symlink extracted, want error")
	}
}

func TestPackEmptyDir(t *testing.T) {
	tarPath := filepath.Join(t.TempDir(), "empty.tar.gz")
	if _, err := Pack(t.TempDir(), tarPath); err != nil {
		t.Fatalf("pack empty: %v", err)
	}
	dest := t.TempDir()
	if err := Extract(tarPath, dest); err != nil {
		t.Fatalf("extract empty: %v", err)
	}
	entries, _ := os.ReadDir(dest)
	if len(entries) != 0 {
		t.Errorf("restored %d entries from empty workspace", len(entries))
	}
}

func TestExcluded(t *testing.T) {
	if !Excluded("node_modules") || !Excluded(".git/") {
		t.Error("known ephemeral dirs not excluded")
	}
	if Excluded("src") {
		t.Error("src should not be excluded")
	}
}
