package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalFileStoreRoundTrip(t *testing.T) {
	store, err := NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	n, err := store.Put(ctx, "attachments/a1/report.pdf", strings.NewReader("content"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if n != 7 {
		t.Errorf("put size = %d, want 7", n)
	}

	ok, err := store.Exists(ctx, "attachments/a1/report.pdf")
	if err != nil || !ok {
		t.Errorf("exists = %v, %v", ok, err)
	}
	ok, _ = store.Exists(ctx, "attachments/missing")
	if ok {
		t.Error("missing key reported as existing")
	}

	r, err := store.Get(ctx, "attachments/a1/report.pdf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(r)
	r.Close()
	if string(body) != "content" {
		t.Errorf("body = %q", body)
	}

	if err := store.Delete(ctx, "attachments/a1/report.pdf"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "attachments/a1/report.pdf"); err == nil {
		t.Error("get after delete succeeded")
	}
}

func TestLocalFileStoreList(t *testing.T) {
	store, err := NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, key := range []string{"agents/bot/v1.tar.gz", "agents/bot/v2.tar.gz", "attachments/x"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "agents/bot")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "agents/bot/v1.tar.gz" {
		t.Errorf("keys = %v", keys)
	}

	all, _ := store.List(ctx, "")
	if len(all) != 3 {
		t.Errorf("all keys = %v", all)
	}
}

func TestLocalFileStoreRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalFileStore(filepath.Join(root, "files"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	secret := filepath.Join(root, "secret.txt")
	if err := os.WriteFile(secret, []byte("s3cret"), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{
		"../secret.txt",
		"..",
		"/etc/passwd",
		"a/../../secret.txt",
		"nul\x00byte",
		"",
	} {
		if _, err := store.Get(ctx, key); err == nil {
			t.Errorf("Get(%q) succeeded, want traversal rejection", key)
		}
		if _, err := store.Put(ctx, key, strings.NewReader("x")); err == nil {
			t.Errorf("Put(%q) succeeded, want traversal rejection", key)
		}
	}

	// The file outside the root is untouched.
	body, err := os.ReadFile(secret)
	if err != nil || string(body) != "s3cret" {
		t.Fatalf("secret file was modified: %q, %v", body, err)
	}
}

func TestLocalSnapshotStore(t *testing.T) {
	store, err := NewLocalSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	staging := t.TempDir()
	tarPath := filepath.Join(staging, "workspace.tar.gz")
	if err := os.WriteFile(tarPath, []byte("fake-tarball"), 0o644); err != nil {
		t.Fatal(err)
	}

	size, err := store.Upload(ctx, "sess-1", tarPath)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if size != int64(len("fake-tarball")) {
		t.Errorf("size = %d", size)
	}

	ok, err := store.Exists(ctx, "sess-1")
	if err != nil || !ok {
		t.Errorf("exists = %v, %v", ok, err)
	}
	ok, _ = store.Exists(ctx, "sess-2")
	if ok {
		t.Error("unknown session reported as existing")
	}

	dest := filepath.Join(t.TempDir(), "restored.tar.gz")
	if err := store.Download(ctx, "sess-1", dest); err != nil {
		t.Fatalf("download: %v", err)
	}
	body, _ := os.ReadFile(dest)
	if string(body) != "fake-tarball" {
		t.Errorf("downloaded = %q", body)
	}

	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, _ = store.Exists(ctx, "sess-1")
	if ok {
		t.Error("deleted session still exists")
	}

	// Session ids never reach the filesystem as paths.
	if _, err := store.Upload(ctx, "../evil", tarPath); err == nil {
		t.Error("traversal session id accepted")
	}
}

func TestOpenStoreSchemes(t *testing.T) {
	ctx := context.Background()

	if _, err := OpenFileStore(ctx, "", t.TempDir()); err != nil {
		t.Errorf("local open: %v", err)
	}
	if _, err := OpenFileStore(ctx, "ftp://host/x", t.TempDir()); err == nil {
		t.Error("ftp scheme accepted")
	}
	if _, err := OpenSnapshotStore(ctx, "s3://", t.TempDir()); err == nil {
		t.Error("bucketless s3 URL accepted")
	}
}
