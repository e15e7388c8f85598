package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jxucoder/telerun/apperr"
)

func TestPutGet(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	data := bytes.Repeat([]byte("npm WARN deprecated glob@7.2.3\n"), 200)

	ref, err := fs.Put(ctx, "transcripts/run-1/job-1.log", data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref.BlobPath != "transcripts/run-1/job-1.log" {
		t.Fatalf("unexpected path %q", ref.BlobPath)
	}
	if !strings.HasPrefix(ref.BlobURL, "file://") {
		t.Fatalf("unexpected url %q", ref.BlobURL)
	}
	if ref.Size != len(data) || ref.Digest != Digest(data) || len(ref.Digest) != 64 {
		t.Fatalf("unexpected ref %+v", ref)
	}

	onDisk, err := os.ReadFile(filepath.Join(fs.Root, "transcripts/run-1/job-1.log.zst"))
	if err != nil {
		t.Fatalf("blob not on disk: %v", err)
	}
	if len(onDisk) >= len(data) {
		t.Fatalf("expected compressed blob, got %d >= %d bytes", len(onDisk), len(data))
	}

	got, err := fs.Get(ctx, ref.BlobPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestGetMissing(t *testing.T) {
	fs, _ := NewFS(t.TempDir())
	if _, err := fs.Get(context.Background(), "nope"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestPutRejectsTraversal(t *testing.T) {
	fs, _ := NewFS(t.TempDir())
	if _, err := fs.Put(context.Background(), "../escape", []byte("x")); !apperr.Is(err, apperr.KindBadRequest) {
		t.Fatalf("expected bad_request, got %v", err)
	}
}

func TestPutSymlinkStaysInRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	fs, _ := NewFS(root)
	if _, err := fs.Put(context.Background(), "link/x", []byte("data")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "x.zst")); err == nil {
		t.Fatal("blob escaped the root through a symlink")
	}
}
