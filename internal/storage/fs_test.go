package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFilesystemStorage_RoundTrip(t *testing.T) {
	root := t.TempDir()
	fs := NewFilesystemStorage(root, "/media/", zerolog.Nop())
	ctx := context.Background()

	if err := fs.CheckAccess(ctx); err != nil {
		t.Fatalf("check access: %v", err)
	}

	url, err := fs.Store(ctx, "uploads/abc/song.mp3", strings.NewReader("audio-bytes"), "audio/mpeg")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if url != "/media/uploads/abc/song.mp3" {
		t.Fatalf("unexpected url: %s", url)
	}

	data, err := os.ReadFile(filepath.Join(root, "uploads", "abc", "song.mp3"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "audio-bytes" {
		t.Fatalf("content mismatch: %q", data)
	}

	if err := fs.Delete(ctx, "uploads/abc/song.mp3"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting a missing object is not an error.
	if err := fs.Delete(ctx, "uploads/abc/song.mp3"); err != nil {
		t.Fatalf("re-delete: %v", err)
	}
}

func TestFilesystemStorage_CheckAccessMissingRoot(t *testing.T) {
	fs := NewFilesystemStorage(filepath.Join(t.TempDir(), "missing"), "/media/", zerolog.Nop())
	if err := fs.CheckAccess(context.Background()); err == nil {
		t.Fatal("expected error for missing root")
	}
}
