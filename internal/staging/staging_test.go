package staging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testStore(t *testing.T, maxSize int64) *Store {
	t.Helper()
	s, err := New(t.TempDir(), maxSize, []string{".jpg", ".png"}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStagePreservesOrder(t *testing.T) {
	s := testStore(t, 1024)

	uploads := []Upload{
		{Filename: "third.jpg", Content: strings.NewReader("ccc")},
		{Filename: "first.jpg", Content: strings.NewReader("aaa")},
		{Filename: "second.png", Content: strings.NewReader("bbb")},
	}

	paths, err := s.Stage(uploads)
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 staged files, got %d", len(paths))
	}

	want := []string{"ccc", "aaa", "bbb"}
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("staged file %d unreadable: %v", i, err)
		}
		if string(data) != want[i] {
			t.Errorf("file %d: expected %q, got %q; staging must keep upload order", i, want[i], data)
		}
	}

	if filepath.Ext(paths[2]) != ".png" {
		t.Errorf("allowed extension should be preserved, got %s", paths[2])
	}
}

func TestStageRejectsOversizeUpload(t *testing.T) {
	s := testStore(t, 8)

	uploads := []Upload{
		{Filename: "small.jpg", Content: strings.NewReader("tiny")},
		{Filename: "big.jpg", Content: strings.NewReader("well over eight bytes")},
	}

	if _, err := s.Stage(uploads); err == nil {
		t.Fatal("expected oversize error")
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed staging must clean up partial files, found %d", len(entries))
	}
}

func TestStageMapsUnknownExtensionToJpg(t *testing.T) {
	s := testStore(t, 1024)

	paths, err := s.Stage([]Upload{{Filename: "shot.exe", Content: strings.NewReader("x")}})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(paths[0]) != ".jpg" {
		t.Errorf("unknown extensions must be staged as .jpg, got %s", paths[0])
	}
}

func TestUnstageRemovesFiles(t *testing.T) {
	s := testStore(t, 1024)

	paths, err := s.Stage([]Upload{
		{Filename: "a.jpg", Content: strings.NewReader("a")},
		{Filename: "b.jpg", Content: strings.NewReader("b")},
	})
	if err != nil {
		t.Fatal(err)
	}

	s.Unstage(paths)
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("staged file %s should be gone", p)
		}
	}

	// Removing already-removed files must not panic or error out.
	s.Unstage(paths)
}
