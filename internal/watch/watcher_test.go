package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"panoforge/internal/pipeline"
)

type stubSubmitter struct {
	jobs []pipeline.Job
	err  error
}

func (s *stubSubmitter) Submit(job pipeline.Job) error {
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func newTestWatcher(t *testing.T, sub submitter) (*Watcher, string) {
	t.Helper()
	root := t.TempDir()
	w, err := New(root, "", 10*time.Millisecond, sub, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.watcher.Close() })
	return w, root
}

func shotSet(t *testing.T, root, name string, images int) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < images; i++ {
		p := filepath.Join(dir, "img"+string(rune('0'+i))+".jpg")
		if err := os.WriteFile(p, []byte("img"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestFireSubmitsCompleteSet(t *testing.T) {
	sub := &stubSubmitter{}
	w, root := newTestWatcher(t, sub)
	set := shotSet(t, root, "kitchen", 3)

	w.fire(set)

	if len(sub.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(sub.jobs))
	}
	job := sub.jobs[0]
	if job.Type != pipeline.JobPanorama {
		t.Errorf("wrong job type %s", job.Type)
	}
	if len(job.Inputs) != 3 {
		t.Errorf("expected 3 inputs, got %d", len(job.Inputs))
	}
	if job.Output != filepath.Join(root, "kitchen_panorama.jpg") {
		t.Errorf("unexpected output path %s", job.Output)
	}
}

func TestFireSkipsIncompleteSet(t *testing.T) {
	sub := &stubSubmitter{}
	w, root := newTestWatcher(t, sub)
	set := shotSet(t, root, "single", 1)

	w.fire(set)

	if len(sub.jobs) != 0 {
		t.Fatalf("a one-image set must not be submitted, got %d jobs", len(sub.jobs))
	}
}

func TestFireIgnoresNonImageFiles(t *testing.T) {
	sub := &stubSubmitter{}
	w, root := newTestWatcher(t, sub)
	set := shotSet(t, root, "mixed", 2)
	os.WriteFile(filepath.Join(set, "notes.txt"), []byte("x"), 0o644)

	w.fire(set)

	if len(sub.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(sub.jobs))
	}
	if len(sub.jobs[0].Inputs) != 2 {
		t.Errorf("text file must not be submitted as input, got %d inputs", len(sub.jobs[0].Inputs))
	}
}

func TestFireSubmitsEachSetOnce(t *testing.T) {
	sub := &stubSubmitter{}
	w, root := newTestWatcher(t, sub)
	set := shotSet(t, root, "once", 2)

	w.fire(set)
	w.fire(set)

	if len(sub.jobs) != 1 {
		t.Fatalf("a set must only be submitted once, got %d jobs", len(sub.jobs))
	}
}

func TestFireRetriesAfterRejectedSubmit(t *testing.T) {
	sub := &stubSubmitter{err: os.ErrDeadlineExceeded}
	w, root := newTestWatcher(t, sub)
	set := shotSet(t, root, "busy", 2)

	w.fire(set)
	if len(sub.jobs) != 0 {
		t.Fatal("rejected submit should not record the set as done")
	}

	sub.err = nil
	w.fire(set)
	if len(sub.jobs) != 1 {
		t.Fatalf("set should be retried after a rejected submit, got %d jobs", len(sub.jobs))
	}
}

func TestFireUsesOutputDir(t *testing.T) {
	sub := &stubSubmitter{}
	root := t.TempDir()
	outDir := t.TempDir()
	w, err := New(root, outDir, 10*time.Millisecond, sub, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.watcher.Close() })

	set := shotSet(t, root, "patio", 2)
	w.fire(set)

	if len(sub.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(sub.jobs))
	}
	if sub.jobs[0].Output != filepath.Join(outDir, "patio_panorama.jpg") {
		t.Errorf("output should land in the configured directory, got %s", sub.jobs[0].Output)
	}
}

func TestSetForMapsNestedPathsToTopLevelSet(t *testing.T) {
	sub := &stubSubmitter{}
	w, root := newTestWatcher(t, sub)

	cases := []struct {
		path string
		want string
	}{
		{filepath.Join(root, "roof", "img1.jpg"), filepath.Join(root, "roof")},
		{filepath.Join(root, "roof"), filepath.Join(root, "roof")},
		{root, ""},
		{filepath.Join(root, "..", "escape.jpg"), ""},
	}
	for _, c := range cases {
		if got := w.setFor(c.path); got != c.want {
			t.Errorf("setFor(%s) = %q, want %q", c.path, got, c.want)
		}
	}
}
