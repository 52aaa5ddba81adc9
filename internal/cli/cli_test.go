package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"panoforge/internal/config"
	"panoforge/internal/pipeline"
)

type stubPipeline struct {
	jobs []pipeline.Job
	err  error
	ch   chan pipeline.Result
}

func newStubPipeline() *stubPipeline {
	return &stubPipeline{ch: make(chan pipeline.Result, 8)}
}

func (s *stubPipeline) Submit(job pipeline.Job) error {
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, job)
	s.ch <- pipeline.Result{Job: job}
	return nil
}

func (s *stubPipeline) Subscribe() (<-chan pipeline.Result, func()) {
	return s.ch, func() {}
}

func testRoot(t *testing.T, pipe pipelineClient) *Root {
	t.Helper()
	return &Root{
		pipeline: pipe,
		cfg:      config.Default(),
		log:      slog.Default(),
		serveFn:  func(ctx context.Context) error { return nil },
		watchFn:  func(ctx context.Context, root, outDir string, settle time.Duration) error { return nil },
	}
}

func imageDir(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, "img"+string(rune('0'+i))+".jpg")
		if err := os.WriteFile(p, []byte("img"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestStitchCommandSubmitsJob(t *testing.T) {
	pipe := newStubPipeline()
	root := testRoot(t, pipe)
	dir := imageDir(t, 3)
	output := filepath.Join(t.TempDir(), "pano.jpg")

	cmd := NewRootCmd(root)
	cmd.SetArgs([]string{"stitch", dir, output, "--quality", "high", "--resolution", "4K"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("stitch command failed: %v", err)
	}

	if len(pipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(pipe.jobs))
	}
	job := pipe.jobs[0]
	if job.Type != pipeline.JobPanorama {
		t.Errorf("wrong job type %s", job.Type)
	}
	if len(job.Inputs) != 3 {
		t.Errorf("expected 3 inputs, got %d", len(job.Inputs))
	}
	if job.Output != output {
		t.Errorf("output: %s", job.Output)
	}
	if job.Options["quality"] != "high" || job.Options["resolution"] != "4K" {
		t.Errorf("flags not forwarded: %v", job.Options)
	}
}

func TestStitchCommandDefaultsOutputIntoInputDir(t *testing.T) {
	pipe := newStubPipeline()
	root := testRoot(t, pipe)
	dir := imageDir(t, 2)

	cmd := NewRootCmd(root)
	cmd.SetArgs([]string{"stitch", dir})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("stitch command failed: %v", err)
	}
	if pipe.jobs[0].Output != filepath.Join(dir, "panorama_360.jpg") {
		t.Errorf("default output: %s", pipe.jobs[0].Output)
	}
}

func TestStitchCommandRejectsSingleImage(t *testing.T) {
	pipe := newStubPipeline()
	root := testRoot(t, pipe)
	dir := imageDir(t, 1)

	cmd := NewRootCmd(root)
	cmd.SetArgs([]string{"stitch", dir})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected error for a one-image directory")
	}
	if len(pipe.jobs) != 0 {
		t.Error("no job should be submitted")
	}
}

func TestStitchCommandRejectsBadFlagValues(t *testing.T) {
	pipe := newStubPipeline()
	root := testRoot(t, pipe)
	dir := imageDir(t, 2)

	cmd := NewRootCmd(root)
	cmd.SetArgs([]string{"stitch", dir, "--resolution", "16K"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestConfigShowPrintsConfig(t *testing.T) {
	root := testRoot(t, newStubPipeline())

	out := &bytes.Buffer{}
	cmd := NewRootCmd(root)
	cmd.SetArgs([]string{"config", "show"})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte(`"addr"`)) {
		t.Error("config show should print the JSON configuration")
	}
}

func TestVersionCommand(t *testing.T) {
	root := testRoot(t, newStubPipeline())

	out := &bytes.Buffer{}
	cmd := NewRootCmd(root)
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("Panoforge")) {
		t.Errorf("unexpected version output: %s", out.String())
	}
}
