package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"panoforge/internal/stitch"
)

type stubAssembler struct {
	lastReq stitch.AssembleRequest
	res     stitch.AssembleResult
	err     error
	calls   int
}

func (s *stubAssembler) Assemble(ctx context.Context, req stitch.AssembleRequest) (stitch.AssembleResult, error) {
	s.calls++
	s.lastReq = req
	return s.res, s.err
}

func TestRouterDispatchesPanorama(t *testing.T) {
	asm := &stubAssembler{
		res: stitch.AssembleResult{
			OutputFile: "/tmp/out.jpg",
			Width:      4096,
			Height:     2048,
			ImageCount: 3,
			Engine:     "hugin",
			Strategy:   "scans-full",
			Elapsed:    1500 * time.Millisecond,
		},
	}
	r := NewRouter(asm, slog.Default())

	job := Job{
		ID:     "p1",
		Type:   JobPanorama,
		Inputs: []string{"a.jpg", "b.jpg", "c.jpg"},
		Output: "/tmp/out.jpg",
		Options: map[string]any{
			"quality":    "high",
			"format":     "png",
			"resolution": "4K",
		},
	}

	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if asm.calls != 1 {
		t.Fatalf("expected one Assemble call, got %d", asm.calls)
	}
	if asm.lastReq.Quality != stitch.QualityHigh {
		t.Errorf("quality not forwarded, got %v", asm.lastReq.Quality)
	}
	if asm.lastReq.Format != stitch.FormatPNG {
		t.Errorf("format not forwarded, got %v", asm.lastReq.Format)
	}
	if asm.lastReq.Resolution != stitch.Resolution4K {
		t.Errorf("resolution not forwarded, got %v", asm.lastReq.Resolution)
	}
	if res.Meta["engine"] != "hugin" || res.Meta["strategy"] != "scans-full" {
		t.Errorf("meta should carry engine and strategy: %v", res.Meta)
	}
	if res.Meta["width"] != 4096 || res.Meta["height"] != 2048 {
		t.Errorf("meta should carry output dimensions: %v", res.Meta)
	}
}

func TestRouterDefaultsMissingOptions(t *testing.T) {
	asm := &stubAssembler{}
	r := NewRouter(asm, slog.Default())

	res := r.Process(context.Background(), Job{
		ID:     "p2",
		Type:   JobPanorama,
		Inputs: []string{"a.jpg", "b.jpg"},
		Output: "/tmp/out.jpg",
	})
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if asm.lastReq.Quality != stitch.QualityMedium {
		t.Errorf("expected medium quality default, got %v", asm.lastReq.Quality)
	}
	if asm.lastReq.Format != stitch.FormatJPG {
		t.Errorf("expected jpg default, got %v", asm.lastReq.Format)
	}
	if asm.lastReq.Resolution != stitch.Resolution2K {
		t.Errorf("expected 2K default, got %v", asm.lastReq.Resolution)
	}
}

func TestRouterRejectsInvalidOptionsBeforeAssembly(t *testing.T) {
	asm := &stubAssembler{}
	r := NewRouter(asm, slog.Default())

	res := r.Process(context.Background(), Job{
		ID:      "p3",
		Type:    JobPanorama,
		Inputs:  []string{"a.jpg", "b.jpg"},
		Output:  "/tmp/out.jpg",
		Options: map[string]any{"resolution": "16K"},
	})
	if res.Error == nil {
		t.Fatal("expected validation error")
	}
	if asm.calls != 0 {
		t.Fatal("invalid jobs must not reach the coordinator")
	}
}

func TestRouterPassesAssemblyErrorsThrough(t *testing.T) {
	want := stitch.Failure(stitch.FailureStitch, stitch.ErrStitchFailed)
	asm := &stubAssembler{err: want}
	r := NewRouter(asm, slog.Default())

	res := r.Process(context.Background(), Job{
		ID:     "p4",
		Type:   JobPanorama,
		Inputs: []string{"a.jpg", "b.jpg"},
		Output: "/tmp/out.jpg",
	})
	if !errors.Is(res.Error, stitch.ErrStitchFailed) {
		t.Fatalf("coordinator error should pass through unchanged, got %v", res.Error)
	}
}

func TestRouterRejectsUnknownJobType(t *testing.T) {
	r := NewRouter(&stubAssembler{}, slog.Default())

	res := r.Process(context.Background(), Job{ID: "x", Type: JobType("timelapse")})
	if res.Error == nil {
		t.Fatal("expected error for unknown job type")
	}
}
