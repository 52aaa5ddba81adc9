package stitch

import (
	"errors"
	"testing"
)

func TestResolutionSizes(t *testing.T) {
	cases := []struct {
		tier   ResolutionTier
		width  int
		height int
	}{
		{Resolution2K, 2048, 1024},
		{Resolution4K, 4096, 2048},
		{Resolution8K, 8192, 4096},
	}
	for _, c := range cases {
		w, h := c.tier.Size()
		if w != c.width || h != c.height {
			t.Errorf("%s: expected %dx%d, got %dx%d", c.tier, c.width, c.height, w, h)
		}
		if h*2 != w {
			t.Errorf("%s: output must be exactly 2:1", c.tier)
		}
	}
}

func TestParseRejectsUnknownValues(t *testing.T) {
	if _, err := ParseQuality("ultra"); err == nil {
		t.Error("expected error for unknown quality")
	}
	if _, err := ParseResolution("16K"); err == nil {
		t.Error("expected error for unknown resolution")
	}
	if _, err := ParseFormat("bmp"); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := ParseFormat(""); err == nil {
		t.Error("expected error for empty format")
	}
}

func TestParseAcceptsKnownValues(t *testing.T) {
	for _, q := range []string{"low", "medium", "high"} {
		if _, err := ParseQuality(q); err != nil {
			t.Errorf("quality %q: %v", q, err)
		}
	}
	for _, r := range []string{"2K", "4K", "8K"} {
		if _, err := ParseResolution(r); err != nil {
			t.Errorf("resolution %q: %v", r, err)
		}
	}
	for _, f := range []string{"jpg", "png"} {
		if _, err := ParseFormat(f); err != nil {
			t.Errorf("format %q: %v", f, err)
		}
	}
}

func TestMediaType(t *testing.T) {
	if FormatJPG.MediaType() != "image/jpeg" {
		t.Errorf("jpg media type: %s", FormatJPG.MediaType())
	}
	if FormatPNG.MediaType() != "image/png" {
		t.Errorf("png media type: %s", FormatPNG.MediaType())
	}
}

func TestDefaultStrategyOrder(t *testing.T) {
	st := DefaultStrategies()
	if len(st) != 4 {
		t.Fatalf("expected 4 strategies, got %d", len(st))
	}
	if st[0].Mode != ModeScans || st[0].Confidence != 0.1 || st[0].Subset != SubsetFull {
		t.Errorf("first strategy should be strict scans, got %+v", st[0])
	}
	if st[1].Mode != ModePanorama {
		t.Errorf("second strategy should switch to panorama mode, got %+v", st[1])
	}
	if st[2].Subset != SubsetHalf || st[2].MinImages != 3 {
		t.Errorf("third strategy should halve resolution and require 3 images, got %+v", st[2])
	}
	if st[3].Subset != SubsetFirstTwo || st[3].Confidence != 0.05 {
		t.Errorf("last strategy should be permissive first-two, got %+v", st[3])
	}
	for i := 1; i < len(st); i++ {
		if st[i].Confidence > st[i-1].Confidence {
			t.Errorf("confidence must never increase across strategies")
		}
	}
}

func TestPipelineErrorWrapping(t *testing.T) {
	base := errors.New("boom")
	err := Failure(FailureTimeout, base)

	var pe *PipelineError
	if !errors.As(err, &pe) {
		t.Fatal("expected PipelineError")
	}
	if pe.Kind != FailureTimeout {
		t.Errorf("expected timeout kind, got %v", pe.Kind)
	}
	if !errors.Is(err, base) {
		t.Error("PipelineError should unwrap to its cause")
	}
}

func TestFitDimensions(t *testing.T) {
	cases := []struct {
		name       string
		w, h, cap  int
		wantW      int
		wantH      int
		wantResize bool
	}{
		{"landscape above cap", 4000, 3000, 800, 800, 600, true},
		{"portrait above cap", 3000, 4000, 800, 600, 800, true},
		{"exactly at cap", 800, 600, 800, 800, 600, false},
		{"below cap untouched", 640, 480, 800, 640, 480, false},
		{"square", 2000, 2000, 600, 600, 600, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			gotW, gotH, resized := fitDimensions(c.w, c.h, c.cap)
			if gotW != c.wantW || gotH != c.wantH || resized != c.wantResize {
				t.Fatalf("fitDimensions(%d, %d, %d) = %dx%d resize=%t, want %dx%d resize=%t",
					c.w, c.h, c.cap, gotW, gotH, resized, c.wantW, c.wantH, c.wantResize)
			}
			if gotW > c.cap || gotH > c.cap {
				t.Fatalf("result exceeds cap")
			}
		})
	}
}
