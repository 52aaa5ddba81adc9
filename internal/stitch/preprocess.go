package stitch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"

	"panoforge/internal/config"
)

// Preprocessor decodes, validates, resizes and enhances input images
// before they reach the alignment engine. Individual bad images are
// skipped, never fatal; only a canceled context fails the batch.
type Preprocessor struct {
	caps   config.QualityCaps
	minDim int
	log    *slog.Logger
}

func NewPreprocessor(cfg config.Stitch, log *slog.Logger) *Preprocessor {
	minDim := cfg.MinDimension
	if minDim <= 0 {
		minDim = 300
	}
	return &Preprocessor{caps: cfg.Quality, minDim: minDim, log: log}
}

// Cap returns the maximum dimension for a quality tier.
func (p *Preprocessor) Cap(tier QualityTier) int {
	switch tier {
	case QualityLow:
		return p.caps.Low
	case QualityHigh:
		return p.caps.High
	default:
		return p.caps.Medium
	}
}

// Prepare processes each staged file independently and writes the
// surviving images into workdir. Output order matches input order with
// skipped entries omitted.
func (p *Preprocessor) Prepare(ctx context.Context, paths []string, tier QualityTier, workdir string) ([]PreparedImage, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	cap := p.Cap(tier)
	prepared := make([]PreparedImage, 0, len(paths))

	for i, path := range paths {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, ok := p.prepareOne(path, i, cap, workdir)
		if ok {
			prepared = append(prepared, img)
		}
	}

	p.log.Info("preprocessing finished",
		"input", len(paths),
		"prepared", len(prepared),
		"tier", string(tier),
		"cap", cap,
	)
	return prepared, nil
}

func (p *Preprocessor) prepareOne(path string, index, cap int, workdir string) (PreparedImage, bool) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		p.log.Warn("skipping unreadable image", "index", index, "error", err)
		return PreparedImage{}, false
	}

	// Smartphone uploads routinely carry EXIF rotation.
	if err := mw.AutoOrientImage(); err != nil {
		p.log.Warn("auto-orient failed", "index", index, "error", err)
	}

	w := int(mw.GetImageWidth())
	h := int(mw.GetImageHeight())

	if min(w, h) < p.minDim {
		p.log.Warn("skipping undersized image", "index", index, "width", w, "height", h, "min_dimension", p.minDim)
		return PreparedImage{}, false
	}

	if nw, nh, resize := fitDimensions(w, h, cap); resize {
		if err := mw.ResizeImage(uint(nw), uint(nh), imagick.FILTER_LANCZOS); err != nil {
			p.log.Warn("skipping image that failed to resize", "index", index, "error", err)
			return PreparedImage{}, false
		}
		p.log.Debug("image resized", "index", index, "width", nw, "height", nh)
		w, h = nw, nh
	}

	// Mild local contrast lift to compensate handheld exposure
	// variance. Failure here passes the image through unmodified.
	if err := mw.SigmoidalContrastImage(true, 2.0, 0.5); err != nil {
		p.log.Warn("contrast enhancement failed, keeping image unmodified", "index", index, "error", err)
	}

	if err := mw.StripImage(); err != nil {
		p.log.Debug("failed to strip metadata", "index", index, "error", err)
	}
	if err := mw.SetImageCompressionQuality(92); err != nil {
		p.log.Debug("failed to set compression quality", "index", index, "error", err)
	}

	out := filepath.Join(workdir, fmt.Sprintf("prepared_%03d.jpg", index))
	if err := mw.WriteImage(out); err != nil {
		p.log.Warn("skipping image that failed to write", "index", index, "error", err)
		return PreparedImage{}, false
	}

	return PreparedImage{Path: out, Width: w, Height: h, Source: index}, true
}

// fitDimensions scales (w, h) down, preserving aspect ratio, so the
// larger dimension equals cap exactly. Images at or below the cap are
// returned unchanged.
func fitDimensions(w, h, cap int) (int, int, bool) {
	longest := max(w, h)
	if longest <= cap {
		return w, h, false
	}

	scale := float64(cap) / float64(longest)
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if w >= h {
		nw = cap
	} else {
		nh = cap
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh, true
}

// halveImage writes a half-resolution copy of src to dst using an
// area-averaging filter. Used by the reduced-resolution retry strategy.
func halveImage(ctx context.Context, src, dst string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(src); err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}

	w := mw.GetImageWidth() / 2
	h := mw.GetImageHeight() / 2
	if w < 1 || h < 1 {
		return fmt.Errorf("image too small to halve: %s", src)
	}
	if err := mw.ResizeImage(w, h, imagick.FILTER_BOX); err != nil {
		return fmt.Errorf("failed to halve %s: %w", src, err)
	}
	if err := mw.WriteImage(dst); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}
