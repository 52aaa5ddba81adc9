package stitch

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Fallback target when the requested projection fails internally.
const (
	fallbackWidth  = 2048
	fallbackHeight = 1024
)

// Projector resamples an arbitrary-aspect mosaic onto the fixed 2:1
// equirectangular canvas for the requested resolution tier. Camera
// intrinsics are unknown for handheld uploads, so this is an
// aspect-normalizing resample rather than a true spherical reprojection.
type Projector struct {
	log *slog.Logger
}

func NewProjector(log *slog.Logger) *Projector {
	return &Projector{log: log}
}

// Project writes the equirectangular image to output and returns the
// final dimensions. An internal failure degrades to a fixed 2048x1024
// bilinear resample instead of failing the request.
func (p *Projector) Project(ctx context.Context, mosaic string, res ResolutionTier, output string) (int, int, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(mosaic); err != nil {
		return 0, 0, fmt.Errorf("failed to read mosaic: %w", err)
	}

	width, height := res.Size()
	p.log.Info("projecting mosaic to equirectangular",
		"mosaic_width", mw.GetImageWidth(),
		"mosaic_height", mw.GetImageHeight(),
		"target_width", width,
		"target_height", height,
	)

	if err := mw.ResizeImage(uint(width), uint(height), imagick.FILTER_LANCZOS); err != nil {
		p.log.Warn("lanczos projection failed, falling back to default target", "error", err)
		if err := mw.ResizeImage(fallbackWidth, fallbackHeight, imagick.FILTER_TRIANGLE); err != nil {
			return 0, 0, fmt.Errorf("fallback resample failed: %w", err)
		}
		width, height = fallbackWidth, fallbackHeight
	}

	if err := mw.SetImageCompressionQuality(95); err != nil {
		p.log.Debug("failed to set compression quality", "error", err)
	}
	if err := mw.WriteImage(output); err != nil {
		return 0, 0, fmt.Errorf("failed to write equirectangular image: %w", err)
	}
	return width, height, nil
}
