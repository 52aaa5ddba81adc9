package stitch

import (
	"context"
	"log/slog"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Slight brightening to offset the darkening from seam smoothing.
const finishGamma = 1.05

// Finisher applies the final enhancement chain to the projected
// panorama in place: edge-preserving noise suppression to soften
// stitching seams, then a mild gamma lift. The chain is total; a
// failing sub-step leaves the image as it was and the chain continues.
// Re-running on its own output is safe.
type Finisher struct {
	log *slog.Logger
}

func NewFinisher(log *slog.Logger) *Finisher {
	return &Finisher{log: log}
}

// Finish never fails the pipeline.
func (f *Finisher) Finish(ctx context.Context, path string) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		f.log.Warn("finishing skipped, could not read panorama", "error", err)
		return nil
	}

	if err := mw.EnhanceImage(); err != nil {
		f.log.Warn("noise suppression failed, continuing", "error", err)
	}

	if err := mw.GammaImage(finishGamma); err != nil {
		f.log.Warn("gamma correction failed, continuing", "error", err)
	}

	if err := mw.WriteImage(path); err != nil {
		f.log.Warn("finishing result discarded, could not write panorama", "error", err)
	}
	return nil
}
