package stitch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"panoforge/internal/config"
)

// Orchestrator drives the alignment engine through an ordered list of
// strategies, from strict to permissive, stopping at the first success.
type Orchestrator struct {
	engine     Engine
	strategies []Strategy
	// downsample produces the half-resolution copies for the reduced
	// retry strategy. Injectable so the fallthrough machine can be
	// exercised without ImageMagick.
	downsample func(ctx context.Context, src, dst string) error
	log        *slog.Logger
}

func NewOrchestrator(engine Engine, strategies []Strategy, log *slog.Logger) *Orchestrator {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Orchestrator{
		engine:     engine,
		strategies: strategies,
		downsample: halveImage,
		log:        log,
	}
}

// StrategiesFromConfig converts configured strategy specs, falling back
// to the built-in sequence when the list is empty or invalid.
func StrategiesFromConfig(specs []config.StrategySpec, log *slog.Logger) []Strategy {
	if len(specs) == 0 {
		return DefaultStrategies()
	}

	out := make([]Strategy, 0, len(specs))
	for _, spec := range specs {
		st := Strategy{
			Label:      spec.Label,
			Confidence: spec.Confidence,
			MinImages:  spec.MinImages,
		}
		switch spec.Mode {
		case "panorama":
			st.Mode = ModePanorama
		case "scans", "":
			st.Mode = ModeScans
		default:
			log.Warn("unknown strategy mode, using built-in strategies", "mode", spec.Mode)
			return DefaultStrategies()
		}
		switch spec.Subset {
		case "half":
			st.Subset = SubsetHalf
		case "first-two":
			st.Subset = SubsetFirstTwo
		case "full", "":
			st.Subset = SubsetFull
		default:
			log.Warn("unknown strategy subset, using built-in strategies", "subset", spec.Subset)
			return DefaultStrategies()
		}
		if st.MinImages < 2 {
			st.MinImages = 2
		}
		if st.Label == "" {
			st.Label = fmt.Sprintf("%s-%s", st.Mode, st.Subset)
		}
		out = append(out, st)
	}
	return out
}

// Stitch tries each strategy in order and returns the first mosaic the
// engine produces. It fails only after every strategy is exhausted.
func (o *Orchestrator) Stitch(ctx context.Context, images []PreparedImage, workdir string) (MosaicResult, error) {
	if len(images) < 2 {
		return MosaicResult{}, fmt.Errorf("%w, got %d", ErrTooFewImages, len(images))
	}

	for i, st := range o.strategies {
		if err := ctx.Err(); err != nil {
			return MosaicResult{}, err
		}
		if len(images) < st.MinImages {
			o.log.Info("skipping strategy, not enough images",
				"strategy", st.Label,
				"have", len(images),
				"need", st.MinImages,
			)
			continue
		}

		subset, err := o.materialize(ctx, images, st.Subset, workdir, i)
		if err != nil {
			o.log.Warn("could not prepare strategy inputs", "strategy", st.Label, "error", err)
			continue
		}

		o.log.Info("attempting stitch strategy",
			"strategy", st.Label,
			"mode", st.Mode.String(),
			"confidence", st.Confidence,
			"images", len(subset),
		)

		output := filepath.Join(workdir, fmt.Sprintf("mosaic_%d.tif", i))
		outcome, err := o.engine.TryStitch(ctx, subset, st.Mode, st.Confidence, output)
		if err != nil {
			o.log.Warn("strategy attempt errored", "strategy", st.Label, "error", err)
			continue
		}
		if outcome.Status != StatusOK {
			o.log.Warn("strategy attempt rejected",
				"strategy", st.Label,
				"status", outcome.Status.String(),
				"detail", outcome.Detail,
			)
			continue
		}
		if fi, err := os.Stat(output); err != nil || fi.Size() == 0 {
			o.log.Warn("strategy reported success but produced no mosaic", "strategy", st.Label)
			continue
		}

		o.log.Info("stitch strategy succeeded", "strategy", st.Label, "attempt", i+1)
		return MosaicResult{Path: output, Strategy: st.Label, Engine: o.engine.Name()}, nil
	}

	return MosaicResult{}, fmt.Errorf("exhausted %d stitch strategies: %w", len(o.strategies), ErrStitchFailed)
}

// materialize resolves a strategy's image subset to concrete files.
func (o *Orchestrator) materialize(ctx context.Context, images []PreparedImage, subset Subset, workdir string, attempt int) ([]string, error) {
	switch subset {
	case SubsetFirstTwo:
		return []string{images[0].Path, images[1].Path}, nil
	case SubsetHalf:
		paths := make([]string, 0, len(images))
		for j, img := range images {
			dst := filepath.Join(workdir, fmt.Sprintf("half_%d_%03d.jpg", attempt, j))
			if err := o.downsample(ctx, img.Path, dst); err != nil {
				return nil, err
			}
			paths = append(paths, dst)
		}
		return paths, nil
	default:
		paths := make([]string, 0, len(images))
		for _, img := range images {
			paths = append(paths, img.Path)
		}
		return paths, nil
	}
}
