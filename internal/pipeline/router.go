package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"panoforge/internal/stitch"
)

// assembler is the panorama coordinator seen by the router. Kept small
// so tests can substitute a stub.
type assembler interface {
	Assemble(ctx context.Context, req stitch.AssembleRequest) (stitch.AssembleResult, error)
}

// Router dispatches jobs by type to the matching processor.
type Router struct {
	coordinator assembler
	log         *slog.Logger
}

func NewRouter(coordinator assembler, log *slog.Logger) *Router {
	return &Router{coordinator: coordinator, log: log}
}

// Process implements Processor.
func (r *Router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobPanorama:
		return r.processPanorama(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *Router) processPanorama(ctx context.Context, job Job) Result {
	req, err := assembleRequest(job)
	if err != nil {
		return Result{Job: job, Error: stitch.Failure(stitch.FailureInternal, err)}
	}

	res, err := r.coordinator.Assemble(ctx, req)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	return Result{
		Job: job,
		Meta: map[string]any{
			"output_file": res.OutputFile,
			"width":       res.Width,
			"height":      res.Height,
			"image_count": res.ImageCount,
			"engine":      res.Engine,
			"strategy":    res.Strategy,
			"elapsed_ms":  res.Elapsed.Milliseconds(),
		},
	}
}

// assembleRequest converts job options into a typed request. Unknown
// option values are rejected here so a bad job never reaches the
// coordinator.
func assembleRequest(job Job) (stitch.AssembleRequest, error) {
	quality, err := stitch.ParseQuality(optDefault(job.Options, "quality", "medium"))
	if err != nil {
		return stitch.AssembleRequest{}, err
	}
	format, err := stitch.ParseFormat(optDefault(job.Options, "format", "jpg"))
	if err != nil {
		return stitch.AssembleRequest{}, err
	}
	resolution, err := stitch.ParseResolution(optDefault(job.Options, "resolution", "2K"))
	if err != nil {
		return stitch.AssembleRequest{}, err
	}

	return stitch.AssembleRequest{
		Inputs:     job.Inputs,
		Quality:    quality,
		Format:     format,
		Resolution: resolution,
		Output:     job.Output,
	}, nil
}

func optDefault(options map[string]any, key, fallback string) string {
	if v, ok := options[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// NewID returns a timestamp-based job identifier.
func NewID(jobType JobType) string {
	return fmt.Sprintf("%s-%d", jobType, time.Now().UnixNano())
}
