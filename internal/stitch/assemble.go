package stitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"panoforge/internal/config"
	"panoforge/internal/fsutil"
)

// AssembleRequest is one panorama run. Inputs are staged files owned by
// the caller; everything the run creates lives in a private working
// directory that is removed on every exit path.
type AssembleRequest struct {
	Inputs     []string
	Quality    QualityTier
	Format     OutputFormat
	Resolution ResolutionTier
	Output     string // destination for the finished panorama
}

// AssembleResult describes a finished panorama.
type AssembleResult struct {
	OutputFile string
	Width      int
	Height     int
	ImageCount int
	Engine     string
	Strategy   string
	Elapsed    time.Duration
}

// Stage interfaces let tests substitute the ImageMagick-backed
// implementations with deterministic stubs.
type preparer interface {
	Prepare(ctx context.Context, paths []string, tier QualityTier, workdir string) ([]PreparedImage, error)
}

type stitcher interface {
	Stitch(ctx context.Context, images []PreparedImage, workdir string) (MosaicResult, error)
}

type projector interface {
	Project(ctx context.Context, mosaic string, res ResolutionTier, output string) (int, int, error)
}

type finisher interface {
	Finish(ctx context.Context, path string) error
}

// Coordinator sequences preprocess, stitch, project and finish for one
// run, enforcing the wall-clock budget and cleaning up intermediates.
// It does no queuing itself; the pipeline worker pool bounds how many
// runs execute concurrently.
type Coordinator struct {
	pre     preparer
	orch    stitcher
	proj    projector
	fin     finisher
	timeout time.Duration
	tempDir string
	log     *slog.Logger
}

// NewCoordinator wires the real stage implementations from config.
func NewCoordinator(cfg *config.Config, engine Engine, log *slog.Logger) *Coordinator {
	strategies := StrategiesFromConfig(cfg.Stitch.Strategies, log)
	return &Coordinator{
		pre:     NewPreprocessor(cfg.Stitch, log),
		orch:    NewOrchestrator(engine, strategies, log),
		proj:    NewProjector(log),
		fin:     NewFinisher(log),
		timeout: time.Duration(cfg.Processing.TimeoutSeconds) * time.Second,
		tempDir: cfg.Processing.TempDir,
		log:     log,
	}
}

// Assemble runs the full chain. Failures surface as *PipelineError:
// FailureStitch when no strategy produced a mosaic, FailureTimeout when
// the budget was exceeded, FailureInternal otherwise.
func (c *Coordinator) Assemble(ctx context.Context, req AssembleRequest) (AssembleResult, error) {
	start := time.Now()

	if req.Output == "" {
		return AssembleResult{}, failure(FailureInternal, errors.New("no output destination"))
	}
	if len(req.Inputs) < 2 {
		return AssembleResult{}, failure(FailureStitch, fmt.Errorf("%w, got %d", ErrTooFewImages, len(req.Inputs)))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	workdir, err := os.MkdirTemp(c.tempDir, "panoforge-run-")
	if err != nil {
		return AssembleResult{}, failure(FailureInternal, fmt.Errorf("failed to create working directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			c.log.Warn("failed to remove working directory", "dir", workdir, "error", err)
		}
	}()

	type runOutcome struct {
		res AssembleResult
		err error
	}
	done := make(chan runOutcome, 1)
	go func() {
		res, err := c.runChain(ctx, req, workdir)
		done <- runOutcome{res, err}
	}()

	select {
	case <-ctx.Done():
		cancel()
		// Drain so the worker's buffers are released before the
		// workdir goes away; in-flight tool processes die with ctx.
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.log.Error("panorama run exceeded time budget", "timeout", c.timeout)
			return AssembleResult{}, failure(FailureTimeout, fmt.Errorf("processing exceeded the %s time budget", c.timeout))
		}
		return AssembleResult{}, failure(FailureInternal, ctx.Err())
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				c.log.Error("panorama run exceeded time budget", "timeout", c.timeout)
				return AssembleResult{}, failure(FailureTimeout, fmt.Errorf("processing exceeded the %s time budget", c.timeout))
			}
			if errors.Is(out.err, context.Canceled) {
				return AssembleResult{}, failure(FailureInternal, out.err)
			}
			return AssembleResult{}, out.err
		}
		out.res.Elapsed = time.Since(start)
		return out.res, nil
	}
}

// runChain executes the four stages strictly in order inside workdir,
// then publishes the result to the requested output path. Nothing is
// visible outside the workdir until the run has fully succeeded.
func (c *Coordinator) runChain(ctx context.Context, req AssembleRequest, workdir string) (AssembleResult, error) {
	prepared, err := c.pre.Prepare(ctx, req.Inputs, req.Quality, workdir)
	if err != nil {
		return AssembleResult{}, c.classify(err, FailureInternal)
	}
	if len(prepared) < 2 {
		return AssembleResult{}, failure(FailureStitch,
			fmt.Errorf("%w: only %d of %d uploads were usable", ErrTooFewImages, len(prepared), len(req.Inputs)))
	}

	mosaic, err := c.orch.Stitch(ctx, prepared, workdir)
	if err != nil {
		kind := FailureInternal
		if errors.Is(err, ErrStitchFailed) || errors.Is(err, ErrTooFewImages) {
			kind = FailureStitch
		}
		return AssembleResult{}, c.classify(err, kind)
	}

	projected := filepath.Join(workdir, "equirect."+string(req.Format))
	width, height, err := c.proj.Project(ctx, mosaic.Path, req.Resolution, projected)
	if err != nil {
		return AssembleResult{}, c.classify(err, FailureInternal)
	}

	// Finish never fails the run.
	_ = c.fin.Finish(ctx, projected)

	if err := fsutil.CopyFile(projected, req.Output); err != nil {
		return AssembleResult{}, failure(FailureInternal, fmt.Errorf("failed to publish panorama: %w", err))
	}

	return AssembleResult{
		OutputFile: req.Output,
		Width:      width,
		Height:     height,
		ImageCount: len(prepared),
		Engine:     mosaic.Engine,
		Strategy:   mosaic.Strategy,
	}, nil
}

// classify keeps context cancellation out of the user-visible taxonomy;
// Assemble's select turns it into a timeout or internal failure.
func (c *Coordinator) classify(err error, kind FailureKind) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return failure(kind, err)
}
