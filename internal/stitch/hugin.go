package stitch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// huginTools are required on PATH for the Hugin engine to be usable.
var huginTools = []string{"pto_gen", "cpfind", "cpclean", "autooptimiser", "pano_modify", "nona", "enblend"}

// HuginEngine drives the Hugin command-line tool chain: control point
// detection, cleanup, optimization, rendering and multiband blending.
type HuginEngine struct {
	log *slog.Logger
}

func NewHuginEngine(log *slog.Logger) *HuginEngine {
	return &HuginEngine{log: log}
}

func (e *HuginEngine) Name() string { return "hugin" }

func (e *HuginEngine) IsAvailable() bool {
	for _, tool := range huginTools {
		if !commandExists(tool) {
			return false
		}
	}
	return true
}

// TryStitch runs the full Hugin workflow into output. A failed step that
// has a weaker fallback (cpclean, autooptimiser, pano_modify) degrades
// in place; a failed essential step (pto_gen, nona, enblend) fails the
// attempt.
func (e *HuginEngine) TryStitch(ctx context.Context, images []string, mode EngineMode, confidence float64, output string) (Outcome, error) {
	if len(images) < 2 {
		return Outcome{Status: StatusNeedMoreImages, Detail: fmt.Sprintf("%d images", len(images))}, nil
	}

	workDir, err := os.MkdirTemp(filepath.Dir(output), "hugin-")
	if err != nil {
		return Outcome{Status: StatusInternalError}, fmt.Errorf("failed to create hugin work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	// Project file.
	ptoFile := filepath.Join(workDir, "project.pto")
	args := append([]string{"-o", ptoFile}, images...)
	if out, err := exec.CommandContext(ctx, "pto_gen", args...).CombinedOutput(); err != nil {
		return Outcome{Status: StatusInternalError}, fmt.Errorf("pto_gen failed: %v, output: %s", err, string(out))
	}

	// Control points. Scans mode matches all pairs, which tolerates
	// unordered handheld sets; panorama mode assumes row ordering.
	cpFile := filepath.Join(workDir, "project_cp.pto")
	cpArgs := []string{"-o", cpFile, ptoFile}
	if mode == ModePanorama {
		cpArgs = append([]string{"--multirow"}, cpArgs...)
	}
	if out, err := exec.CommandContext(ctx, "cpfind", cpArgs...).CombinedOutput(); err != nil {
		e.log.Warn("cpfind failed", "mode", mode.String(), "error", err, "output", truncate(string(out)))
		return Outcome{Status: StatusLowConfidence, Detail: "control point detection failed"}, nil
	}

	if n := countControlPoints(cpFile); n == 0 {
		return Outcome{Status: StatusLowConfidence, Detail: "no control points between images"}, nil
	} else {
		e.log.Debug("control points found", "count", n)
	}

	// Clean control points. A lower confidence threshold keeps weaker
	// matches by allowing a larger reprojection distance.
	maxDistance := "3"
	if confidence < 0.08 {
		maxDistance = "4"
	}
	cleanedFile := filepath.Join(workDir, "project_cleaned.pto")
	if out, err := exec.CommandContext(ctx, "cpclean", "--max-distance", maxDistance, "-o", cleanedFile, cpFile).CombinedOutput(); err != nil {
		e.log.Warn("cpclean failed, using uncleaned control points", "error", err, "output", truncate(string(out)))
		cleanedFile = cpFile
	}

	// Optimize geometry and photometrics, falling back to position-only
	// optimization when lens parameter fitting diverges.
	optimizedPto := filepath.Join(workDir, "optimized.pto")
	if out, err := exec.CommandContext(ctx, "autooptimiser", "-a", "-m", "-l", "-s", "-o", optimizedPto, cleanedFile).CombinedOutput(); err != nil {
		e.log.Warn("full autooptimiser failed, trying position-only optimization", "error", err, "output", truncate(string(out)))
		if out, err := exec.CommandContext(ctx, "autooptimiser", "-a", "-s", "-o", optimizedPto, cleanedFile).CombinedOutput(); err != nil {
			e.log.Warn("position-only autooptimiser failed, using unoptimized project", "error", err, "output", truncate(string(out)))
			optimizedPto = cleanedFile
		}
	}

	// Canvas sizing and crop.
	finalPto := filepath.Join(workDir, "final.pto")
	if out, err := exec.CommandContext(ctx, "pano_modify", "--projection=1", "--canvas=AUTO", "--crop=AUTO", "-o", finalPto, optimizedPto).CombinedOutput(); err != nil {
		e.log.Warn("pano_modify failed, using project without canvas optimization", "error", err, "output", truncate(string(out)))
		finalPto = optimizedPto
	}

	// Render remapped layers.
	outputPrefix := filepath.Join(workDir, "pano")
	if out, err := exec.CommandContext(ctx, "nona", "-o", outputPrefix, "-m", "TIFF_m", "-i", "1", finalPto).CombinedOutput(); err != nil {
		return Outcome{Status: StatusInternalError}, fmt.Errorf("nona failed: %v, output: %s", err, string(out))
	}

	matches, err := filepath.Glob(outputPrefix + "*.tif")
	if err != nil || len(matches) == 0 {
		return Outcome{Status: StatusLowConfidence, Detail: "no remapped layers produced"}, nil
	}

	// Blend layers into the final mosaic.
	blendArgs := append([]string{"-o", output, "--levels=29"}, matches...)
	if out, err := exec.CommandContext(ctx, "enblend", blendArgs...).CombinedOutput(); err != nil {
		return Outcome{Status: StatusInternalError}, fmt.Errorf("enblend failed: %v, output: %s", err, string(out))
	}

	e.log.Info("hugin stitching completed", "images", len(images), "layers", len(matches), "output", output)
	return Outcome{Status: StatusOK}, nil
}

// countControlPoints counts the number of control points in a PTO file.
func countControlPoints(ptoFile string) int {
	content, err := os.ReadFile(ptoFile)
	if err != nil {
		return 0
	}

	count := 0
	for _, line := range strings.Split(string(content), "\n") {
		if strings.HasPrefix(line, "c ") {
			count++
		}
	}
	return count
}

func truncate(s string) string {
	const max = 400
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
