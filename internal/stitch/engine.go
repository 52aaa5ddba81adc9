package stitch

import (
	"context"
	"log/slog"
	"os/exec"

	"panoforge/internal/config"
)

// Engine is the alignment and blending boundary. Implementations take a
// set of prepared image files and either write a combined mosaic to
// output or report why they could not. The orchestrator treats every
// engine as a black box: one capability, no subclassing.
type Engine interface {
	Name() string
	IsAvailable() bool
	TryStitch(ctx context.Context, images []string, mode EngineMode, confidence float64, output string) (Outcome, error)
}

// SelectEngine picks the first available engine following the configured
// preference order. The native engine is always available, so selection
// cannot fail unless the configuration names only unknown engines.
func SelectEngine(cfg config.EngineConfig, log *slog.Logger) Engine {
	candidates := append([]string{cfg.Preferred}, cfg.Fallbacks...)
	for _, name := range candidates {
		var eng Engine
		switch name {
		case "hugin":
			eng = NewHuginEngine(log)
		case "native":
			eng = NewNativeEngine(log)
		default:
			log.Warn("unknown stitch engine in config", "engine", name)
			continue
		}
		if eng.IsAvailable() {
			log.Info("stitch engine selected", "engine", eng.Name())
			return eng
		}
		log.Debug("stitch engine unavailable", "engine", eng.Name())
	}

	log.Warn("no configured engine available, using native")
	return NewNativeEngine(log)
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
