package stitch

import (
	"errors"
	"fmt"
)

// QualityTier selects the preprocessing profile for input images.
type QualityTier string

const (
	QualityLow    QualityTier = "low"
	QualityMedium QualityTier = "medium"
	QualityHigh   QualityTier = "high"
)

// ParseQuality validates a quality string from the gateway or CLI.
func ParseQuality(s string) (QualityTier, error) {
	switch QualityTier(s) {
	case QualityLow, QualityMedium, QualityHigh:
		return QualityTier(s), nil
	}
	return "", fmt.Errorf("quality must be low, medium or high, got %q", s)
}

// ResolutionTier selects the final equirectangular output size.
type ResolutionTier string

const (
	Resolution2K ResolutionTier = "2K"
	Resolution4K ResolutionTier = "4K"
	Resolution8K ResolutionTier = "8K"
)

// ParseResolution validates a resolution string from the gateway or CLI.
func ParseResolution(s string) (ResolutionTier, error) {
	switch ResolutionTier(s) {
	case Resolution2K, Resolution4K, Resolution8K:
		return ResolutionTier(s), nil
	}
	return "", fmt.Errorf("resolution must be 2K, 4K or 8K, got %q", s)
}

// Size returns the target output dimensions. Equirectangular output is
// always exactly 2:1, so the height is half the width.
func (r ResolutionTier) Size() (width, height int) {
	switch r {
	case Resolution4K:
		width = 4096
	case Resolution8K:
		width = 8192
	default:
		width = 2048
	}
	return width, width / 2
}

// OutputFormat is the encoding of the final panorama.
type OutputFormat string

const (
	FormatJPG OutputFormat = "jpg"
	FormatPNG OutputFormat = "png"
)

// ParseFormat validates an output format string.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case FormatJPG, FormatPNG:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("format must be jpg or png, got %q", s)
}

// MediaType returns the MIME type for HTTP responses.
func (f OutputFormat) MediaType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// PreparedImage is one preprocessed input, written to the run's working
// directory. Source is the index in the original upload order, kept for
// diagnostics only.
type PreparedImage struct {
	Path   string
	Width  int
	Height int
	Source int
}

// EngineMode tells the alignment engine what kind of camera motion to
// assume between frames.
type EngineMode int

const (
	// ModeScans assumes mostly-translational motion, which tolerates
	// unordered handheld shots better than the rotation model.
	ModeScans EngineMode = iota
	// ModePanorama assumes classic rotation about the camera center.
	ModePanorama
)

func (m EngineMode) String() string {
	if m == ModePanorama {
		return "panorama"
	}
	return "scans"
}

// Status is the alignment engine's verdict for one attempt.
type Status int

const (
	StatusOK Status = iota
	StatusNeedMoreImages
	StatusLowConfidence
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNeedMoreImages:
		return "need-more-images"
	case StatusLowConfidence:
		return "low-confidence"
	default:
		return "internal-error"
	}
}

// Outcome reports one engine attempt. On StatusOK the engine has written
// a non-empty mosaic to the requested output path.
type Outcome struct {
	Status Status
	Detail string
}

// Subset selects which prepared images a strategy feeds to the engine.
type Subset int

const (
	SubsetFull Subset = iota
	SubsetHalf
	SubsetFirstTwo
)

func (s Subset) String() string {
	switch s {
	case SubsetHalf:
		return "half"
	case SubsetFirstTwo:
		return "first-two"
	default:
		return "full"
	}
}

// Strategy is one configured stitch attempt. Strategies are immutable
// once defined; the orchestrator tries them strictly in order and stops
// at the first success.
type Strategy struct {
	Label      string
	Mode       EngineMode
	Confidence float64
	Subset     Subset
	MinImages  int // strategy is skipped when fewer images are available
}

// DefaultStrategies returns the built-in attempt sequence, ordered from
// strict to permissive and from full inputs to reduced ones.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Label: "scans-full", Mode: ModeScans, Confidence: 0.1, Subset: SubsetFull, MinImages: 2},
		{Label: "panorama-full", Mode: ModePanorama, Confidence: 0.1, Subset: SubsetFull, MinImages: 2},
		{Label: "scans-half-res", Mode: ModeScans, Confidence: 0.05, Subset: SubsetHalf, MinImages: 3},
		{Label: "scans-first-two", Mode: ModeScans, Confidence: 0.05, Subset: SubsetFirstTwo, MinImages: 2},
	}
}

// MosaicResult is the raw output of a successful strategy attempt. The
// file lives in the run's working directory and is consumed immediately
// by the projector.
type MosaicResult struct {
	Path     string
	Strategy string
	Engine   string
}

// ErrStitchFailed is returned once every configured strategy has been
// exhausted. The message is user-facing.
var ErrStitchFailed = errors.New("unable to assemble a panorama from the supplied images; make sure neighboring photos share visible overlapping regions")

// ErrTooFewImages is returned when fewer than two usable images remain.
var ErrTooFewImages = errors.New("at least 2 usable images are required")

// FailureKind classifies user-visible pipeline failures.
type FailureKind int

const (
	FailureInternal FailureKind = iota
	FailureStitch
	FailureTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureStitch:
		return "stitch"
	case FailureTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// PipelineError is the only error type the coordinator surfaces to
// callers. It never carries internal buffer or path details.
type PipelineError struct {
	Kind FailureKind
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func failure(kind FailureKind, err error) error {
	return &PipelineError{Kind: kind, Err: err}
}

// Failure wraps err as a PipelineError of the given kind.
func Failure(kind FailureKind, err error) error {
	return failure(kind, err)
}
