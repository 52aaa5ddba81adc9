package stitch

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// NativeEngine is a pure-Go alignment and blending backend. It scores
// the overlap between neighboring images with normalized cross
// correlation of boundary strips, rejects pairs below the confidence
// threshold, and feather-blends the accepted overlaps into a single
// strip mosaic. It trades Hugin's full bundle adjustment for having no
// external tool dependency, and doubles as the deterministic engine for
// tests.
type NativeEngine struct {
	log *slog.Logger
}

func NewNativeEngine(log *slog.Logger) *NativeEngine {
	return &NativeEngine{log: log}
}

func (e *NativeEngine) Name() string { return "native" }

func (e *NativeEngine) IsAvailable() bool { return true }

func (e *NativeEngine) TryStitch(ctx context.Context, images []string, mode EngineMode, confidence float64, output string) (Outcome, error) {
	if len(images) < 2 {
		return Outcome{Status: StatusNeedMoreImages, Detail: fmt.Sprintf("%d images", len(images))}, nil
	}

	frames := make([]*image.NRGBA, 0, len(images))
	for _, path := range images {
		img, err := loadImage(path)
		if err != nil {
			e.log.Warn("native engine failed to load image", "path", path, "error", err)
			continue
		}
		frames = append(frames, img)
	}
	if len(frames) < 2 {
		return Outcome{Status: StatusNeedMoreImages, Detail: "fewer than 2 decodable images"}, nil
	}

	// Normalize heights so strips line up row for row.
	height := frames[0].Rect.Dy()
	for i, f := range frames {
		if f.Rect.Dy() != height {
			frames[i] = scaleToHeight(f, height)
		}
	}

	// Score and locate the overlap of each neighboring pair.
	overlaps := make([]int, len(frames)-1)
	for i := 0; i < len(frames)-1; i++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Status: StatusInternalError}, err
		}
		ov, score := bestOverlap(frames[i], frames[i+1])
		if score < confidence {
			detail := fmt.Sprintf("pair %d-%d correlation %.3f below threshold %.3f", i, i+1, score, confidence)
			e.log.Warn("native engine rejected image pair", "detail", detail, "mode", mode.String())
			return Outcome{Status: StatusLowConfidence, Detail: detail}, nil
		}
		overlaps[i] = ov
		e.log.Debug("native engine matched pair", "pair", i, "overlap_px", ov, "correlation", score)
	}

	mosaic := compose(frames, overlaps)
	if err := saveImage(mosaic, output); err != nil {
		return Outcome{Status: StatusInternalError}, fmt.Errorf("failed to write mosaic: %w", err)
	}

	e.log.Info("native stitching completed",
		"images", len(frames),
		"mode", mode.String(),
		"width", mosaic.Rect.Dx(),
		"height", mosaic.Rect.Dy(),
	)
	return Outcome{Status: StatusOK}, nil
}

// bestOverlap slides candidate overlap widths between the right edge of
// a and the left edge of b and returns the width with the highest
// normalized cross correlation, along with that correlation.
func bestOverlap(a, b *image.NRGBA) (int, float64) {
	wa, wb := a.Rect.Dx(), b.Rect.Dx()
	h := a.Rect.Dy()

	minW := wa
	if wb < minW {
		minW = wb
	}
	minOverlap := minW / 10
	if minOverlap < 8 {
		minOverlap = 8
	}
	maxOverlap := minW * 6 / 10

	step := maxOverlap / 32
	if step < 2 {
		step = 2
	}

	bestOv, bestScore := 0, math.Inf(-1)
	for ov := minOverlap; ov <= maxOverlap; ov += step {
		score := stripCorrelation(a, b, ov, h)
		if score > bestScore {
			bestScore = score
			bestOv = ov
		}
	}
	if bestOv == 0 {
		return 0, 0
	}
	if bestScore < 0 {
		bestScore = 0
	}
	return bestOv, bestScore
}

// stripCorrelation computes the normalized cross correlation between
// a's rightmost ov columns and b's leftmost ov columns on luminance.
func stripCorrelation(a, b *image.NRGBA, ov, h int) float64 {
	wa := a.Rect.Dx()
	n := ov * h
	if n == 0 {
		return 0
	}

	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	var sumX, sumY float64
	for y := 0; y < h; y++ {
		for i := 0; i < ov; i++ {
			lx := luminanceAt(a, wa-ov+i, y)
			ly := luminanceAt(b, i, y)
			xs = append(xs, lx)
			ys = append(ys, ly)
			sumX += lx
			sumY += ly
		}
	}

	meanX := sumX / float64(n)
	meanY := sumY / float64(n)
	var num, varX, varY float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		num += dx * dy
		varX += dx * dx
		varY += dy * dy
	}

	denom := math.Sqrt(varX * varY)
	if denom < 1e-9 {
		return 0
	}
	return num / denom
}

func luminanceAt(img *image.NRGBA, x, y int) float64 {
	off := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
	r := float64(img.Pix[off])
	g := float64(img.Pix[off+1])
	b := float64(img.Pix[off+2])
	return 0.299*r + 0.587*g + 0.114*b
}

// compose appends the frames left to right, linearly feathering each
// accepted overlap region to hide the seam.
func compose(frames []*image.NRGBA, overlaps []int) *image.NRGBA {
	h := frames[0].Rect.Dy()
	total := frames[0].Rect.Dx()
	for i := 1; i < len(frames); i++ {
		total += frames[i].Rect.Dx() - overlaps[i-1]
	}

	out := image.NewNRGBA(image.Rect(0, 0, total, h))
	copyColumns(out, frames[0], 0, 0, frames[0].Rect.Dx())
	cursor := frames[0].Rect.Dx()

	for i := 1; i < len(frames); i++ {
		f := frames[i]
		ov := overlaps[i-1]
		start := cursor - ov

		for x := 0; x < ov; x++ {
			alpha := (float64(x) + 0.5) / float64(ov)
			for y := 0; y < h; y++ {
				dst := out.PixOffset(start+x, y)
				src := f.PixOffset(f.Rect.Min.X+x, f.Rect.Min.Y+y)
				for c := 0; c < 3; c++ {
					blended := (1-alpha)*float64(out.Pix[dst+c]) + alpha*float64(f.Pix[src+c])
					out.Pix[dst+c] = uint8(blended + 0.5)
				}
				out.Pix[dst+3] = 0xff
			}
		}

		copyColumns(out, f, cursor, ov, f.Rect.Dx()-ov)
		cursor += f.Rect.Dx() - ov
	}
	return out
}

// copyColumns copies width columns of src starting at column srcX into
// dst starting at column dstX.
func copyColumns(dst *image.NRGBA, src *image.NRGBA, dstX, srcX, width int) {
	h := src.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < width; x++ {
			d := dst.PixOffset(dstX+x, y)
			s := src.PixOffset(src.Rect.Min.X+srcX+x, src.Rect.Min.Y+y)
			copy(dst.Pix[d:d+4], src.Pix[s:s+4])
		}
	}
}

func scaleToHeight(img *image.NRGBA, h int) *image.NRGBA {
	w := img.Rect.Dx() * h / img.Rect.Dy()
	if w < 1 {
		w = 1
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Rect, img, img.Rect, xdraw.Over, nil)
	return dst
}

func loadImage(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	if n, ok := img.(*image.NRGBA); ok {
		return n, nil
	}

	out := image.NewNRGBA(img.Bounds().Sub(img.Bounds().Min))
	xdraw.Draw(out, out.Rect, img, img.Bounds().Min, xdraw.Src)
	return out, nil
}

func saveImage(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return png.Encode(f, img)
	case ".tif", ".tiff":
		return tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return jpeg.Encode(f, img, &jpeg.Options{Quality: 92})
	}
}
