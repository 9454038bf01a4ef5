package report

import (
	"fmt"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/seqsense/pcgol/mat"
)

// MaxPreviewSide bounds either side of a preview image in pixels.
const MaxPreviewSide = 8192

// Palette colors Semantic3D classes, index 0 being unlabeled.
var Palette = []color.NRGBA{
	{0, 0, 0, 255},       // unlabeled
	{128, 128, 128, 255}, // man-made terrain
	{0, 153, 0, 255},     // natural terrain
	{102, 204, 0, 255},   // high vegetation
	{204, 255, 102, 255}, // low vegetation
	{204, 0, 0, 255},     // buildings
	{255, 153, 51, 255},  // hard scape
	{255, 0, 255, 255},   // scanning artefacts
	{0, 102, 255, 255},   // cars
}

// LabelColor returns the preview color of a label.
func LabelColor(label int) color.NRGBA {
	if label < 0 {
		return Palette[0]
	}
	return Palette[label%len(Palette)]
}

// SaveLabelPreview renders a top-down view of points colored by label and
// saves it to path. Each pixel covers pixelSize meters; the highest point
// wins where several fall into one pixel.
func SaveLabelPreview(path string, points []mat.Vec3, labels []int, pixelSize float64) error {
	if len(points) != len(labels) {
		return fmt.Errorf("%d points but %d labels", len(points), len(labels))
	}
	if len(points) == 0 {
		return fmt.Errorf("no points to render")
	}
	if pixelSize <= 0 {
		return fmt.Errorf("pixel size must be positive, got %g", pixelSize)
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX = math.Min(minX, float64(p[0]))
		minY = math.Min(minY, float64(p[1]))
		maxX = math.Max(maxX, float64(p[0]))
		maxY = math.Max(maxY, float64(p[1]))
	}
	w := int((maxX-minX)/pixelSize) + 1
	h := int((maxY-minY)/pixelSize) + 1
	if w > MaxPreviewSide || h > MaxPreviewSide {
		return fmt.Errorf("preview of %dx%d pixels exceeds %d, increase the pixel size", w, h, MaxPreviewSide)
	}

	img := imaging.New(w, h, color.NRGBA{255, 255, 255, 255})
	top := make([]float32, w*h)
	for i := range top {
		top[i] = float32(math.Inf(-1))
	}
	for i, p := range points {
		x := int((float64(p[0]) - minX) / pixelSize)
		y := int((float64(p[1]) - minY) / pixelSize)
		if p[2] < top[y*w+x] {
			continue
		}
		top[y*w+x] = p[2]
		img.SetNRGBA(x, y, LabelColor(labels[i]))
	}

	// image rows grow downwards, y grows north
	if err := imaging.Save(imaging.FlipV(img), path); err != nil {
		return fmt.Errorf("save preview: %w", err)
	}
	return nil
}
