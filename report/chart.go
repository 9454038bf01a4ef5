// Package report renders prediction results as images: a bar chart of the
// per-class IoU and a top-down preview of a labeled cloud.
package report

import (
	"fmt"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveIoUChart writes a bar chart of ious to path. The image format follows
// the file extension. Classes with an undefined IoU are drawn as zero.
func SaveIoUChart(path string, ious []float64, names []string) error {
	if len(ious) == 0 {
		return fmt.Errorf("no classes to plot")
	}

	values := make(plotter.Values, len(ious))
	labels := make([]string, len(ious))
	for i, iou := range ious {
		if !math.IsNaN(iou) {
			values[i] = iou
		}
		labels[i] = fmt.Sprintf("%d", i)
		if i < len(names) {
			labels[i] = names[i]
		}
	}

	p := plot.New()
	p.Title.Text = "IoU per class"
	p.Y.Label.Text = "IoU"
	p.Y.Min = 0
	p.Y.Max = 1

	bars, err := plotter.NewBarChart(values, vg.Points(20))
	if err != nil {
		return fmt.Errorf("create bar chart: %w", err)
	}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalX(labels...)

	width := vg.Length(len(ious)) * vg.Inch
	if width < 4*vg.Inch {
		width = 4 * vg.Inch
	}
	if err := p.Save(width, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save iou chart: %w", err)
	}
	return nil
}
