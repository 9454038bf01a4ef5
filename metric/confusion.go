// Package metric accumulates predicted against ground-truth labels and
// derives segmentation scores from the tally.
package metric

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ConfusionMatrix counts points by (ground truth, predicted) class. Rows are
// ground truth, columns are predictions.
type ConfusionMatrix struct {
	n int
	m *mat.Dense
}

// NewConfusionMatrix returns an empty n x n matrix.
func NewConfusionMatrix(n int) *ConfusionMatrix {
	if n <= 0 {
		panic(fmt.Sprintf("metric: invalid class count %d", n))
	}
	return &ConfusionMatrix{n: n, m: mat.NewDense(n, n, nil)}
}

// Increment adds a single observation.
func (cm *ConfusionMatrix) Increment(gt, pd int) error {
	if err := cm.check(gt, pd); err != nil {
		return err
	}
	cm.m.Set(gt, pd, cm.m.At(gt, pd)+1)
	return nil
}

// IncrementFromList adds pairwise observations. Nothing is added if any
// label is out of range.
func (cm *ConfusionMatrix) IncrementFromList(gt, pd []int) error {
	if len(gt) != len(pd) {
		return fmt.Errorf("ground truth has %d labels, predictions have %d", len(gt), len(pd))
	}
	for i := range gt {
		if err := cm.check(gt[i], pd[i]); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
	}
	for i := range gt {
		cm.m.Set(gt[i], pd[i], cm.m.At(gt[i], pd[i])+1)
	}
	return nil
}

// Merge adds the counts of other into cm.
func (cm *ConfusionMatrix) Merge(other *ConfusionMatrix) error {
	if other.n != cm.n {
		return fmt.Errorf("cannot merge %d-class matrix into %d-class matrix", other.n, cm.n)
	}
	cm.m.Add(cm.m, other.m)
	return nil
}

// Count returns the number of points with ground truth gt predicted as pd.
func (cm *ConfusionMatrix) Count(gt, pd int) int {
	return int(cm.m.At(gt, pd))
}

// Total returns the number of observations.
func (cm *ConfusionMatrix) Total() int {
	return int(mat.Sum(cm.m))
}

// OverallAccuracy is trace / total, or 0 for an empty matrix.
func (cm *ConfusionMatrix) OverallAccuracy() float64 {
	total := mat.Sum(cm.m)
	if total == 0 {
		return 0
	}
	return mat.Trace(cm.m) / total
}

// PerClassIoU returns tp / (tp + fp + fn) per class. Classes that appear in
// neither ground truth nor predictions have no IoU and are reported as NaN.
func (cm *ConfusionMatrix) PerClassIoU() []float64 {
	ious := make([]float64, cm.n)
	for i := 0; i < cm.n; i++ {
		tp := cm.m.At(i, i)
		union := floats.Sum(mat.Row(nil, i, cm.m)) + floats.Sum(mat.Col(nil, i, cm.m)) - tp
		if union == 0 {
			ious[i] = math.NaN()
			continue
		}
		ious[i] = tp / union
	}
	return ious
}

// MeanIoU averages PerClassIoU over the classes that have one.
func (cm *ConfusionMatrix) MeanIoU() float64 {
	return nanMean(cm.PerClassIoU())
}

// PerClassAccuracy returns recall per class, NaN for classes absent from
// the ground truth.
func (cm *ConfusionMatrix) PerClassAccuracy() []float64 {
	accs := make([]float64, cm.n)
	for i := 0; i < cm.n; i++ {
		support := floats.Sum(mat.Row(nil, i, cm.m))
		if support == 0 {
			accs[i] = math.NaN()
			continue
		}
		accs[i] = cm.m.At(i, i) / support
	}
	return accs
}

// MeanClassAccuracy averages PerClassAccuracy over the present classes.
func (cm *ConfusionMatrix) MeanClassAccuracy() float64 {
	return nanMean(cm.PerClassAccuracy())
}

// Print writes the matrix followed by IoU per class, mIoU and overall
// accuracy. names labels the classes; nil uses class indices.
func (cm *ConfusionMatrix) Print(w io.Writer, names []string) {
	fmt.Fprintln(w, "Confusion matrix:")
	fmt.Fprintf(w, "%v\n", mat.Formatted(cm.m, mat.Squeeze()))

	fmt.Fprintln(w, "IoU per class:")
	for i, iou := range cm.PerClassIoU() {
		name := fmt.Sprintf("%d", i)
		if i < len(names) {
			name = names[i]
		}
		fmt.Fprintf(w, "  %-20s %.4f\n", name, iou)
	}
	fmt.Fprintf(w, "mIoU: %.4f\n", cm.MeanIoU())
	fmt.Fprintf(w, "Overall accuracy: %.4f\n", cm.OverallAccuracy())
}

// Rows returns the counts as a row-major slice of rows.
func (cm *ConfusionMatrix) Rows() [][]int {
	rows := make([][]int, cm.n)
	for i := range rows {
		rows[i] = make([]int, cm.n)
		for j := range rows[i] {
			rows[i][j] = int(cm.m.At(i, j))
		}
	}
	return rows
}

// MarshalJSON encodes the matrix as nested arrays of counts.
func (cm *ConfusionMatrix) MarshalJSON() ([]byte, error) {
	return json.Marshal(cm.Rows())
}

// FromRows rebuilds a matrix from Rows output.
func FromRows(rows [][]int) (*ConfusionMatrix, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty confusion matrix")
	}
	cm := NewConfusionMatrix(len(rows))
	for i, row := range rows {
		if len(row) != len(rows) {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(row), len(rows))
		}
		for j, v := range row {
			cm.m.Set(i, j, float64(v))
		}
	}
	return cm, nil
}

func (cm *ConfusionMatrix) check(gt, pd int) error {
	if gt < 0 || gt >= cm.n {
		return fmt.Errorf("ground truth label %d out of range [0, %d)", gt, cm.n)
	}
	if pd < 0 || pd >= cm.n {
		return fmt.Errorf("predicted label %d out of range [0, %d)", pd, cm.n)
	}
	return nil
}

func nanMean(vs []float64) float64 {
	present := make([]float64, 0, len(vs))
	for _, v := range vs {
		if !math.IsNaN(v) {
			present = append(present, v)
		}
	}
	if len(present) == 0 {
		return 0
	}
	return stat.Mean(present, nil)
}
