package segmentation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Tutortoise/pointcloud-segmentation/dataset"
	"github.com/Tutortoise/pointcloud-segmentation/models"
	"github.com/seqsense/pcgol/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// xRunner scores class int(x) highest for every point, so the predicted
// label of a point is its x coordinate.
type xRunner struct {
	shape  Shape
	calls  int
	fails  int
	inputs [][]float32
	onRun  func()
}

func (r *xRunner) Run(input []float32) ([]float32, error) {
	r.calls++
	if r.onRun != nil {
		r.onRun()
	}
	r.inputs = append(r.inputs, append([]float32(nil), input...))
	if r.fails > 0 {
		r.fails--
		return nil, errors.New("transient")
	}
	out := make([]float32, r.shape.OutputLen())
	points := r.shape.BatchSize * r.shape.NumPoints
	for p := 0; p < points; p++ {
		class := int(input[p*r.shape.Channels])
		out[p*r.shape.NumClasses+class] = 1
	}
	return out, nil
}

func (r *xRunner) Shape() Shape { return r.shape }
func (r *xRunner) Destroy()     {}

func batchOf(samples, points int) *dataset.Batch {
	b := &dataset.Batch{}
	for s := 0; s < samples; s++ {
		var pts, cols []mat.Vec3
		var lbl []int
		for p := 0; p < points; p++ {
			x := float32((s + p) % 3)
			pts = append(pts, mat.Vec3{x, float32(p), 1})
			cols = append(cols, mat.Vec3{0.1, 0.2, 0.3})
			lbl = append(lbl, int(x))
		}
		b.Points = append(b.Points, pts)
		b.PointsRaw = append(b.PointsRaw, pts)
		b.Colors = append(b.Colors, cols)
		b.Labels = append(b.Labels, lbl)
	}
	return b
}

func TestPredict(t *testing.T) {
	r := &xRunner{shape: Shape{BatchSize: 2, NumPoints: 5, Channels: 6, NumClasses: 3}}
	batch := batchOf(2, 5)

	timings := &models.ProcessingTimings{}
	labels, err := Predict(context.Background(), r, batch, timings)
	require.NoError(t, err)
	assert.Equal(t, batch.Labels, labels)
	assert.Equal(t, 1, r.calls)

	// colors land in channels 3..5
	in := r.inputs[0]
	assert.Equal(t, []float32{0, 0, 1, 0.1, 0.2, 0.3}, in[:6])
}

func TestPredictWithoutColor(t *testing.T) {
	r := &xRunner{shape: Shape{BatchSize: 1, NumPoints: 4, Channels: 3, NumClasses: 3}}
	batch := batchOf(1, 4)
	batch.Colors = nil

	labels, err := Predict(context.Background(), r, batch, &models.ProcessingTimings{})
	require.NoError(t, err)
	assert.Equal(t, batch.Labels, labels)
	assert.Len(t, r.inputs[0], 12)
}

func TestPredictPartialBatch(t *testing.T) {
	r := &xRunner{shape: Shape{BatchSize: 4, NumPoints: 3, Channels: 6, NumClasses: 3}}
	batch := batchOf(1, 3)

	labels, err := Predict(context.Background(), r, batch, &models.ProcessingTimings{})
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, batch.Labels[0], labels[0])

	in := r.inputs[0]
	sample := 3 * 6
	assert.Equal(t, in[:sample], in[3*sample:], "padding repeats the last sample")
}

func TestPredictRetries(t *testing.T) {
	r := &xRunner{shape: Shape{BatchSize: 1, NumPoints: 2, Channels: 6, NumClasses: 3}, fails: 2}

	labels, err := Predict(context.Background(), r, batchOf(1, 2), &models.ProcessingTimings{})
	require.NoError(t, err)
	assert.Len(t, labels, 1)
	assert.Equal(t, 3, r.calls)
}

func TestPredictGivesUp(t *testing.T) {
	r := &xRunner{shape: Shape{BatchSize: 1, NumPoints: 2, Channels: 6, NumClasses: 3}, fails: RetryAttempts}

	_, err := Predict(context.Background(), r, batchOf(1, 2), &models.ProcessingTimings{})
	assert.ErrorContains(t, err, "transient")
	assert.Equal(t, RetryAttempts, r.calls)
}

func TestPredictCancelled(t *testing.T) {
	r := &xRunner{shape: Shape{BatchSize: 1, NumPoints: 2, Channels: 6, NumClasses: 3}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Predict(ctx, r, batchOf(1, 2), &models.ProcessingTimings{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.calls)
}

func TestPredictCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &xRunner{shape: Shape{BatchSize: 1, NumPoints: 2, Channels: 6, NumClasses: 3}, fails: RetryAttempts, onRun: cancel}

	start := time.Now()
	_, err := Predict(ctx, r, batchOf(1, 2), &models.ProcessingTimings{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, r.calls)
	assert.Less(t, time.Since(start), RetryDelayMs*time.Millisecond)
}

func TestPredictRejectsBadBatch(t *testing.T) {
	r := &xRunner{shape: Shape{BatchSize: 1, NumPoints: 2, Channels: 6, NumClasses: 3}}

	tests := map[string]*dataset.Batch{
		"empty":     {},
		"too many":  batchOf(2, 2),
		"points":    batchOf(1, 3),
		"no colors": func() *dataset.Batch { b := batchOf(1, 2); b.Colors = nil; return b }(),
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Predict(context.Background(), r, b, &models.ProcessingTimings{})
			var perr *ProcessingError
			assert.ErrorAs(t, err, &perr)
		})
	}
	assert.Equal(t, 0, r.calls)
}

func TestArgmax(t *testing.T) {
	shape := Shape{BatchSize: 2, NumPoints: 2, Channels: 3, NumClasses: 3}
	scores := []float32{
		0.1, 0.7, 0.2,
		0.5, 0.5, 0.0, // tie goes to class 0
		-1, -2, -0.5,
		0, 0, 3,
	}

	labels, err := Argmax(scores, shape, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 0}, {2, 2}}, labels)

	labels, err = Argmax(scores, shape, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 0}}, labels)

	_, err = Argmax(scores[:3], shape, 1)
	assert.Error(t, err)
}

func TestShape(t *testing.T) {
	s := Shape{BatchSize: 4, NumPoints: 8192, Channels: 6, NumClasses: 9}
	assert.Equal(t, 4*8192*6, s.InputLen())
	assert.Equal(t, 4*8192*9, s.OutputLen())
	assert.Equal(t, "in[4 8192 6] out[4 8192 9]", s.String())
}
