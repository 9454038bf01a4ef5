package store

import (
	"path/filepath"
	"testing"

	"github.com/Tutortoise/pointcloud-segmentation/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *EvaluationStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "eval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sceneMatrix(t *testing.T, gt, pd []int) *metric.ConfusionMatrix {
	t.Helper()
	cm := metric.NewConfusionMatrix(3)
	require.NoError(t, cm.IncrementFromList(gt, pd))
	return cm
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)

	cm := sceneMatrix(t, []int{0, 1, 2, 2}, []int{0, 1, 2, 1})
	eval := NewEvaluation("run-1", "validation", "bildstein_station1_xyz_intensity_rgb", "model.onnx", 8, 4, cm)
	require.NoError(t, s.Insert(eval))
	assert.NotEmpty(t, eval.EvaluationID)
	assert.NotZero(t, eval.CreatedAt)

	got, err := s.Get(eval.EvaluationID)
	require.NoError(t, err)
	assert.Equal(t, eval, got)
	assert.InDelta(t, 0.75, got.OverallAccuracy, 1e-9)
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByRunAndRunConfusion(t *testing.T) {
	s := openTestStore(t)

	a := NewEvaluation("run-1", "validation", "a", "m.onnx", 8, 2, sceneMatrix(t, []int{0, 1}, []int{0, 1}))
	a.CreatedAt = 10
	b := NewEvaluation("run-1", "validation", "b", "m.onnx", 8, 2, sceneMatrix(t, []int{2, 2}, []int{2, 1}))
	b.CreatedAt = 20
	other := NewEvaluation("run-2", "validation", "a", "m.onnx", 8, 1, sceneMatrix(t, []int{0}, []int{1}))
	for _, e := range []*Evaluation{b, a, other} {
		require.NoError(t, s.Insert(e))
	}

	evals, err := s.ListByRun("run-1")
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.Equal(t, "a", evals[0].FilePrefix)
	assert.Equal(t, "b", evals[1].FilePrefix)

	total, err := s.RunConfusion("run-1")
	require.NoError(t, err)
	assert.Equal(t, 4, total.Total())
	assert.InDelta(t, 0.75, total.OverallAccuracy(), 1e-9)

	_, err = s.RunConfusion("run-3")
	assert.ErrorIs(t, err, ErrNotFound)
}
