package downsample

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Tutortoise/pointcloud-segmentation/pointio"
	"github.com/google/go-cmp/cmp"
	"github.com/seqsense/pcgol/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKeyUsesFloor(t *testing.T) {
	g := NewGrid(0.5, false)
	assert.Equal(t, VoxelKey{0, 1, -1}, g.Key(mat.Vec3{0.1, 0.6, -0.1}))
	assert.Equal(t, VoxelKey{-3, 2, 0}, g.Key(mat.Vec3{-1.2, 1.0, 0.49}))
}

func TestInsertIfRoom(t *testing.T) {
	v := &voxel{}
	v.insertIfRoom(Point{Position: mat.Vec3{0, 0, 0}})
	v.insertIfRoom(Point{Position: mat.Vec3{0.01, 0, 0}}) // too close
	v.insertIfRoom(Point{Position: mat.Vec3{0.1, 0, 0}})
	assert.Len(t, v.points, 2)

	for i := 0; i < 20; i++ {
		v.insertIfRoom(Point{Position: mat.Vec3{float32(i), 1, 0}})
	}
	assert.Len(t, v.points, MaxPointsPerVoxel)
}

func TestFinalize(t *testing.T) {
	few := &voxel{points: []Point{{Position: mat.Vec3{0, 0, 0}}, {Position: mat.Vec3{1, 0, 0}}}}
	assert.Len(t, few.finalize(), 2)

	flat := &voxel{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			flat.insertIfRoom(Point{Position: mat.Vec3{float32(i) * 0.1, float32(j) * 0.1, 0}})
		}
	}
	require.Len(t, flat.points, 9)
	assert.Len(t, flat.finalize(), 1)

	curved := &voxel{}
	for _, p := range []mat.Vec3{{0, 0, 0}, {0.2, 0, 0}, {0, 0.2, 0}, {0, 0, 0.2}, {0.2, 0.2, 0.2}} {
		curved.insertIfRoom(Point{Position: p})
	}
	got := curved.finalize()
	assert.Len(t, got, 4)
	assert.Equal(t, mat.Vec3{0, 0, 0}, got[0].Position, "earliest candidates are kept")
}

func TestSmallestEigenvalue(t *testing.T) {
	line := []Point{
		{Position: mat.Vec3{0, 0, 0}},
		{Position: mat.Vec3{1, 0, 0}},
		{Position: mat.Vec3{2, 0, 0}},
	}
	assert.InDelta(t, 0, smallestEigenvalue(line), 1e-12)

	cube := []Point{
		{Position: mat.Vec3{0, 0, 0}},
		{Position: mat.Vec3{1, 0, 0}},
		{Position: mat.Vec3{0, 1, 0}},
		{Position: mat.Vec3{0, 0, 1}},
	}
	assert.Greater(t, smallestEigenvalue(cube), FlatnessThreshold)
}

func TestGridPointsOrdered(t *testing.T) {
	g := NewGrid(1, false)
	g.Add(mat.Vec3{5.5, 0, 0}, mat.Vec3{}, 2)
	g.Add(mat.Vec3{-3.5, 0, 0}, mat.Vec3{}, 1)
	g.Add(mat.Vec3{0.5, 9, 0}, mat.Vec3{}, 3)

	var labels []int
	for _, p := range g.Points() {
		labels = append(labels, p.Label)
	}
	assert.Equal(t, []int{1, 3, 2}, labels)
	assert.Equal(t, 3, g.NumVoxels())
}

func TestGridSnap(t *testing.T) {
	g := NewGrid(0.5, true)
	g.Add(mat.Vec3{0.7, 0.1, 0.2}, mat.Vec3{1, 0, 0}, 4)
	g.Add(mat.Vec3{0.9, 0.3, 0.4}, mat.Vec3{0, 1, 0}, 5)

	pts := g.Points()
	require.Len(t, pts, 1)
	assert.Equal(t, mat.Vec3{0.5, 0, 0}, pts[0].Position)
	assert.Equal(t, 4, pts[0].Label)
}

func TestAdaptiveSampling(t *testing.T) {
	dense := t.TempDir()
	sparse := filepath.Join(t.TempDir(), "out")

	points := []mat.Vec3{
		{0.1, 0.1, 0.1}, // voxel 0, label 0 -> dropped
		{0.2, 0.2, 0.2}, // voxel 0
		{0.5, 0.5, 0.5}, // voxel 0
		{3.2, 0.1, 0.1}, // voxel 3
	}
	colors := []mat.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	require.NoError(t, pointio.WriteCloud(filepath.Join(dense, "scene.pcd"), points, colors))
	require.NoError(t, pointio.WriteLabels(filepath.Join(dense, "scene.labels"), []int{0, 1, 2, 3}))
	require.NoError(t, pointio.WriteCloud(filepath.Join(dense, "test.pcd"), points, colors))

	opts := Options{DenseDir: dense, SparseDir: sparse, VoxelSize: 1}
	results, err := Run(context.Background(), opts, []string{"scene", "test"}, zap.NewNop())
	require.NoError(t, err)

	want := []Result{
		{Prefix: "scene", DensePoints: 4, SparsePoints: 3, Voxels: 2, Labeled: true},
		{Prefix: "test", DensePoints: 4, SparsePoints: 2, Voxels: 2, Labeled: false}, // three collinear points collapse to one
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	cloud, err := pointio.ReadCloud(filepath.Join(sparse, "scene.pcd"))
	require.NoError(t, err)
	assert.Equal(t, []mat.Vec3{{0.2, 0.2, 0.2}, {0.5, 0.5, 0.5}, {3.2, 0.1, 0.1}}, cloud.Points)
	assert.Equal(t, []mat.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, cloud.Colors)

	labels, err := pointio.ReadLabels(filepath.Join(sparse, "scene.labels"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, labels)

	_, err = pointio.ReadLabels(filepath.Join(sparse, "test.labels"))
	assert.ErrorIs(t, err, pointio.ErrNoLabels)
}

func TestAdaptiveSamplingAllUnlabeled(t *testing.T) {
	dense := t.TempDir()
	sparse := t.TempDir()
	points := []mat.Vec3{{0, 0, 0}, {1, 1, 1}}
	require.NoError(t, pointio.WriteCloud(filepath.Join(dense, "void.pcd"), points, nil))
	require.NoError(t, pointio.WriteLabels(filepath.Join(dense, "void.labels"), []int{0, 0}))

	res, err := AdaptiveSampling(context.Background(), Options{DenseDir: dense, SparseDir: sparse, VoxelSize: 1}, "void", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 0, res.SparsePoints)

	cloud, err := pointio.ReadCloud(filepath.Join(sparse, "void.pcd"))
	require.NoError(t, err)
	assert.Equal(t, 0, cloud.Len())

	labels, err := pointio.ReadLabels(filepath.Join(sparse, "void.labels"))
	require.NoError(t, err)
	assert.Empty(t, labels)
}

func TestRunRejectsBadVoxel(t *testing.T) {
	_, err := Run(context.Background(), Options{VoxelSize: 0}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestRunMissingScene(t *testing.T) {
	opts := Options{DenseDir: t.TempDir(), SparseDir: t.TempDir(), VoxelSize: 1}
	_, err := Run(context.Background(), opts, []string{"missing"}, zap.NewNop())
	assert.Error(t, err)
}
