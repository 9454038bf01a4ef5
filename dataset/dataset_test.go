package dataset

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/Tutortoise/pointcloud-segmentation/config"
	"github.com/Tutortoise/pointcloud-segmentation/pointio"
	"github.com/seqsense/pcgol/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// gridCloud lays out n x n points one metre apart with label = column % 3.
func gridCloud(n int) (*pointio.Cloud, []int) {
	c := &pointio.Cloud{}
	var labels []int
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			c.Points = append(c.Points, mat.Vec3{float32(i), float32(j), float32(i + j)})
			c.Colors = append(c.Colors, mat.Vec3{0.5, 0.5, 0.5})
			labels = append(labels, i%3)
		}
	}
	return c, labels
}

func TestSampleShape(t *testing.T) {
	cloud, labels := gridCloud(20)
	fd, err := NewFileData("scene", cloud, labels, 4)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(0, 0))
	s := fd.Sample(rng, 10)

	require.Len(t, s.Points, 10)
	require.Len(t, s.PointsRaw, 10)
	require.Len(t, s.Labels, 10)
	require.Len(t, s.Colors, 10)

	var minX, minY float32 = 1e9, 1e9
	var maxX, maxY float32 = -1e9, -1e9
	for i, p := range s.PointsRaw {
		assert.Equal(t, int(p[0])%3, s.Labels[i], "labels must follow their points")
		minX, maxX = min(minX, p[0]), max(maxX, p[0])
		minY, maxY = min(minY, p[1]), max(maxY, p[1])
	}
	assert.LessOrEqual(t, maxX-minX, float32(4))
	assert.LessOrEqual(t, maxY-minY, float32(4))
}

func TestSampleCentersBox(t *testing.T) {
	cloud, labels := gridCloud(10)
	fd, err := NewFileData("scene", cloud, labels, 4)
	require.NoError(t, err)

	s := fd.Sample(rand.New(rand.NewPCG(1, 2)), 16)

	var minX, minY, minZ float32 = 1e9, 1e9, 1e9
	for _, p := range s.Points {
		minX, minY, minZ = min(minX, p[0]), min(minY, p[1]), min(minZ, p[2])
	}
	assert.InDelta(t, -2, minX, 1e-6)
	assert.InDelta(t, -2, minY, 1e-6)
	assert.InDelta(t, 0, minZ, 1e-6)
}

func TestSampleWithReplacement(t *testing.T) {
	cloud := &pointio.Cloud{Points: []mat.Vec3{{0, 0, 0}, {100, 100, 0}}}
	fd, err := NewFileData("sparse", cloud, nil, 1)
	require.NoError(t, err)
	assert.False(t, fd.HasLabels)

	s := fd.Sample(rand.New(rand.NewPCG(3, 3)), 5)
	require.Len(t, s.PointsRaw, 5)
	for _, p := range s.PointsRaw {
		// only the picked center fits into a 1m box
		assert.Equal(t, s.PointsRaw[0], p)
	}
	assert.Equal(t, []int{0, 0, 0, 0, 0}, s.Labels)
}

func TestSampleWithoutReplacementIsUnique(t *testing.T) {
	cloud, labels := gridCloud(5)
	fd, err := NewFileData("scene", cloud, labels, 100)
	require.NoError(t, err)

	s := fd.Sample(rand.New(rand.NewPCG(5, 5)), 25)
	seen := map[mat.Vec3]bool{}
	for _, p := range s.PointsRaw {
		assert.False(t, seen[p], "point %v drawn twice", p)
		seen[p] = true
	}
}

func TestSampleDeterministic(t *testing.T) {
	cloud, labels := gridCloud(12)
	fd, err := NewFileData("scene", cloud, labels, 3)
	require.NoError(t, err)

	a := fd.SampleBatch(rand.New(rand.NewPCG(7, 7)), 2, 8)
	b := fd.SampleBatch(rand.New(rand.NewPCG(7, 7)), 2, 8)
	assert.Equal(t, a, b)
	assert.Equal(t, 2, a.Size())
	assert.Len(t, a.FlatLabels(), 16)
}

func TestNewFileDataErrors(t *testing.T) {
	_, err := NewFileData("empty", &pointio.Cloud{}, nil, 1)
	assert.ErrorIs(t, err, ErrEmptyCloud)

	cloud, _ := gridCloud(2)
	_, err = NewFileData("short", cloud, []int{1}, 1)
	assert.Error(t, err)

	_, err = NewFileData("box", cloud, nil, 0)
	assert.Error(t, err)
}

func TestLoadFileDataRejectsShortLabels(t *testing.T) {
	dir := t.TempDir()
	cloud, _ := gridCloud(2)
	base := filepath.Join(dir, "scene")
	require.NoError(t, pointio.WriteCloud(base+".pcd", cloud.Points, cloud.Colors))

	require.NoError(t, os.WriteFile(base+".labels", nil, 0o644))
	_, err := LoadFileData(base, 1)
	assert.ErrorContains(t, err, "0 labels")

	require.NoError(t, pointio.WriteLabels(base+".labels", []int{1}))
	_, err = LoadFileData(base, 1)
	assert.ErrorContains(t, err, "1 labels")
}

func TestLoadFileDataEmptyCloud(t *testing.T) {
	base := filepath.Join(t.TempDir(), "scene")
	require.NoError(t, pointio.WriteCloud(base+".pcd", nil, nil))
	require.NoError(t, pointio.WriteLabels(base+".labels", nil))

	_, err := LoadFileData(base, 1)
	assert.ErrorIs(t, err, ErrEmptyCloud)
}

func TestFilePrefixes(t *testing.T) {
	v, err := FilePrefixes("validation")
	require.NoError(t, err)
	assert.Len(t, v, 2)

	all, err := FilePrefixes("all")
	require.NoError(t, err)
	assert.Len(t, all, 30)

	_, err = FilePrefixes("bogus")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	prefixes, err := FilePrefixes("validation")
	require.NoError(t, err)

	cloud, labels := gridCloud(4)
	require.NoError(t, pointio.WriteCloud(filepath.Join(dir, prefixes[0]+".pcd"), cloud.Points, cloud.Colors))
	require.NoError(t, pointio.WriteLabels(filepath.Join(dir, prefixes[0]+".labels"), labels))
	require.NoError(t, pointio.WriteCloud(filepath.Join(dir, prefixes[1]+".pcd"), cloud.Points, nil))

	params := config.Default()
	params.DataPath = dir
	params.NumClasses = 3

	ds, err := Open(context.Background(), params, "validation", zap.NewNop())
	require.NoError(t, err)
	require.Len(t, ds.ListFileData, 2)
	assert.Equal(t, prefixes[0], ds.ListFileData[0].Prefix())
	assert.True(t, ds.ListFileData[0].HasLabels)
	assert.False(t, ds.ListFileData[1].HasLabels)
	assert.NoError(t, ds.CheckLabels())

	ds.NumClasses = 2
	assert.Error(t, ds.CheckLabels())
}

func TestOpenMissingFile(t *testing.T) {
	params := config.Default()
	params.DataPath = t.TempDir()

	_, err := Open(context.Background(), params, "validation", zap.NewNop())
	assert.Error(t, err)
}
