package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"

	"github.com/Tutortoise/pointcloud-segmentation/pointio"
	"github.com/seqsense/pcgol/mat"
)

var ErrEmptyCloud = errors.New("point cloud is empty")

// FileData holds one dense scene and samples fixed-size boxes from it.
type FileData struct {
	// FilePathWithoutExt is the scene path minus ".pcd"; its base name
	// prefixes all exported files.
	FilePathWithoutExt string
	Points             []mat.Vec3
	Colors             []mat.Vec3
	// Labels holds ground truth, all zero when HasLabels is false.
	Labels    []int
	HasLabels bool

	boxSize float64
}

// Sample is one fixed-size crop of a scene.
type Sample struct {
	// Points are shifted so the box is centred on x = y = 0 and min z is 0.
	Points    []mat.Vec3
	PointsRaw []mat.Vec3
	Labels    []int
	Colors    []mat.Vec3
}

// LoadFileData reads <pathWithoutExt>.pcd and, when present,
// <pathWithoutExt>.labels.
func LoadFileData(pathWithoutExt string, boxSize float64) (*FileData, error) {
	cloud, err := pointio.ReadCloud(pathWithoutExt + ".pcd")
	if err != nil {
		return nil, err
	}

	labels, err := pointio.ReadLabels(pathWithoutExt + ".labels")
	switch {
	case errors.Is(err, pointio.ErrNoLabels):
		labels = nil
	case err != nil:
		return nil, err
	}

	return NewFileData(pathWithoutExt, cloud, labels, boxSize)
}

// NewFileData wraps an in-memory cloud. labels may be nil for unlabeled
// scenes; otherwise it must match the point count.
func NewFileData(pathWithoutExt string, cloud *pointio.Cloud, labels []int, boxSize float64) (*FileData, error) {
	if cloud.Len() == 0 {
		return nil, fmt.Errorf("%s: %w", pathWithoutExt, ErrEmptyCloud)
	}
	if boxSize <= 0 {
		return nil, fmt.Errorf("box size must be positive, got %g", boxSize)
	}

	fd := &FileData{
		FilePathWithoutExt: pathWithoutExt,
		Points:             cloud.Points,
		Colors:             cloud.Colors,
		HasLabels:          labels != nil,
		boxSize:            boxSize,
	}
	if labels != nil {
		if len(labels) != cloud.Len() {
			return nil, fmt.Errorf("%s: %d labels for %d points", pathWithoutExt, len(labels), cloud.Len())
		}
		fd.Labels = labels
	} else {
		fd.Labels = make([]int, cloud.Len())
	}
	if len(fd.Colors) != len(fd.Points) {
		fd.Colors = make([]mat.Vec3, len(fd.Points))
	}
	return fd, nil
}

// Prefix is the base name used for exported files.
func (fd *FileData) Prefix() string {
	return filepath.Base(fd.FilePathWithoutExt)
}

func (fd *FileData) String() string {
	return fmt.Sprintf("FileData(%s, %d points)", fd.Prefix(), len(fd.Points))
}

// Sample picks a random point, crops the box_size x box_size column around
// it over the full height of the scene and draws exactly numPoints points
// from the crop, with replacement only when the crop is too small.
func (fd *FileData) Sample(rng *rand.Rand, numPoints int) Sample {
	center := fd.Points[rng.IntN(len(fd.Points))]
	inBox := fd.extractColumn(center)
	chosen := chooseIndices(rng, inBox, numPoints)

	s := Sample{
		Points:    make([]mat.Vec3, numPoints),
		PointsRaw: make([]mat.Vec3, numPoints),
		Labels:    make([]int, numPoints),
		Colors:    make([]mat.Vec3, numPoints),
	}
	for i, idx := range chosen {
		s.PointsRaw[i] = fd.Points[idx]
		s.Labels[i] = fd.Labels[idx]
		s.Colors[i] = fd.Colors[idx]
	}
	fd.centerBox(s.PointsRaw, s.Points)
	return s
}

// SampleBatch draws batchSize independent samples.
func (fd *FileData) SampleBatch(rng *rand.Rand, batchSize, numPoints int) *Batch {
	b := &Batch{
		Points:    make([][]mat.Vec3, batchSize),
		PointsRaw: make([][]mat.Vec3, batchSize),
		Labels:    make([][]int, batchSize),
		Colors:    make([][]mat.Vec3, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		s := fd.Sample(rng, numPoints)
		b.Points[i] = s.Points
		b.PointsRaw[i] = s.PointsRaw
		b.Labels[i] = s.Labels
		b.Colors[i] = s.Colors
	}
	return b
}

// extractColumn returns the indices of points whose x and y lie within half
// a box of center. The center point itself always qualifies.
func (fd *FileData) extractColumn(center mat.Vec3) []int {
	half := fd.boxSize / 2
	minX, maxX := float64(center[0])-half, float64(center[0])+half
	minY, maxY := float64(center[1])-half, float64(center[1])+half

	var idx []int
	for i, p := range fd.Points {
		x, y := float64(p[0]), float64(p[1])
		if x >= minX && x <= maxX && y >= minY && y <= maxY {
			idx = append(idx, i)
		}
	}
	return idx
}

func (fd *FileData) centerBox(raw, dst []mat.Vec3) {
	minX, minY, minZ := math.Inf(1), math.Inf(1), math.Inf(1)
	for _, p := range raw {
		minX = math.Min(minX, float64(p[0]))
		minY = math.Min(minY, float64(p[1]))
		minZ = math.Min(minZ, float64(p[2]))
	}
	shift := mat.Vec3{
		float32(minX + fd.boxSize/2),
		float32(minY + fd.boxSize/2),
		float32(minZ),
	}
	for i, p := range raw {
		dst[i] = mat.Vec3{p[0] - shift[0], p[1] - shift[1], p[2] - shift[2]}
	}
}

// chooseIndices draws n entries of pool: a partial Fisher-Yates shuffle when
// pool is large enough, uniform draws with replacement otherwise.
func chooseIndices(rng *rand.Rand, pool []int, n int) []int {
	out := make([]int, n)
	if len(pool) >= n {
		perm := append([]int(nil), pool...)
		for i := 0; i < n; i++ {
			j := i + rng.IntN(len(perm)-i)
			perm[i], perm[j] = perm[j], perm[i]
		}
		copy(out, perm[:n])
		return out
	}
	for i := range out {
		out[i] = pool[rng.IntN(len(pool))]
	}
	return out
}
