// Package downsample reduces dense scans to sparse clouds by keeping a few
// representative points per voxel, fewer on flat surfaces.
package downsample

import (
	"cmp"
	"math"
	"slices"

	"github.com/seqsense/pcgol/mat"
)

const (
	// MaxPointsPerVoxel caps the candidates collected per voxel.
	MaxPointsPerVoxel = 10
	// MinSquaredDistance rejects candidates this close to a kept point.
	MinSquaredDistance = 0.001
	// FlatnessThreshold is the smallest covariance eigenvalue above which a
	// voxel counts as non-planar.
	FlatnessThreshold = 0.00001

	keepCurved = 4
	keepFlat   = 1
)

// VoxelKey indexes the voxel grid.
type VoxelKey [3]int

func (k VoxelKey) compare(o VoxelKey) int {
	if c := cmp.Compare(k[0], o[0]); c != 0 {
		return c
	}
	if c := cmp.Compare(k[1], o[1]); c != 0 {
		return c
	}
	return cmp.Compare(k[2], o[2])
}

// Point is a voxel-snapped sample.
type Point struct {
	Position mat.Vec3
	Color    mat.Vec3
	Label    int
}

type voxel struct {
	points []Point
}

// insertIfRoom keeps p unless the voxel is full or p nearly duplicates a
// kept point.
func (v *voxel) insertIfRoom(p Point) {
	if len(v.points) >= MaxPointsPerVoxel {
		return
	}
	for _, q := range v.points {
		if squaredDistance(p.Position, q.Position) <= MinSquaredDistance {
			return
		}
	}
	v.points = append(v.points, p)
}

// finalize shrinks the voxel to its representatives: voxels with fewer than
// three points stay as they are, curved voxels keep four points and flat
// ones a single point.
func (v *voxel) finalize() []Point {
	if len(v.points) < 3 {
		return v.points
	}
	if smallestEigenvalue(v.points) > FlatnessThreshold {
		return v.points[:min(keepCurved, len(v.points))]
	}
	return v.points[:keepFlat]
}

// Grid accumulates points into voxels of a fixed edge length.
type Grid struct {
	size   float64
	snap   bool
	voxels map[VoxelKey]*voxel
}

// NewGrid returns an empty grid with the given voxel edge length. With
// snap set, points are moved to their voxel's minimum corner, which leaves
// exactly one point per voxel.
func NewGrid(voxelSize float64, snap bool) *Grid {
	return &Grid{
		size:   voxelSize,
		snap:   snap,
		voxels: make(map[VoxelKey]*voxel),
	}
}

// Key returns the voxel containing p.
func (g *Grid) Key(p mat.Vec3) VoxelKey {
	return VoxelKey{
		int(math.Floor(float64(p[0]) / g.size)),
		int(math.Floor(float64(p[1]) / g.size)),
		int(math.Floor(float64(p[2]) / g.size)),
	}
}

// Add offers a point to the voxel containing it.
func (g *Grid) Add(position, color mat.Vec3, label int) {
	key := g.Key(position)
	v, ok := g.voxels[key]
	if !ok {
		v = &voxel{}
		g.voxels[key] = v
	}
	if g.snap {
		position = g.corner(key)
	}
	v.insertIfRoom(Point{
		Position: position,
		Color:    color,
		Label:    label,
	})
}

func (g *Grid) corner(k VoxelKey) mat.Vec3 {
	return mat.Vec3{
		float32(float64(k[0]) * g.size),
		float32(float64(k[1]) * g.size),
		float32(float64(k[2]) * g.size),
	}
}

// NumVoxels returns the number of occupied voxels.
func (g *Grid) NumVoxels() int {
	return len(g.voxels)
}

// Points returns the representatives of every voxel, voxels in
// lexicographic key order.
func (g *Grid) Points() []Point {
	keys := make([]VoxelKey, 0, len(g.voxels))
	for k := range g.voxels {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, VoxelKey.compare)

	var out []Point
	for _, k := range keys {
		out = append(out, g.voxels[k].finalize()...)
	}
	return out
}

func squaredDistance(a, b mat.Vec3) float64 {
	var d float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		d += diff * diff
	}
	return d
}
