package downsample

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Tutortoise/pointcloud-segmentation/pointio"
	"github.com/seqsense/pcgol/mat"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const progressEvery = 1000000

// Options configures a down-sampling run.
type Options struct {
	DenseDir  string
	SparseDir string
	VoxelSize float64
	Snap      bool
	// Workers bounds how many scenes are processed at once.
	Workers int
}

// Result summarizes one down-sampled scene.
type Result struct {
	Prefix       string
	DensePoints  int
	SparsePoints int
	Voxels       int
	Labeled      bool
}

// Run down-samples <DenseDir>/<prefix>.pcd for every prefix into SparseDir.
func Run(ctx context.Context, opts Options, prefixes []string, logger *zap.Logger) ([]Result, error) {
	if opts.VoxelSize <= 0 {
		return nil, fmt.Errorf("voxel size must be positive, got %g", opts.VoxelSize)
	}
	if err := os.MkdirAll(opts.SparseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sparse dir: %w", err)
	}

	results := make([]Result, len(prefixes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))
	for i, prefix := range prefixes {
		g.Go(func() error {
			res, err := AdaptiveSampling(ctx, opts, prefix, logger)
			if err != nil {
				return fmt.Errorf("down-sample %s: %w", prefix, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// AdaptiveSampling down-samples one scene. Points labeled 0 (unlabeled) are
// dropped when the scene has labels; scenes without a labels file are kept
// whole and written without one.
func AdaptiveSampling(ctx context.Context, opts Options, prefix string, logger *zap.Logger) (Result, error) {
	log := logger.With(zap.String("prefix", prefix))
	log.Info("Down-sampling")

	densePath := filepath.Join(opts.DenseDir, prefix)
	cloud, err := pointio.ReadCloud(densePath + ".pcd")
	if err != nil {
		return Result{}, err
	}
	log.Debug("Read dense points", zap.Int("points", cloud.Len()))

	labels, err := pointio.ReadLabels(densePath + ".labels")
	hasLabels := true
	switch {
	case errors.Is(err, pointio.ErrNoLabels):
		log.Info("Dense labels not found, treating as test scene")
		hasLabels = false
	case err != nil:
		return Result{}, err
	case len(labels) != cloud.Len():
		return Result{}, fmt.Errorf("%d labels for %d points", len(labels), cloud.Len())
	}

	grid := NewGrid(opts.VoxelSize, opts.Snap)
	for i, p := range cloud.Points {
		label := 0
		if hasLabels {
			label = labels[i]
			if label == 0 {
				continue
			}
		}
		grid.Add(p, cloud.Colors[i], label)

		if i%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			log.Debug("Progress", zap.Int("processed", i))
		}
	}

	sparse := grid.Points()
	points := make([]mat.Vec3, len(sparse))
	colors := make([]mat.Vec3, len(sparse))
	sparseLabels := make([]int, len(sparse))
	for i, p := range sparse {
		points[i] = p.Position
		colors[i] = p.Color
		sparseLabels[i] = p.Label
	}

	if len(sparse) == 0 {
		log.Warn("No labeled points left, writing an empty cloud")
	}

	sparsePath := filepath.Join(opts.SparseDir, prefix)
	if err := pointio.WriteCloud(sparsePath+".pcd", points, colors); err != nil {
		return Result{}, err
	}
	if hasLabels {
		if err := pointio.WriteLabels(sparsePath+".labels", sparseLabels); err != nil {
			return Result{}, err
		}
	}

	res := Result{
		Prefix:       prefix,
		DensePoints:  cloud.Len(),
		SparsePoints: len(sparse),
		Voxels:       grid.NumVoxels(),
		Labeled:      hasLabels,
	}
	log.Info("Exported result of decimation",
		zap.Int("dense_points", res.DensePoints),
		zap.Int("sparse_points", res.SparsePoints),
		zap.Int("voxels", res.Voxels),
		zap.String("path", sparsePath+".pcd"))
	return res, nil
}
