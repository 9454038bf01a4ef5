// Package dataset loads Semantic3D scenes and samples them into the
// fixed-size batches the segmentation model consumes.
package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/Tutortoise/pointcloud-segmentation/config"
	"github.com/seqsense/pcgol/mat"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Batch is batchSize samples of numPoints points each.
type Batch struct {
	Points    [][]mat.Vec3
	PointsRaw [][]mat.Vec3
	Labels    [][]int
	Colors    [][]mat.Vec3
}

// Size returns the number of samples.
func (b *Batch) Size() int {
	return len(b.Points)
}

// FlatLabels returns the ground truth of all samples back to back.
func (b *Batch) FlatLabels() []int {
	var out []int
	for _, l := range b.Labels {
		out = append(out, l...)
	}
	return out
}

// SemanticDataset is the set of scenes of one split.
type SemanticDataset struct {
	Split              string
	NumPointsPerSample int
	BoxSize            float64
	UseColor           bool
	Path               string
	NumClasses         int

	ListFileData []*FileData
}

// Open loads every scene of split from params.DataPath. Scenes are read in
// parallel; the first failure aborts the load.
func Open(ctx context.Context, params *config.HyperParams, split string, logger *zap.Logger) (*SemanticDataset, error) {
	prefixes, err := FilePrefixes(split)
	if err != nil {
		return nil, err
	}

	ds := &SemanticDataset{
		Split:              split,
		NumPointsPerSample: params.NumPoint,
		BoxSize:            params.BoxSize,
		UseColor:           params.ColorEnabled(),
		Path:               params.DataPath,
		NumClasses:         params.NumClasses,
		ListFileData:       make([]*FileData, len(prefixes)),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, prefix := range prefixes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fd, err := LoadFileData(filepath.Join(params.DataPath, prefix), params.BoxSize)
			if err != nil {
				return fmt.Errorf("load %s: %w", prefix, err)
			}
			logger.Debug("Loaded scene",
				zap.String("prefix", prefix),
				zap.Int("points", len(fd.Points)),
				zap.Bool("labeled", fd.HasLabels))
			ds.ListFileData[i] = fd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Info("Dataset loaded",
		zap.String("split", split),
		zap.String("path", params.DataPath),
		zap.Int("files", len(ds.ListFileData)))
	return ds, nil
}

// CheckLabels verifies all ground-truth labels fit the class count.
func (ds *SemanticDataset) CheckLabels() error {
	for _, fd := range ds.ListFileData {
		for i, l := range fd.Labels {
			if l < 0 || l >= ds.NumClasses {
				return fmt.Errorf("%s: point %d has label %d, want [0, %d)", fd.Prefix(), i, l, ds.NumClasses)
			}
		}
	}
	return nil
}
