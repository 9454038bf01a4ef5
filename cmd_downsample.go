package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"

	"github.com/Tutortoise/pointcloud-segmentation/dataset"
	"github.com/Tutortoise/pointcloud-segmentation/downsample"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var downsampleCfg struct {
	dense   string
	sparse  string
	voxel   float64
	split   string
	snap    bool
	workers int
}

var downsampleCmd = &cobra.Command{
	Use:   "downsample",
	Short: "Voxel down-sample dense scenes into sparse PCD and label files",
	Long: `Reads <dense>/<prefix>.pcd (and <prefix>.labels when present) and keeps a
few points per voxel: up to four on curved surfaces and one on flat ones.
Unlabeled points are dropped from labeled scenes. The result is written to
<sparse>/<prefix>.pcd and <sparse>/<prefix>.labels.

Without --set every .pcd file of the dense directory is processed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefixes, err := downsamplePrefixes(downsampleCfg.dense, downsampleCfg.split)
		if err != nil {
			return err
		}
		if len(prefixes) == 0 {
			return fmt.Errorf("no .pcd files in %s", downsampleCfg.dense)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := downsample.Options{
			DenseDir:  downsampleCfg.dense,
			SparseDir: downsampleCfg.sparse,
			VoxelSize: downsampleCfg.voxel,
			Snap:      downsampleCfg.snap,
			Workers:   downsampleCfg.workers,
		}
		results, err := downsample.Run(ctx, opts, prefixes, logger)
		if err != nil {
			return err
		}

		var dense, sparse int
		for _, r := range results {
			dense += r.DensePoints
			sparse += r.SparsePoints
		}
		logger.Info("Down-sampling finished",
			zap.Int("files", len(results)),
			zap.Int("dense_points", dense),
			zap.Int("sparse_points", sparse))
		return nil
	},
}

func init() {
	f := downsampleCmd.Flags()
	f.StringVar(&downsampleCfg.dense, "dense", filepath.Join("data", "semantic_raw"), "directory of dense scenes")
	f.StringVar(&downsampleCfg.sparse, "sparse", filepath.Join("data", "semantic_downsampled"), "output directory")
	f.Float64Var(&downsampleCfg.voxel, "voxel", 0.05, "voxel edge length in meters")
	f.StringVar(&downsampleCfg.split, "set", "", "only process the scenes of this split")
	f.BoolVar(&downsampleCfg.snap, "snap", false, "move kept points to their voxel corner")
	f.IntVar(&downsampleCfg.workers, "workers", runtime.NumCPU(), "scenes processed in parallel")
}

// downsamplePrefixes lists the scenes to process: the split's prefixes when
// split is set, every .pcd in dir otherwise.
func downsamplePrefixes(dir, split string) ([]string, error) {
	if split != "" {
		return dataset.FilePrefixes(split)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var prefixes []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pcd" {
			continue
		}
		prefixes = append(prefixes, strings.TrimSuffix(e.Name(), ".pcd"))
	}
	sort.Strings(prefixes)
	return prefixes, nil
}
