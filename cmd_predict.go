package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Tutortoise/pointcloud-segmentation/config"
	"github.com/Tutortoise/pointcloud-segmentation/dataset"
	"github.com/Tutortoise/pointcloud-segmentation/metric"
	"github.com/Tutortoise/pointcloud-segmentation/models"
	"github.com/Tutortoise/pointcloud-segmentation/pointio"
	"github.com/Tutortoise/pointcloud-segmentation/report"
	"github.com/Tutortoise/pointcloud-segmentation/segmentation"
	"github.com/Tutortoise/pointcloud-segmentation/store"
	"github.com/google/uuid"
	"github.com/seqsense/pcgol/mat"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// predictOptions are the predict command flags.
type predictOptions struct {
	NumSamples int
	Checkpoint string
	Split      string
	OutputDir  string
	MaxFiles   int
	Seed       uint64
	DBPath     string
	Preview    bool
	PixelSize  float64
	IoUChart   string
}

var predictOpts predictOptions

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Label sampled boxes of every scene of a split and score them",
	Long: `Samples num_samples boxes of num_point points from every scene of the
split, labels them with the model and writes the sampled points and predicted
labels to <output>/<prefix>.pcd and <output>/<prefix>.labels. The confusion
matrix over all scenes is printed at the end.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := loadParams(configPath, predictOpts.Checkpoint)
		if err != nil {
			return err
		}

		release, err := initRuntime(resolveLibrary(ortLib))
		if err != nil {
			return err
		}
		defer release()
		segmentation.LogCPUFeatures(logger)

		pool, err := NewModelSessionPool(sessionFactory(params), params.PoolSize, logger)
		if err != nil {
			return fmt.Errorf("failed to create model session pool: %w", err)
		}
		defer pool.Destroy()

		var evals *store.EvaluationStore
		if predictOpts.DBPath != "" {
			evals, err = store.Open(predictOpts.DBPath)
			if err != nil {
				return fmt.Errorf("open evaluation store: %w", err)
			}
			defer evals.Close()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p := &predictor{
			params: params,
			opts:   predictOpts,
			pool:   pool,
			store:  evals,
			out:    cmd.OutOrStdout(),
		}
		_, err = p.run(ctx)
		return err
	},
}

func init() {
	f := predictCmd.Flags()
	f.IntVar(&predictOpts.NumSamples, "num_samples", 8, "# samples, each contains num_point points")
	f.StringVar(&predictOpts.Checkpoint, "ckpt", "", "exported model file, overrides model_path")
	f.StringVar(&predictOpts.Split, "set", "validation", "train, validation, test or all")
	f.StringVar(&predictOpts.OutputDir, "output", filepath.Join("result", "sparse"), "output directory")
	f.IntVar(&predictOpts.MaxFiles, "max_files", 0, "process at most this many scenes, 0 for all")
	f.Uint64Var(&predictOpts.Seed, "seed", 0, "sampling seed")
	f.StringVar(&predictOpts.DBPath, "db", "", "sqlite file to record per-scene scores in")
	f.BoolVar(&predictOpts.Preview, "preview", false, "write a top-down PNG of the predicted labels per scene")
	f.Float64Var(&predictOpts.PixelSize, "preview_pixel", 0.1, "preview resolution in meters per pixel")
	f.StringVar(&predictOpts.IoUChart, "iou_chart", "", "write a bar chart of the per-class IoU to this PNG")
}

// predictor runs the predict pipeline over one split.
type predictor struct {
	params *config.HyperParams
	opts   predictOptions
	pool   *ModelSessionPool
	store  *store.EvaluationStore
	out    io.Writer

	runID   string
	mu      sync.Mutex
	cm      *metric.ConfusionMatrix
	timings models.ProcessingTimings
}

// sceneResult is the outcome of predicting one scene.
type sceneResult struct {
	Prefix    string
	Points    []mat.Vec3
	Labels    []int
	Confusion *metric.ConfusionMatrix
	Timings   models.ProcessingTimings
}

func (p *predictor) run(ctx context.Context) (*metric.ConfusionMatrix, error) {
	numBatches := p.opts.NumSamples / p.params.BatchSize
	if numBatches == 0 {
		return nil, fmt.Errorf("num_samples %d is smaller than the batch size %d", p.opts.NumSamples, p.params.BatchSize)
	}
	if p.opts.NumSamples%p.params.BatchSize != 0 {
		logger.Warn("num_samples is not a multiple of the batch size, rounding down",
			zap.Int("num_samples", p.opts.NumSamples),
			zap.Int("batch_size", p.params.BatchSize),
			zap.Int("used", numBatches*p.params.BatchSize))
	}

	if err := os.MkdirAll(p.opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	ds, err := dataset.Open(ctx, p.params, p.opts.Split, logger)
	if err != nil {
		return nil, err
	}
	if err := ds.CheckLabels(); err != nil {
		return nil, err
	}
	files := ds.ListFileData
	if p.opts.MaxFiles > 0 && p.opts.MaxFiles < len(files) {
		files = files[:p.opts.MaxFiles]
	}

	p.runID = uuid.New().String()
	logger.Info("Starting prediction",
		zap.String("run_id", p.runID),
		zap.String("split", p.opts.Split),
		zap.Int("files", len(files)),
		zap.Int("batches_per_file", numBatches))

	p.cm = metric.NewConfusionMatrix(p.params.NumClasses)
	p.timings = models.ProcessingTimings{RequestID: p.runID}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.pool.Size())
	for i, fd := range files {
		g.Go(func() error {
			// one stream per scene keeps results independent of scheduling
			rng := rand.New(rand.NewPCG(p.opts.Seed, uint64(i)))
			res, err := p.predictScene(gctx, fd, rng, numBatches)
			if err != nil {
				return fmt.Errorf("%s: %w", fd.Prefix(), err)
			}
			if err := p.export(res); err != nil {
				return fmt.Errorf("%s: %w", fd.Prefix(), err)
			}
			if p.store != nil && fd.HasLabels {
				eval := store.NewEvaluation(p.runID, p.opts.Split, res.Prefix, p.params.ModelPath,
					numBatches*p.params.BatchSize, len(res.Points), res.Confusion)
				if err := p.store.Insert(eval); err != nil {
					return fmt.Errorf("%s: record evaluation: %w", fd.Prefix(), err)
				}
			}

			p.mu.Lock()
			defer p.mu.Unlock()
			p.timings.Add(&res.Timings)
			return p.cm.Merge(res.Confusion)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.timings.Total = time.Since(start)
	logTimings(&p.timings)

	p.cm.Print(p.out, p.params.ClassNames())
	if p.opts.IoUChart != "" {
		if err := report.SaveIoUChart(p.opts.IoUChart, p.cm.PerClassIoU(), p.params.ClassNames()); err != nil {
			return nil, err
		}
		logger.Info("Exported IoU chart", zap.String("path", p.opts.IoUChart))
	}
	return p.cm, nil
}

// predictScene samples and labels numBatches batches of one scene.
func (p *predictor) predictScene(ctx context.Context, fd *dataset.FileData, rng *rand.Rand, numBatches int) (*sceneResult, error) {
	logger.Info("Processing", zap.Stringer("file", fd))
	start := time.Now()

	res := &sceneResult{
		Prefix:    fd.Prefix(),
		Confusion: metric.NewConfusionMatrix(p.params.NumClasses),
		Timings:   models.ProcessingTimings{RequestID: fd.Prefix()},
	}

	for b := 0; b < numBatches; b++ {
		sampleStart := time.Now()
		batch := fd.SampleBatch(rng, p.params.BatchSize, p.params.NumPoint)
		res.Timings.Sample += time.Since(sampleStart)

		labels, err := p.predictBatch(ctx, batch, &res.Timings)
		if err != nil {
			return nil, err
		}

		predicted := make([]int, 0, batch.Size()*p.params.NumPoint)
		for i := range labels {
			res.Points = append(res.Points, batch.PointsRaw[i]...)
			predicted = append(predicted, labels[i]...)
		}
		if err := res.Confusion.IncrementFromList(batch.FlatLabels(), predicted); err != nil {
			return nil, err
		}
		res.Labels = append(res.Labels, predicted...)
	}

	res.Timings.Total = time.Since(start)
	return res, nil
}

// predictBatch runs one batch on a pooled session. Sessions that fail are
// discarded rather than returned to the pool.
func (p *predictor) predictBatch(ctx context.Context, batch *dataset.Batch, timings *models.ProcessingTimings) ([][]int, error) {
	session, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	labels, err := segmentation.Predict(ctx, session, batch, timings)
	if err != nil {
		p.pool.Discard(session, err)
		return nil, err
	}
	p.pool.Release(session)
	return labels, nil
}

func (p *predictor) export(res *sceneResult) error {
	start := time.Now()
	base := filepath.Join(p.opts.OutputDir, res.Prefix)

	if err := pointio.WriteCloud(base+".pcd", res.Points, nil); err != nil {
		return err
	}
	logger.Info("Exported pcd", zap.String("path", base+".pcd"))

	if err := pointio.WriteLabels(base+".labels", res.Labels); err != nil {
		return err
	}
	logger.Info("Exported labels", zap.String("path", base+".labels"))

	if p.opts.Preview {
		if err := report.SaveLabelPreview(base+".png", res.Points, res.Labels, p.opts.PixelSize); err != nil {
			return err
		}
		logger.Debug("Exported preview", zap.String("path", base+".png"))
	}

	res.Timings.Export = time.Since(start)
	res.Timings.Total += res.Timings.Export
	logTimings(&res.Timings)
	logger.Info("Scene scored",
		zap.String("prefix", res.Prefix),
		zap.Float64("overall_accuracy", res.Confusion.OverallAccuracy()),
		zap.Float64("mean_iou", res.Confusion.MeanIoU()))
	return nil
}
