package main

import (
	"fmt"
	"os"

	"github.com/Tutortoise/pointcloud-segmentation/config"
	"github.com/Tutortoise/pointcloud-segmentation/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	ortLib     string
	useGPU     bool
	deviceID   int

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "pointseg",
	Short: "Semantic segmentation of large point clouds with an exported model",
	Long: `pointseg samples dense point clouds into fixed-size boxes, labels them
with a pretrained segmentation network through ONNX Runtime and scores the
result against ground truth.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = newLogger(verbose || os.Getenv("DEBUG") == "true")
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "hyper-parameter file (.json or .yaml)")
	rootCmd.PersistentFlags().StringVar(&ortLib, "ort_lib", "", "ONNX Runtime shared library (default $"+ortLibEnv+" or the platform library name)")
	rootCmd.PersistentFlags().BoolVar(&useGPU, "gpu", false, "run the model with the CUDA provider when available")
	rootCmd.PersistentFlags().IntVar(&deviceID, "device", 0, "CUDA device id")

	rootCmd.AddCommand(predictCmd, downsampleCmd, serveCmd)
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func logTimings(t *models.ProcessingTimings) {
	logger.Debug("Processing times",
		zap.String("request_id", t.RequestID),
		zap.Duration("sample", t.Sample),
		zap.Duration("preprocess", t.Preprocess),
		zap.Duration("inference", t.Inference),
		zap.Duration("postprocess", t.Postprocess),
		zap.Duration("export", t.Export),
		zap.Duration("total", t.Total))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
