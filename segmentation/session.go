package segmentation

import (
	"fmt"
	"runtime"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

// Shape describes the fixed tensor layout of an exported model: input
// [BatchSize, NumPoints, Channels], output [BatchSize, NumPoints, NumClasses].
type Shape struct {
	BatchSize  int
	NumPoints  int
	Channels   int
	NumClasses int
}

func (s Shape) InputLen() int {
	return s.BatchSize * s.NumPoints * s.Channels
}

func (s Shape) OutputLen() int {
	return s.BatchSize * s.NumPoints * s.NumClasses
}

func (s Shape) String() string {
	return fmt.Sprintf("in[%d %d %d] out[%d %d %d]",
		s.BatchSize, s.NumPoints, s.Channels, s.BatchSize, s.NumPoints, s.NumClasses)
}

// Runner executes one forward pass. The returned slice is only valid until
// the next call to Run.
type Runner interface {
	Run(input []float32) ([]float32, error)
	Shape() Shape
	Destroy()
}

// ModelSession is a Runner backed by an ONNX Runtime session with
// preallocated input and output tensors.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
	shape   Shape
}

// SessionConfig controls how sessions are placed and threaded.
type SessionConfig struct {
	ModelPath  string
	InputName  string
	OutputName string
	Shape      Shape

	IntraOpThreads int
	InterOpThreads int
	// UseGPU requests the CUDA provider; sessions fall back to the CPU when
	// it is unavailable.
	UseGPU   bool
	DeviceID int
}

// LogCPUFeatures reports the SIMD extensions ONNX Runtime kernels can use on
// this host.
func LogCPUFeatures(logger *zap.Logger) {
	logger.Info("CPU features",
		zap.String("arch", runtime.GOARCH),
		zap.Int("cpus", runtime.NumCPU()),
		zap.Bool("avx2", cpu.X86.HasAVX2),
		zap.Bool("avx512f", cpu.X86.HasAVX512F),
		zap.Bool("fma", cpu.X86.HasFMA),
		zap.Bool("asimd", cpu.ARM64.HasASIMD))
}

// NewModelSession loads the model and allocates its tensors. The ONNX
// Runtime environment must already be initialized.
func NewModelSession(cfg SessionConfig, logger *zap.Logger) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	intra, inter := cfg.IntraOpThreads, cfg.InterOpThreads
	if intra <= 0 {
		intra = runtime.NumCPU()
	}
	if inter <= 0 {
		inter = runtime.NumCPU()
	}
	options.SetIntraOpNumThreads(intra)
	options.SetInterOpNumThreads(inter)

	if cfg.UseGPU {
		if err := appendCUDA(options, cfg.DeviceID); err != nil {
			logger.Warn("CUDA unavailable, running on CPU", zap.Error(err))
		} else {
			logger.Debug("CUDA provider enabled", zap.Int("device", cfg.DeviceID))
		}
	}

	s := cfg.Shape
	inputShape := ort.NewShape(int64(s.BatchSize), int64(s.NumPoints), int64(s.Channels))
	outputShape := ort.NewShape(int64(s.BatchSize), int64(s.NumPoints), int64(s.NumClasses))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	logger.Info("Model restored",
		zap.String("model", cfg.ModelPath),
		zap.Stringer("shape", s))

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
		shape:   s,
	}, nil
}

func appendCUDA(options *ort.SessionOptions, deviceID int) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()

	err = cudaOptions.Update(map[string]string{
		"device_id": strconv.Itoa(deviceID),
	})
	if err != nil {
		return err
	}
	return options.AppendExecutionProviderCUDA(cudaOptions)
}

func (m *ModelSession) Run(input []float32) ([]float32, error) {
	data := m.Input.GetData()
	if len(input) != len(data) {
		return nil, &ProcessingError{
			Message: fmt.Sprintf("input has %d values, tensor holds %d", len(input), len(data)),
		}
	}
	copy(data, input)

	if err := m.Session.Run(); err != nil {
		return nil, err
	}
	return m.Output.GetData(), nil
}

func (m *ModelSession) Shape() Shape {
	return m.shape
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}
