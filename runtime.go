package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/Tutortoise/pointcloud-segmentation/config"
	"github.com/Tutortoise/pointcloud-segmentation/segmentation"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

const ortLibEnv = "ORT_LIB_PATH"

// libraryName returns the ONNX Runtime shared library file name for goos.
func libraryName(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime.1.20.0.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so.1.20.0"
	}
}

// resolveLibrary picks the shared library: the flag, then $ORT_LIB_PATH, then
// lib/<platform name> next to the executable, then the bare platform name
// for the dynamic loader to find.
func resolveLibrary(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(ortLibEnv); env != "" {
		return env
	}
	name := libraryName(runtime.GOOS)
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "lib", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return name
}

// initRuntime loads ONNX Runtime. The returned func tears the environment
// down again.
func initRuntime(libPath string) (func(), error) {
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment from %s: %w", libPath, err)
	}
	logger.Debug("ONNX Runtime initialized", zap.String("library", libPath))
	return func() {
		if err := ort.DestroyEnvironment(); err != nil {
			logger.Warn("Failed to destroy ONNX environment", zap.Error(err))
		}
	}, nil
}

// modelShape is the tensor layout implied by the hyper-parameters.
func modelShape(params *config.HyperParams) segmentation.Shape {
	return segmentation.Shape{
		BatchSize:  params.BatchSize,
		NumPoints:  params.NumPoint,
		Channels:   params.Channels(),
		NumClasses: params.NumClasses,
	}
}

func sessionConfig(params *config.HyperParams) segmentation.SessionConfig {
	return segmentation.SessionConfig{
		ModelPath:      params.ModelPath,
		InputName:      params.InputName,
		OutputName:     params.OutputName,
		Shape:          modelShape(params),
		IntraOpThreads: params.IntraOpThreads,
		InterOpThreads: params.InterOpThreads,
		UseGPU:         useGPU,
		DeviceID:       deviceID,
	}
}

// sessionFactory builds ONNX Runtime sessions for the pool.
func sessionFactory(params *config.HyperParams) RunnerFactory {
	cfg := sessionConfig(params)
	return func() (segmentation.Runner, error) {
		return segmentation.NewModelSession(cfg, logger)
	}
}

// loadParams reads the hyper-parameter file and applies a model override.
func loadParams(path, modelOverride string) (*config.HyperParams, error) {
	params, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if modelOverride != "" {
		params.ModelPath = modelOverride
	}
	if params.ModelPath == "" {
		return nil, fmt.Errorf("no model given, set model_path in %s or pass --ckpt", path)
	}
	if _, err := os.Stat(params.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}
	return params, nil
}
