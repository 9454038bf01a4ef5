package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the hyper-parameter file read when --config is not given.
const DefaultPath = "semantic.json"

const (
	DefaultNumPoint   = 8192
	DefaultBoxSize    = 10.0
	DefaultNumClasses = 9
	DefaultBatchSize  = 4
	DefaultPoolSize   = 1
	DefaultInputName  = "points"
	DefaultOutputName = "logits"

	maxFileSize = 1 * 1024 * 1024
)

// HyperParams mirrors the hyper-parameter file the model was trained with,
// plus the inference-only settings needed to drive an exported model.
type HyperParams struct {
	DataPath   string   `json:"data_path" yaml:"data_path"`
	NumPoint   int      `json:"num_point" yaml:"num_point"`
	BoxSize    float64  `json:"box_size" yaml:"box_size"`
	UseColor   *bool    `json:"use_color,omitempty" yaml:"use_color,omitempty"`
	NumClasses int      `json:"num_classes" yaml:"num_classes"`
	LabelNames []string `json:"label_names,omitempty" yaml:"label_names,omitempty"`

	ModelPath  string `json:"model_path" yaml:"model_path"`
	InputName  string `json:"input_name" yaml:"input_name"`
	OutputName string `json:"output_name" yaml:"output_name"`
	BatchSize  int    `json:"batch_size" yaml:"batch_size"`
	PoolSize   int    `json:"pool_size" yaml:"pool_size"`
	// Zero uses one thread per CPU.
	IntraOpThreads int `json:"intra_op_threads,omitempty" yaml:"intra_op_threads,omitempty"`
	InterOpThreads int `json:"inter_op_threads,omitempty" yaml:"inter_op_threads,omitempty"`
}

// Default returns the parameters used by the published Semantic3D model.
func Default() *HyperParams {
	useColor := true
	return &HyperParams{
		DataPath:   "data/semantic_downsampled",
		NumPoint:   DefaultNumPoint,
		BoxSize:    DefaultBoxSize,
		UseColor:   &useColor,
		NumClasses: DefaultNumClasses,
		InputName:  DefaultInputName,
		OutputName: DefaultOutputName,
		BatchSize:  DefaultBatchSize,
		PoolSize:   DefaultPoolSize,
	}
}

// Load reads a JSON or YAML hyper-parameter file. Fields omitted from the
// file keep the values from Default.
func Load(path string) (*HyperParams, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	p := Default()
	if ext == ".json" {
		err = json.Unmarshal(data, p)
	} else {
		err = yaml.Unmarshal(data, p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", cleanPath, err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return p, nil
}

// Validate checks that the parameters describe a usable model input.
func (p *HyperParams) Validate() error {
	if p.NumPoint <= 0 {
		return fmt.Errorf("num_point must be positive, got %d", p.NumPoint)
	}
	if p.BoxSize <= 0 {
		return fmt.Errorf("box_size must be positive, got %g", p.BoxSize)
	}
	if p.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be positive, got %d", p.NumClasses)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", p.BatchSize)
	}
	if p.PoolSize < 0 {
		return fmt.Errorf("pool_size must not be negative, got %d", p.PoolSize)
	}
	if p.IntraOpThreads < 0 || p.InterOpThreads < 0 {
		return fmt.Errorf("thread counts must not be negative, got intra %d inter %d", p.IntraOpThreads, p.InterOpThreads)
	}
	if len(p.LabelNames) > 0 && len(p.LabelNames) != p.NumClasses {
		return fmt.Errorf("label_names has %d entries, want %d", len(p.LabelNames), p.NumClasses)
	}
	if p.InputName == "" || p.OutputName == "" {
		return fmt.Errorf("input_name and output_name must be set")
	}
	return nil
}

// ColorEnabled reports whether colors are fed to the model. Unset means true.
func (p *HyperParams) ColorEnabled() bool {
	return p.UseColor == nil || *p.UseColor
}

// Channels is the size of the per-point feature vector.
func (p *HyperParams) Channels() int {
	if p.ColorEnabled() {
		return 6
	}
	return 3
}

// ClassNames returns LabelNames, or the class indices when no names are set.
func (p *HyperParams) ClassNames() []string {
	if len(p.LabelNames) == p.NumClasses {
		return p.LabelNames
	}
	names := make([]string, p.NumClasses)
	for i := range names {
		names[i] = fmt.Sprintf("%d", i)
	}
	return names
}
