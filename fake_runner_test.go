package main

import (
	"errors"
	"sync/atomic"

	"github.com/Tutortoise/pointcloud-segmentation/segmentation"
)

// constRunner predicts the same class for every point.
type constRunner struct {
	shape     segmentation.Shape
	label     int
	fail      bool
	destroyed *atomic.Int32
}

func (r *constRunner) Run(input []float32) ([]float32, error) {
	if r.fail {
		return nil, errors.New("device lost")
	}
	out := make([]float32, r.shape.OutputLen())
	for p := 0; p < r.shape.BatchSize*r.shape.NumPoints; p++ {
		out[p*r.shape.NumClasses+r.label] = 1
	}
	return out, nil
}

func (r *constRunner) Shape() segmentation.Shape { return r.shape }

func (r *constRunner) Destroy() {
	if r.destroyed != nil {
		r.destroyed.Add(1)
	}
}

func constFactory(shape segmentation.Shape, label int, destroyed *atomic.Int32) RunnerFactory {
	return func() (segmentation.Runner, error) {
		return &constRunner{shape: shape, label: label, destroyed: destroyed}, nil
	}
}
