// Package segmentation runs batches of point samples through an exported
// semantic-segmentation model and turns per-class scores into labels.
package segmentation

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/Tutortoise/pointcloud-segmentation/dataset"
	"github.com/Tutortoise/pointcloud-segmentation/models"
)

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Predict labels every point of batch. The batch may hold fewer samples
// than the model's batch size but not more; all samples must have the
// model's point count. Failed runs are retried with a linear back-off.
func Predict(ctx context.Context, r Runner, batch *dataset.Batch, timings *models.ProcessingTimings) ([][]int, error) {
	shape := r.Shape()
	if err := checkBatch(shape, batch); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			labels, err := predictInternal(r, shape, batch, timings)
			if err == nil {
				return labels, nil
			}
			lastErr = err

			var perr *ProcessingError
			if errors.As(err, &perr) {
				return nil, err
			}
			if attempt < RetryAttempts {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(attempt) * RetryDelayMs * time.Millisecond):
				}
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("unknown error")
}

func checkBatch(shape Shape, batch *dataset.Batch) error {
	n := batch.Size()
	if n == 0 || n > shape.BatchSize {
		return &ProcessingError{Message: fmt.Sprintf("batch has %d samples, model takes 1 to %d", n, shape.BatchSize)}
	}
	if shape.Channels != 3 && shape.Channels != 6 {
		return &ProcessingError{Message: fmt.Sprintf("unsupported channel count %d", shape.Channels)}
	}
	for i, pts := range batch.Points {
		if len(pts) != shape.NumPoints {
			return &ProcessingError{Message: fmt.Sprintf("sample %d has %d points, model takes %d", i, len(pts), shape.NumPoints)}
		}
		if shape.Channels == 6 && (i >= len(batch.Colors) || len(batch.Colors[i]) != len(pts)) {
			return &ProcessingError{Message: fmt.Sprintf("sample %d has no colors", i)}
		}
	}
	return nil
}

func predictInternal(r Runner, shape Shape, batch *dataset.Batch, timings *models.ProcessingTimings) ([][]int, error) {
	prepStart := time.Now()
	input := newFeaturePacker(shape).pack(batch.Points, batch.Colors)
	timings.Preprocess += time.Since(prepStart)

	inferStart := time.Now()
	scores, err := r.Run(input)
	if err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	timings.Inference += time.Since(inferStart)

	postStart := time.Now()
	labels, err := Argmax(scores, shape, batch.Size())
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}
	timings.Postprocess += time.Since(postStart)

	return labels, nil
}

// Argmax reduces [batch, points, classes] scores to the best class per
// point for the first samples entries of the batch. Ties go to the lower
// class index.
func Argmax(scores []float32, shape Shape, samples int) ([][]int, error) {
	if len(scores) != shape.OutputLen() {
		return nil, &ProcessingError{
			Message: fmt.Sprintf("unexpected predictions length: got %d, want %d", len(scores), shape.OutputLen()),
		}
	}

	labels := make([][]int, samples)
	for i := range labels {
		labels[i] = make([]int, shape.NumPoints)
	}

	totalPoints := samples * shape.NumPoints
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for start := range jobs {
				end := min(start+ChunkSize, totalPoints)
				for p := start; p < end; p++ {
					row := scores[p*shape.NumClasses : (p+1)*shape.NumClasses]
					best := 0
					for c := 1; c < len(row); c++ {
						if row[c] > row[best] {
							best = c
						}
					}
					labels[p/shape.NumPoints][p%shape.NumPoints] = best
				}
			}
		}()
	}

	for i := 0; i < totalPoints; i += ChunkSize {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return labels, nil
}
