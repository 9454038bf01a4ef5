package models

import "time"

// ProcessingTimings breaks down the wall time spent on one scene or request.
type ProcessingTimings struct {
	RequestID   string
	Sample      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Export      time.Duration
	Total       time.Duration
}

// Add accumulates the stages of o into t. Total is left alone since
// stages of concurrent scenes overlap in wall time.
func (t *ProcessingTimings) Add(o *ProcessingTimings) {
	t.Sample += o.Sample
	t.Preprocess += o.Preprocess
	t.Inference += o.Inference
	t.Postprocess += o.Postprocess
	t.Export += o.Export
}
