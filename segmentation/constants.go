package segmentation

const (
	RetryAttempts = 3
	RetryDelayMs  = 100

	// ChunkSize is the number of points one argmax job covers.
	ChunkSize = 4096
)
