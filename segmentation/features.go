package segmentation

import (
	"sync"

	"github.com/seqsense/pcgol/mat"
)

type featurePacker struct {
	numPoints int
	channels  int
	buffer    []float32
}

func newFeaturePacker(shape Shape) *featurePacker {
	return &featurePacker{
		numPoints: shape.NumPoints,
		channels:  shape.Channels,
		buffer:    make([]float32, shape.InputLen()),
	}
}

// pack writes [x y z] or [x y z r g b] per point, sample after sample.
// Slots past len(points) repeat the last sample so partial batches still
// fill the tensor.
func (fp *featurePacker) pack(points, colors [][]mat.Vec3) []float32 {
	sampleSize := fp.numPoints * fp.channels
	batchSize := len(fp.buffer) / sampleSize

	var wg sync.WaitGroup
	wg.Add(batchSize)
	for b := 0; b < batchSize; b++ {
		go func(slot int) {
			defer wg.Done()
			src := min(slot, len(points)-1)
			dst := fp.buffer[slot*sampleSize : (slot+1)*sampleSize]
			for i, p := range points[src] {
				off := i * fp.channels
				dst[off] = p[0]
				dst[off+1] = p[1]
				dst[off+2] = p[2]
				if fp.channels == 6 {
					c := colors[src][i]
					dst[off+3] = c[0]
					dst[off+4] = c[1]
					dst[off+5] = c[2]
				}
			}
		}(b)
	}
	wg.Wait()

	return fp.buffer
}
