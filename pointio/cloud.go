// Package pointio reads and writes the point cloud (.pcd) and per-point label
// (.labels) files exchanged between down-sampling, inference and evaluation.
package pointio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"
)

var (
	ErrNoLabels       = errors.New("labels file not found")
	ErrLengthMismatch = errors.New("points and colors length mismatch")
)

// Cloud is a decoded point cloud. Colors are in [0, 1] and have the same
// length as Points; clouds without an rgb field get black points.
type Cloud struct {
	Points []mat.Vec3
	Colors []mat.Vec3
}

// Len returns the number of points.
func (c *Cloud) Len() int {
	return len(c.Points)
}

// ReadCloud decodes a PCD file. x, y and z are required, rgb is optional.
func ReadCloud(path string) (*Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := DecodeCloud(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// DecodeCloud decodes a PCD stream.
func DecodeCloud(r io.Reader) (*Cloud, error) {
	pp, err := pc.Unmarshal(r)
	if err != nil {
		return nil, fmt.Errorf("decode pcd: %w", err)
	}
	if pp.Points == 0 {
		// pcgol iterators index into Data
		return &Cloud{}, nil
	}

	it, err := pp.Vec3Iterator()
	if err != nil {
		return nil, err
	}

	c := &Cloud{
		Points: make([]mat.Vec3, 0, pp.Points),
		Colors: make([]mat.Vec3, pp.Points),
	}
	for ; it.IsValid(); it.Incr() {
		c.Points = append(c.Points, it.Vec3())
	}

	if !hasField(pp, "rgb") {
		return c, nil
	}
	rgb, err := pp.Float32Iterator("rgb")
	if err != nil {
		return nil, err
	}
	for i := 0; rgb.IsValid() && i < len(c.Colors); i++ {
		c.Colors[i] = UnpackRGB(rgb.Float32())
		rgb.Incr()
	}
	return c, nil
}

// WriteCloud encodes points as a binary PCD file. Colors may be nil, in
// which case only x, y and z are written.
func WriteCloud(path string, points, colors []mat.Vec3) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeCloud(f, points, colors); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

// EncodeCloud writes points, and colors when not nil, as binary PCD.
func EncodeCloud(w io.Writer, points, colors []mat.Vec3) error {
	if colors != nil && len(colors) != len(points) {
		return ErrLengthMismatch
	}

	fields := []string{"x", "y", "z"}
	if colors != nil {
		fields = append(fields, "rgb")
	}
	n := len(points)
	pp := &pc.PointCloud{
		PointCloudHeader: pc.PointCloudHeader{
			Version:   0.7,
			Fields:    fields,
			Size:      repeat(4, len(fields)),
			Type:      repeatString("F", len(fields)),
			Count:     repeat(1, len(fields)),
			Width:     n,
			Height:    1,
			Viewpoint: []float32{0, 0, 0, 1, 0, 0, 0},
		},
		Points: n,
		Data:   make([]byte, n*4*len(fields)),
	}

	if n > 0 {
		it, err := pp.Vec3Iterator()
		if err != nil {
			return err
		}
		for _, p := range points {
			it.SetVec3(p)
			it.Incr()
		}
		if colors != nil {
			rgb, err := pp.Float32Iterator("rgb")
			if err != nil {
				return err
			}
			for _, c := range colors {
				rgb.SetFloat32(PackRGB(c))
				rgb.Incr()
			}
		}
	}

	if err := pc.Marshal(pp, w); err != nil {
		return fmt.Errorf("encode pcd: %w", err)
	}
	return nil
}

// PackRGB packs a [0, 1] color into the float32 bit pattern used by PCL and
// Open3D for the rgb field.
func PackRGB(c mat.Vec3) float32 {
	r := uint32(toByte(c[0]))
	g := uint32(toByte(c[1]))
	b := uint32(toByte(c[2]))
	return math.Float32frombits(r<<16 | g<<8 | b)
}

// UnpackRGB is the inverse of PackRGB.
func UnpackRGB(v float32) mat.Vec3 {
	bits := math.Float32bits(v)
	return mat.Vec3{
		float32((bits>>16)&0xff) / 255,
		float32((bits>>8)&0xff) / 255,
		float32(bits&0xff) / 255,
	}
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(math.Round(float64(v) * 255))
}

func hasField(pp *pc.PointCloud, name string) bool {
	for _, f := range pp.Fields {
		if f == name {
			return true
		}
	}
	return false
}

func repeat(v, n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func repeatString(v string, n int) []string {
	s := make([]string, n)
	for i := range s {
		s[i] = v
	}
	return s
}
