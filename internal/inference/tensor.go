package inference

import (
	"fmt"

	"github.com/example/image-classifier/internal/errdefs"
)

// Tensor is a dense int32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []int32
}

// Len returns the element count implied by Shape.
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// BuildTensor reshapes an RGB buffer into a [1, height, width, 3] batch.
// The samples are used as is.
func BuildTensor(rgb []int32, height, width int) (Tensor, error) {
	if height <= 0 || width <= 0 {
		return Tensor{}, fmt.Errorf("%w: invalid tensor size %dx%d", errdefs.ErrShapeMismatch, width, height)
	}
	if want := height * width * 3; len(rgb) != want {
		return Tensor{}, fmt.Errorf("%w: rgb buffer has %d samples, want %d (%dx%dx3)",
			errdefs.ErrShapeMismatch, len(rgb), want, height, width)
	}

	return Tensor{
		Shape: []int64{1, int64(height), int64(width), 3},
		Data:  rgb,
	}, nil
}
