package inference

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/example/image-classifier/internal/errdefs"
)

type stubModel struct {
	probs  []float32
	shape  []int64
	closed atomic.Bool
}

func (m *stubModel) Run(ctx context.Context, input Tensor) ([]float32, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("%w: model is closed", errdefs.ErrInference)
	}
	return m.probs, nil
}

func (m *stubModel) InputShape() []int64 { return m.shape }
func (m *stubModel) OutputWidth() int    { return len(m.probs) }
func (m *stubModel) Summary() Summary    { return Summary{InputShape: m.shape} }

func (m *stubModel) Close() error {
	m.closed.Store(true)
	return nil
}
