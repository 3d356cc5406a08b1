package inference

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/image-classifier/internal/errdefs"
)

func TestBuildTensorReshapes(t *testing.T) {
	rgb := []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18}

	tensor, err := BuildTensor(rgb, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 3}, tensor.Shape)
	assert.Equal(t, rgb, tensor.Data)
	assert.Equal(t, len(rgb), tensor.Len())
}

func TestBuildTensorRejectsWrongLength(t *testing.T) {
	for _, n := range []int{0, 17, 19, 24} {
		_, err := BuildTensor(make([]int32, n), 2, 3)
		require.Error(t, err, "length %d", n)
		assert.True(t, errors.Is(err, errdefs.ErrShapeMismatch), "length %d: %v", n, err)
	}

	_, err := BuildTensor(nil, 0, 3)
	assert.True(t, errors.Is(err, errdefs.ErrShapeMismatch))
}
