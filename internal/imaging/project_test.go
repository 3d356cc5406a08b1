package imaging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/image-classifier/internal/errdefs"
)

func TestProjectRGBDropsAlpha(t *testing.T) {
	buf := PixelBuffer{
		Width:  2,
		Height: 2,
		Pix: []uint8{
			1, 2, 3, 4,
			5, 6, 7, 8,
			9, 10, 11, 0,
			255, 254, 253, 128,
		},
	}

	rgb, err := ProjectRGB(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, rgb.Width)
	assert.Equal(t, 2, rgb.Height)
	assert.Equal(t, []int32{1, 2, 3, 5, 6, 7, 9, 10, 11, 255, 254, 253}, rgb.Pix)
}

func TestProjectRGBPreservesEveryPixel(t *testing.T) {
	const w, h = 7, 5
	pix := make([]uint8, w*h*RGBAChannels)
	for i := range pix {
		pix[i] = uint8(i * 31)
	}

	rgb, err := ProjectRGB(PixelBuffer{Width: w, Height: h, Pix: pix})
	require.NoError(t, err)
	require.Len(t, rgb.Pix, w*h*RGBChannels)

	for i := 0; i < w*h; i++ {
		for c := 0; c < RGBChannels; c++ {
			if rgb.Pix[3*i+c] != int32(pix[4*i+c]) {
				t.Fatalf("pixel %d channel %d: got %d want %d", i, c, rgb.Pix[3*i+c], pix[4*i+c])
			}
		}
	}
}

func TestProjectRGBRejectsWrongLength(t *testing.T) {
	cases := map[string]PixelBuffer{
		"short":    {Width: 2, Height: 2, Pix: make([]uint8, 15)},
		"long":     {Width: 2, Height: 2, Pix: make([]uint8, 17)},
		"rgb only": {Width: 2, Height: 2, Pix: make([]uint8, 12)},
		"negative": {Width: -1, Height: 2, Pix: nil},
	}

	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ProjectRGB(buf)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errdefs.ErrShapeMismatch), "got %v", err)
		})
	}
}
