package imaging

import (
	"fmt"

	"github.com/example/image-classifier/internal/errdefs"
)

// ProjectRGB drops the alpha sample of every pixel, keeping R, G and B in
// order. Alpha is discarded, never blended.
func ProjectRGB(buf PixelBuffer) (ChannelBuffer, error) {
	if buf.Width < 0 || buf.Height < 0 {
		return ChannelBuffer{}, fmt.Errorf("%w: negative dimensions %dx%d", errdefs.ErrShapeMismatch, buf.Width, buf.Height)
	}
	numPixels := buf.Width * buf.Height
	if len(buf.Pix) != numPixels*RGBAChannels {
		return ChannelBuffer{}, fmt.Errorf("%w: rgba buffer has %d samples, want %d (%dx%dx%d)",
			errdefs.ErrShapeMismatch, len(buf.Pix), numPixels*RGBAChannels, buf.Width, buf.Height, RGBAChannels)
	}

	rgb := make([]int32, numPixels*RGBChannels)
	for i := 0; i < numPixels; i++ {
		for c := 0; c < RGBChannels; c++ {
			rgb[i*RGBChannels+c] = int32(buf.Pix[i*RGBAChannels+c])
		}
	}

	return ChannelBuffer{Width: buf.Width, Height: buf.Height, Pix: rgb}, nil
}
