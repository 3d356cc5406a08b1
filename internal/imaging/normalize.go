package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/nfnt/resize"
	"golang.org/x/image/bmp"

	"github.com/example/image-classifier/internal/errdefs"
)

// Normalized is an image re-encoded at the canonical model size.
type Normalized struct {
	Data   []byte
	Format string // container format of Data: jpeg, png, bmp or gif
	Width  int
	Height int
}

// DefaultMaxPixels bounds the source images a Normalizer will decode.
const DefaultMaxPixels = 40_000_000

// Normalizer stretches images to a fixed size. The zero value uses
// nearest-neighbour interpolation, JPEG quality 100 and DefaultMaxPixels.
type Normalizer struct {
	Interpolation resize.InterpolationFunction
	JPEGQuality   int
	// MaxPixels caps width*height of the source image, read from its
	// header before any pixel data is decoded.
	MaxPixels int
}

// DefaultNormalizer resamples bilinearly.
func DefaultNormalizer() Normalizer {
	return Normalizer{Interpolation: resize.Bilinear, JPEGQuality: 100, MaxPixels: DefaultMaxPixels}
}

// Normalize decodes data, stretches it to exactly width x height without
// cropping or letterboxing and re-encodes it in its source format.
func (n Normalizer) Normalize(data []byte, width, height int) (*Normalized, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid target size %dx%d", errdefs.ErrShapeMismatch, width, height)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", errdefs.ErrDecode)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrDecode, err)
	}
	maxPixels := n.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid source size %dx%d", errdefs.ErrDecode, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: source %dx%d exceeds %d pixels", errdefs.ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrDecode, err)
	}

	resized := resize.Resize(uint(width), uint(height), src, n.Interpolation)

	var out bytes.Buffer
	switch format {
	case "jpeg":
		quality := n.JPEGQuality
		if quality <= 0 {
			quality = 100
		}
		err = jpeg.Encode(&out, resized, &jpeg.Options{Quality: quality})
	case "png":
		err = png.Encode(&out, resized)
	case "bmp":
		err = bmp.Encode(&out, resized)
	case "gif":
		err = gif.Encode(&out, resized, nil)
	default:
		return nil, fmt.Errorf("%w: no encoder for %q", errdefs.ErrDecode, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: re-encode %s: %w", errdefs.ErrDecode, format, err)
	}

	return &Normalized{
		Data:   out.Bytes(),
		Format: format,
		Width:  width,
		Height: height,
	}, nil
}
