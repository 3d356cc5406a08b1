package imaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/image-classifier/internal/errdefs"
)

func TestNormalizeStretchesToTargetSize(t *testing.T) {
	for _, format := range []string{"jpeg", "png", "bmp", "gif"} {
		t.Run(format, func(t *testing.T) {
			data := encodeFixture(t, format, solidImage(30, 10, color.NRGBA{R: 255, A: 255}))

			out, err := DefaultNormalizer().Normalize(data, 16, 24)
			require.NoError(t, err)
			assert.Equal(t, format, out.Format)

			cfg, decodedFormat, err := image.DecodeConfig(bytes.NewReader(out.Data))
			require.NoError(t, err)
			assert.Equal(t, format, decodedFormat)
			assert.Equal(t, 16, cfg.Width)
			assert.Equal(t, 24, cfg.Height)
		})
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	_, err := DefaultNormalizer().Normalize([]byte("not an image"), 8, 8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrDecode), "got %v", err)

	_, err = DefaultNormalizer().Normalize(nil, 8, 8)
	assert.True(t, errors.Is(err, errdefs.ErrDecode), "got %v", err)
}

func TestNormalizeRejectsOversizedSource(t *testing.T) {
	data := encodeFixture(t, "png", solidImage(20, 20, color.White))

	_, err := Normalizer{MaxPixels: 399}.Normalize(data, 8, 8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrDecode), "got %v", err)
	assert.Contains(t, err.Error(), "exceeds 399 pixels")

	got, err := Normalizer{MaxPixels: 400}.Normalize(data, 8, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Width)
}

func TestNormalizeChecksHeaderBeforeDecoding(t *testing.T) {
	// A tiny PNG whose header claims 100000x100000 pixels.
	data := withPNGSize(t, encodeFixture(t, "png", solidImage(1, 1, color.White)), 100000, 100000)

	_, err := DefaultNormalizer().Normalize(data, 8, 8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrDecode), "got %v", err)
	assert.Contains(t, err.Error(), "100000x100000")
}

func TestNormalizeRejectsInvalidTarget(t *testing.T) {
	data := encodeFixture(t, "png", solidImage(2, 2, color.White))

	_, err := Normalizer{}.Normalize(data, 0, 8)
	assert.True(t, errors.Is(err, errdefs.ErrShapeMismatch), "got %v", err)
}

func TestNormalizeThenDecodeRedJPEG(t *testing.T) {
	const size = 32
	data := encodeFixture(t, "jpeg", solidImage(10, 10, color.NRGBA{R: 255, A: 255}))

	out, err := DefaultNormalizer().Normalize(data, size, size)
	require.NoError(t, err)

	buf, err := DefaultRegistry().Decode(out.Data, "image/jpeg")
	require.NoError(t, err)
	require.Len(t, buf.Pix, size*size*RGBAChannels)

	for i := 0; i < size*size; i++ {
		px := buf.Pix[4*i : 4*i+4]
		assert.InDelta(t, 255, int(px[0]), 3, "pixel %d red", i)
		assert.InDelta(t, 0, int(px[1]), 3, "pixel %d green", i)
		assert.InDelta(t, 0, int(px[2]), 3, "pixel %d blue", i)
		assert.Equal(t, uint8(255), px[3], "pixel %d alpha", i)
	}
}

// withPNGSize rewrites the IHDR dimensions of a PNG and fixes its CRC.
func withPNGSize(t *testing.T, data []byte, width, height uint32) []byte {
	t.Helper()
	require.Greater(t, len(data), 33)
	out := append([]byte(nil), data...)
	binary.BigEndian.PutUint32(out[16:20], width)
	binary.BigEndian.PutUint32(out[20:24], height)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}
