package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/example/image-classifier/internal/errdefs"
)

// Decoder turns encoded image bytes of one format into an RGBA buffer.
type Decoder interface {
	Decode(data []byte) (PixelBuffer, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(data []byte) (PixelBuffer, error)

// Decode calls f(data).
func (f DecoderFunc) Decode(data []byte) (PixelBuffer, error) {
	return f(data)
}

// Registry maps mimetypes to decoders. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// DefaultRegistry returns a registry with the JPEG, PNG and BMP decoders.
// image/jpeg handles both baseline and progressive streams.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	jpegDecoder := StdDecoder(jpeg.Decode)
	bmpDecoder := StdDecoder(bmp.Decode)

	r.Register("image/jpeg", jpegDecoder)
	r.Register("image/jpg", jpegDecoder)
	r.Register("image/pjpeg", jpegDecoder)
	r.Register("image/png", StdDecoder(png.Decode))
	r.Register("image/bmp", bmpDecoder)
	r.Register("image/x-ms-bmp", bmpDecoder)
	return r
}

// Register binds a decoder to a mimetype, replacing any previous entry.
func (r *Registry) Register(mimetype string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[canonicalMimetype(mimetype)] = d
}

// Lookup returns the decoder registered for mimetype.
func (r *Registry) Lookup(mimetype string) (Decoder, error) {
	r.mu.RLock()
	d, ok := r.decoders[canonicalMimetype(mimetype)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", errdefs.ErrUnsupportedFormat, mimetype)
	}
	return d, nil
}

// Supports reports whether a decoder is registered for mimetype.
func (r *Registry) Supports(mimetype string) bool {
	_, err := r.Lookup(mimetype)
	return err == nil
}

// Formats lists the registered mimetypes in sorted order.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	formats := make([]string, 0, len(r.decoders))
	for m := range r.decoders {
		formats = append(formats, m)
	}
	sort.Strings(formats)
	return formats
}

// Decode dispatches data to the decoder registered for mimetype.
func (r *Registry) Decode(data []byte, mimetype string) (PixelBuffer, error) {
	d, err := r.Lookup(mimetype)
	if err != nil {
		return PixelBuffer{}, err
	}
	buf, err := d.Decode(data)
	if err != nil {
		return PixelBuffer{}, err
	}
	if len(buf.Pix) != buf.Width*buf.Height*RGBAChannels {
		return PixelBuffer{}, fmt.Errorf("%w: decoder for %s returned %d samples for %dx%d",
			errdefs.ErrShapeMismatch, mimetype, len(buf.Pix), buf.Width, buf.Height)
	}
	return buf, nil
}

// StdDecoder wraps an image.Decode-style function into a Decoder.
func StdDecoder(decode func(io.Reader) (image.Image, error)) Decoder {
	return DecoderFunc(func(data []byte) (PixelBuffer, error) {
		if len(data) == 0 {
			return PixelBuffer{}, fmt.Errorf("%w: empty input", errdefs.ErrDecode)
		}
		img, err := decode(bytes.NewReader(data))
		if err != nil {
			return PixelBuffer{}, fmt.Errorf("%w: %w", errdefs.ErrDecode, err)
		}
		return ToPixelBuffer(img), nil
	})
}

// ToPixelBuffer flattens img into non-premultiplied RGBA samples.
func ToPixelBuffer(img image.Image) PixelBuffer {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) && n.Stride == w*RGBAChannels {
		pix := make([]uint8, len(n.Pix[:h*n.Stride]))
		copy(pix, n.Pix)
		return PixelBuffer{Width: w, Height: h, Pix: pix}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return PixelBuffer{Width: w, Height: h, Pix: dst.Pix}
}

func canonicalMimetype(mimetype string) string {
	m, _, _ := strings.Cut(mimetype, ";")
	return strings.ToLower(strings.TrimSpace(m))
}
