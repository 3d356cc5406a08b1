package imaging

// Channel counts of the two pixel layouts the pipeline works with.
const (
	RGBAChannels = 4
	RGBChannels  = 3
)

// PixelBuffer is a flat, row-major, non-premultiplied RGBA sample buffer.
// len(Pix) is always Width*Height*4.
type PixelBuffer struct {
	Width  int
	Height int
	Pix    []uint8
}

// ChannelBuffer is a flat, row-major RGB sample buffer derived from a
// PixelBuffer by dropping alpha. len(Pix) is Width*Height*3.
type ChannelBuffer struct {
	Width  int
	Height int
	Pix    []int32
}
