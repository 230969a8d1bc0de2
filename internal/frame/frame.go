package frame

import (
	"fmt"
	"hash/crc32"
	"time"
)

// Shape is the fixed raster geometry agreed at pipeline start
type Shape struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	Channels int `json:"channels"`
}

// DefaultShape is 1080p packed RGB
var DefaultShape = Shape{Width: 1920, Height: 1080, Channels: 3}

// Size returns the number of bytes in one frame of this shape
func (s Shape) Size() int {
	return s.Width * s.Height * s.Channels
}

// Validate reports a non-positive dimension
func (s Shape) Validate() error {
	if s.Width <= 0 || s.Height <= 0 || s.Channels <= 0 {
		return fmt.Errorf("invalid frame shape %s", s)
	}
	return nil
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Channels)
}

// Frame is one captured raster. Pix is allocated once with the shape's size
// and filled in place for every new capture.
type Frame struct {
	Shape     Shape
	Pix       []byte    // Packed pixels, row-major, Shape.Channels bytes per pixel
	Seq       uint64    // Capture sequence number, starts at 1
	Timestamp time.Time // Capture time
	Checksum  uint32    // CRC-32 of Pix, written by Seal
}

// New allocates a zeroed frame of the given shape
func New(shape Shape) *Frame {
	return &Frame{
		Shape: shape,
		Pix:   make([]byte, shape.Size()),
	}
}

// Seal records the checksum of the current pixels. The producer calls it
// after writing a complete frame and before publishing.
func (f *Frame) Seal() {
	f.Checksum = crc32.ChecksumIEEE(f.Pix)
}

// Verify reports whether Pix still matches the sealed checksum
func (f *Frame) Verify() bool {
	return crc32.ChecksumIEEE(f.Pix) == f.Checksum
}

// CopyTo copies the frame into dst, which must have the same shape
func (f *Frame) CopyTo(dst *Frame) error {
	if dst.Shape != f.Shape {
		return fmt.Errorf("copy frame %s into %s", f.Shape, dst.Shape)
	}
	copy(dst.Pix, f.Pix)
	dst.Seq = f.Seq
	dst.Timestamp = f.Timestamp
	dst.Checksum = f.Checksum
	return nil
}
