// Package capture is the producer side of the pipeline: frame sources,
// display sinks, the demand gate between them and the capture loop that
// publishes into the triple buffer.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"framepipe/internal/frame"
)

var (
	// ErrShapeMismatch is returned when a source frame does not match the
	// agreed pipeline shape
	ErrShapeMismatch = errors.New("frame shape mismatch")

	// ErrSinkClosed is returned by sinks written after Close
	ErrSinkClosed = errors.New("sink closed")
)

// Source produces raw frames of a fixed shape
type Source interface {
	// Shape returns the shape every frame of this source has
	Shape() frame.Shape
	// ReadFrame fills dst.Pix with the next complete frame. It returns
	// io.EOF at end of stream.
	ReadFrame(ctx context.Context, dst *frame.Frame) error
	Close() error
}

// Sink consumes raw frames, typically for display
type Sink interface {
	// WriteFrame hands a frame to the sink. The sink must copy what it keeps:
	// f is only valid until WriteFrame returns.
	WriteFrame(ctx context.Context, f *frame.Frame) error
	// Close signals end of stream to the sink
	Close() error
}

// ReaderSource reads packed rawvideo frames back to back from a stream
type ReaderSource struct {
	r     io.Reader
	shape frame.Shape
}

// NewReaderSource creates a source reading frames of the given shape from r
func NewReaderSource(r io.Reader, shape frame.Shape) *ReaderSource {
	return &ReaderSource{r: r, shape: shape}
}

func (s *ReaderSource) Shape() frame.Shape {
	return s.shape
}

func (s *ReaderSource) ReadFrame(ctx context.Context, dst *frame.Frame) error {
	if err := checkShape(s.shape, dst); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := io.ReadFull(s.r, dst.Pix)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: truncated frame, got %d of %d bytes", ErrShapeMismatch, n, len(dst.Pix))
	default:
		return fmt.Errorf("read frame: %w", err)
	}
}

func (s *ReaderSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// checkShape enforces the fixed frame size agreed at pipeline start
func checkShape(shape frame.Shape, dst *frame.Frame) error {
	if dst.Shape != shape || len(dst.Pix) != shape.Size() {
		return fmt.Errorf("%w: source %s, slot %s (%d bytes)", ErrShapeMismatch, shape, dst.Shape, len(dst.Pix))
	}
	return nil
}

// DiscardSink drops every frame
type DiscardSink struct{}

func (DiscardSink) WriteFrame(ctx context.Context, f *frame.Frame) error { return nil }
func (DiscardSink) Close() error                                        { return nil }

// NewBytesSource is a convenience for tests and tools replaying a captured
// rawvideo dump held in memory.
func NewBytesSource(data []byte, shape frame.Shape) *ReaderSource {
	return NewReaderSource(bytes.NewReader(data), shape)
}

var (
	_ Source = (*ReaderSource)(nil)
	_ Sink   = DiscardSink{}
)
