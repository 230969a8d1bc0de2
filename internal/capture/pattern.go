package capture

import (
	"context"
	"io"
	"time"

	"framepipe/internal/frame"
)

// PatternSource generates a moving diagonal gradient. It stands in for a
// camera in tests and with -source=pattern.
type PatternSource struct {
	shape  frame.Shape
	limit  uint64 // frames before io.EOF, 0 for unlimited
	period time.Duration
	count  uint64
	next   time.Time
}

// NewPatternSource creates a synthetic source. fps <= 0 generates frames as
// fast as they are read; limit <= 0 never ends.
func NewPatternSource(shape frame.Shape, fps int, limit int) *PatternSource {
	s := &PatternSource{shape: shape}
	if fps > 0 {
		s.period = time.Second / time.Duration(fps)
	}
	if limit > 0 {
		s.limit = uint64(limit)
	}
	return s
}

func (s *PatternSource) Shape() frame.Shape {
	return s.shape
}

func (s *PatternSource) ReadFrame(ctx context.Context, dst *frame.Frame) error {
	if err := checkShape(s.shape, dst); err != nil {
		return err
	}
	if s.limit > 0 && s.count >= s.limit {
		return io.EOF
	}

	if s.period > 0 {
		now := time.Now()
		if s.next.IsZero() {
			s.next = now
		}
		if wait := s.next.Sub(now); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		s.next = s.next.Add(s.period)
	} else if err := ctx.Err(); err != nil {
		return err
	}

	s.count++
	Pattern(dst.Pix, s.shape, s.count)
	return nil
}

func (s *PatternSource) Close() error {
	return nil
}

// Pattern fills pix with the test pattern for frame n
func Pattern(pix []byte, shape frame.Shape, n uint64) {
	shift := int(n * 4)
	i := 0
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			v := byte(x + y + shift)
			for c := 0; c < shape.Channels; c++ {
				pix[i] = v + byte(c*85)
				i++
			}
		}
	}
}

var _ Source = (*PatternSource)(nil)
