package capture

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"framepipe/internal/frame"
)

// DefaultSinkDepth is the number of frames a WriterSink queues before it
// reports enough data
const DefaultSinkDepth = 4

// WriterSink queues frames and writes them to w from its own goroutine.
// It raises EnoughData on the demand gate when the queue is full and
// NeedData once the writer has drained it to half.
type WriterSink struct {
	w      io.WriteCloser
	demand *Demand
	logger *zap.SugaredLogger

	// depth+1 buffers circulate between free, queue and the writer, and
	// queue has room for all of them, so a send on queue never blocks
	depth int
	queue chan []byte
	free  chan []byte
	done  chan struct{}

	mu     sync.Mutex // guards closed, err, sends on queue and demand updates
	closed bool
	err    error
}

// NewWriterSink starts a sink writing frames of the given shape to w.
// demand may be nil.
func NewWriterSink(w io.WriteCloser, shape frame.Shape, depth int, demand *Demand, logger *zap.SugaredLogger) *WriterSink {
	if depth <= 0 {
		depth = DefaultSinkDepth
	}

	s := &WriterSink{
		w:      w,
		demand: demand,
		logger: logger,
		depth:  depth,
		queue:  make(chan []byte, depth+1),
		free:   make(chan []byte, depth+1),
		done:   make(chan struct{}),
	}
	for i := 0; i <= depth; i++ {
		s.free <- make([]byte, shape.Size())
	}

	go s.run()
	return s
}

func (s *WriterSink) WriteFrame(ctx context.Context, f *frame.Frame) error {
	if err := s.state(); err != nil {
		return err
	}

	var buf []byte
	select {
	case buf = <-s.free:
	case <-ctx.Done():
		return ctx.Err()
	}
	if len(buf) != len(f.Pix) {
		s.free <- buf
		return fmt.Errorf("%w: sink expects %d bytes, frame has %d", ErrShapeMismatch, len(buf), len(f.Pix))
	}
	copy(buf, f.Pix)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.free <- buf
		return ErrSinkClosed
	}
	s.queue <- buf
	if s.demand != nil && len(s.queue) >= s.depth {
		s.demand.EnoughData()
	}
	s.mu.Unlock()
	return nil
}

// Close drains queued frames, then closes the underlying writer
func (s *WriterSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done

	if s.demand != nil {
		s.demand.NeedData()
	}

	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	return multierr.Combine(err, s.w.Close())
}

func (s *WriterSink) run() {
	defer close(s.done)

	failed := false
	for buf := range s.queue {
		if !failed {
			if _, err := s.w.Write(buf); err != nil {
				failed = true
				s.mu.Lock()
				s.err = fmt.Errorf("write frame to sink: %w", err)
				s.mu.Unlock()
				s.logger.Warnw("Sink write failed, dropping further frames", "error", err)
			}
		}
		s.free <- buf

		// Same lock as the full check in WriteFrame, so a late EnoughData
		// cannot overwrite this NeedData
		s.mu.Lock()
		if s.demand != nil && (failed || len(s.queue) <= s.depth/2) {
			s.demand.NeedData()
		}
		s.mu.Unlock()
	}
}

// state returns the error a new write would fail with
func (s *WriterSink) state() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	return s.err
}

var _ Sink = (*WriterSink)(nil)
