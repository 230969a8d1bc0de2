package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"framepipe/internal/frame"
	"framepipe/internal/framebuffer"
)

var testShape = frame.Shape{Width: 8, Height: 4, Channels: 3}

func nopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestReaderSource(t *testing.T) {
	size := testShape.Size()
	data := make([]byte, 2*size+5) // two frames and a truncated third
	for i := range data {
		data[i] = byte(i)
	}

	src := NewBytesSource(data, testShape)
	dst := frame.New(testShape)
	ctx := context.Background()

	require.NoError(t, src.ReadFrame(ctx, dst))
	assert.Equal(t, data[:size], dst.Pix)

	require.NoError(t, src.ReadFrame(ctx, dst))
	assert.Equal(t, data[size:2*size], dst.Pix)

	err := src.ReadFrame(ctx, dst)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	err = src.ReadFrame(ctx, dst)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSourceCleanEOF(t *testing.T) {
	src := NewBytesSource(make([]byte, testShape.Size()), testShape)
	dst := frame.New(testShape)

	require.NoError(t, src.ReadFrame(context.Background(), dst))
	assert.Equal(t, io.EOF, src.ReadFrame(context.Background(), dst))
}

func TestSourceRejectsWrongSlot(t *testing.T) {
	src := NewPatternSource(testShape, 0, 0)
	wrong := frame.New(frame.Shape{Width: 4, Height: 4, Channels: 3})

	err := src.ReadFrame(context.Background(), wrong)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	short := frame.New(testShape)
	short.Pix = short.Pix[:10]
	err = NewBytesSource(nil, testShape).ReadFrame(context.Background(), short)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestPatternSource(t *testing.T) {
	src := NewPatternSource(testShape, 0, 3)
	dst := frame.New(testShape)
	ctx := context.Background()

	var frames [][]byte
	for {
		err := src.ReadFrame(ctx, dst)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		frames = append(frames, append([]byte(nil), dst.Pix...))
	}

	require.Len(t, frames, 3)
	assert.NotEqual(t, frames[0], frames[1])

	expected := make([]byte, testShape.Size())
	Pattern(expected, testShape, 2)
	assert.Equal(t, expected, frames[1])
}

func TestPatternSourceHonorsContext(t *testing.T) {
	src := NewPatternSource(testShape, 1, 0)
	dst := frame.New(testShape)

	// First frame is immediate, second would wait a full second
	require.NoError(t, src.ReadFrame(context.Background(), dst))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := src.ReadFrame(ctx, dst)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDemandWait(t *testing.T) {
	var d Demand
	ctx := context.Background()

	assert.False(t, d.Saturated())
	require.NoError(t, d.Wait(ctx))

	d.EnoughData()
	assert.True(t, d.Saturated())

	released := make(chan error, 1)
	go func() { released <- d.Wait(ctx) }()

	select {
	case <-released:
		t.Fatal("Wait returned while saturated")
	case <-time.After(30 * time.Millisecond):
	}

	d.NeedData()
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after NeedData")
	}
	assert.Greater(t, d.Waits(), uint64(0))
}

func TestDemandWaitCancelled(t *testing.T) {
	var d Demand
	d.EnoughData()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	var nilDemand *Demand
	assert.NoError(t, nilDemand.Wait(context.Background()))
}

// blockingWriter records writes, holding each one until release is closed
type blockingWriter struct {
	release chan struct{}
	err     error

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{release: make(chan struct{})}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	if w.err != nil {
		return 0, w.err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (w *blockingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func patternFrame(n uint64) *frame.Frame {
	f := frame.New(testShape)
	Pattern(f.Pix, testShape, n)
	f.Seq = n
	return f
}

func TestWriterSinkRaisesDemand(t *testing.T) {
	w := newBlockingWriter()
	var demand Demand
	sink := NewWriterSink(w, testShape, 2, &demand, nopLogger())
	ctx := context.Background()

	for n := uint64(1); n <= 3; n++ {
		require.NoError(t, sink.WriteFrame(ctx, patternFrame(n)))
	}
	assert.True(t, demand.Saturated())

	close(w.release)
	require.Eventually(t, func() bool { return !demand.Saturated() }, time.Second, time.Millisecond)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
	require.Len(t, w.writes, 3)
	for i, got := range w.writes {
		assert.Equal(t, patternFrame(uint64(i+1)).Pix, got)
	}

	assert.ErrorIs(t, sink.WriteFrame(ctx, patternFrame(4)), ErrSinkClosed)
	assert.NoError(t, sink.Close())
}

func TestWriterSinkWriteError(t *testing.T) {
	w := newBlockingWriter()
	w.err = errors.New("broken pipe")
	close(w.release)
	var demand Demand
	sink := NewWriterSink(w, testShape, 2, &demand, nopLogger())
	ctx := context.Background()

	require.NoError(t, sink.WriteFrame(ctx, patternFrame(1)))
	require.Eventually(t, func() bool {
		return sink.WriteFrame(ctx, patternFrame(2)) != nil
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return !demand.Saturated() }, time.Second, time.Millisecond)
	err := sink.Close()
	assert.ErrorContains(t, err, "broken pipe")
}

func TestWriterSinkShapeMismatch(t *testing.T) {
	sink := NewWriterSink(newBlockingWriter(), testShape, 1, nil, nopLogger())
	other := frame.New(frame.Shape{Width: 2, Height: 2, Channels: 3})

	assert.ErrorIs(t, sink.WriteFrame(context.Background(), other), ErrShapeMismatch)
}

func newFrameBuffer(shape frame.Shape) *framebuffer.TripleBuffer[frame.Frame] {
	return framebuffer.New(func() frame.Frame { return *frame.New(shape) })
}

// recordingSink keeps the sequence numbers it sees
type recordingSink struct {
	mu     sync.Mutex
	seqs   []uint64
	valid  bool
	closed bool
	err    error
}

func (s *recordingSink) WriteFrame(ctx context.Context, f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs = append(s.seqs, f.Seq)
	s.valid = f.Verify()
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestProducerRunsToEndOfStream(t *testing.T) {
	buf := newFrameBuffer(testShape)
	sink := &recordingSink{}
	p := NewProducer(NewPatternSource(testShape, 0, 5), sink, nil, buf, true, nopLogger())

	require.NoError(t, p.Run(context.Background()))

	assert.True(t, sink.closed)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, sink.seqs)
	assert.True(t, sink.valid)

	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.FramesCaptured)
	assert.Zero(t, stats.SinkErrors)
	assert.Equal(t, uint64(5), buf.Stats().Published)

	buf.Read(func(f *frame.Frame, fresh bool) {
		assert.True(t, fresh)
		assert.Equal(t, uint64(5), f.Seq)
		assert.True(t, f.Verify())
		assert.False(t, f.Timestamp.IsZero())
	})
}

func TestProducerSkipsChecksumUnlessSealing(t *testing.T) {
	buf := newFrameBuffer(testShape)
	p := NewProducer(NewPatternSource(testShape, 0, 2), nil, nil, buf, false, nopLogger())

	require.NoError(t, p.Run(context.Background()))
	buf.Read(func(f *frame.Frame, fresh bool) {
		assert.Equal(t, uint64(2), f.Seq)
		assert.Zero(t, f.Checksum)
	})
}

func TestProducerCountsSinkErrors(t *testing.T) {
	buf := newFrameBuffer(testShape)
	sink := &recordingSink{err: errors.New("display gone")}
	p := NewProducer(NewPatternSource(testShape, 0, 3), sink, nil, buf, false, nopLogger())

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, uint64(3), p.Stats().SinkErrors)
	assert.Equal(t, uint64(3), buf.Stats().Published)
}

func TestProducerShapeMismatch(t *testing.T) {
	buf := newFrameBuffer(frame.Shape{Width: 4, Height: 4, Channels: 3})
	p := NewProducer(NewPatternSource(testShape, 0, 3), nil, nil, buf, false, nopLogger())

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Zero(t, buf.Stats().Published)
}

func TestProducerWaitsOnDemand(t *testing.T) {
	buf := newFrameBuffer(testShape)
	var demand Demand
	demand.EnoughData()
	p := NewProducer(NewPatternSource(testShape, 0, 0), nil, &demand, buf, false, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, buf.Stats().Published)

	demand.NeedData()
	require.Eventually(t, func() bool { return buf.Stats().Published > 0 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("producer did not stop")
	}
	assert.Greater(t, p.Stats().DemandWaits, uint64(0))
}

func TestSourceArgs(t *testing.T) {
	shape := frame.Shape{Width: 640, Height: 480, Channels: 3}

	tests := []struct {
		name   string
		device string
		want   []string
	}{
		{"rtsp", "rtsp://cam/stream", []string{"-rtsp_transport", "tcp", "-i", "rtsp://cam/stream"}},
		{"http", "http://cam/video", []string{"-i", "http://cam/video"}},
		{"v4l2", "/dev/video0", []string{"-f", "v4l2", "-video_size", "640x480", "-framerate", "15", "-i", "/dev/video0"}},
		{"file", "clip.mp4", []string{"-re", "-i", "clip.mp4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := sourceArgs(tt.device, shape, 15)
			assert.Subset(t, args, tt.want)
			assert.Equal(t, "-", args[len(args)-1])
			assert.Contains(t, args, "rawvideo")
			assert.Contains(t, args, "rgb24")
			assert.Contains(t, args, "scale=640:480")
		})
	}
}

func TestSinkArgs(t *testing.T) {
	args := sinkArgs("-f mpegts udp://127.0.0.1:1234", testShape, 30)
	assert.Equal(t, []string{"-f", "mpegts", "udp://127.0.0.1:1234"}, args[len(args)-3:])
	assert.Contains(t, args, "8x4")
}
