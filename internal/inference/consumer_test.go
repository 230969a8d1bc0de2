package inference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"framepipe/internal/detection"
	"framepipe/internal/frame"
	"framepipe/internal/framebuffer"
)

var consumerShape = frame.Shape{Width: 4, Height: 4, Channels: 3}

func newBuffer() *framebuffer.TripleBuffer[frame.Frame] {
	return framebuffer.New(func() frame.Frame { return *frame.New(consumerShape) })
}

func publish(buf *framebuffer.TripleBuffer[frame.Frame], seq uint64) {
	buf.Write(func(f *frame.Frame) {
		for i := range f.Pix {
			f.Pix[i] = byte(seq)
		}
		f.Seq = seq
		f.Timestamp = time.Now()
		f.Seal()
	})
}

// collector gathers emitted outputs
type collector struct {
	mu   sync.Mutex
	outs []*Output
}

func (c *collector) emit(o *Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outs = append(c.outs, o)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outs)
}

func (c *collector) get(i int) *Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outs[i]
}

func fixedEngine(dets []detection.BoundingBox) EngineFunc {
	return func(ctx context.Context, f *frame.Frame) ([]detection.BoundingBox, error) {
		return append([]detection.BoundingBox(nil), dets...), nil
	}
}

func runConsumer(t *testing.T, c *Consumer) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func TestConsumerFiltersFreshFrames(t *testing.T) {
	raw := []detection.BoundingBox{
		{Label: 0, Box: [4]float32{10, 10, 50, 50}, Score: 0.9},
		{Label: 0, Box: [4]float32{12, 12, 52, 52}, Score: 0.8},
		{Label: 1, Box: [4]float32{10, 10, 50, 50}, Score: 0.7},
		{Label: 1, Box: [4]float32{100, 100, 120, 120}, Score: 0.1},
	}
	buf := newBuffer()
	out := &collector{}
	opts := DefaultConsumerOptions()
	opts.Filter = detection.Options{IoUThreshold: 0.5, ConfThreshold: 0.3}
	c := NewConsumer(buf, fixedEngine(raw), out.emit, opts, zap.NewNop().Sugar())

	stop := runConsumer(t, c)
	publish(buf, 1)
	require.Eventually(t, func() bool { return out.len() == 1 }, time.Second, time.Millisecond)

	// Nothing new: the consumer idles instead of rerunning
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, out.len())

	publish(buf, 2)
	require.Eventually(t, func() bool { return out.len() == 2 }, time.Second, time.Millisecond)
	stop()

	first := out.get(0)
	assert.Equal(t, uint64(1), first.FrameSeq)
	assert.Equal(t, consumerShape, first.Shape)
	assert.False(t, first.Stale)
	assert.Equal(t, 4, first.RawCount)
	assert.Equal(t, []detection.BoundingBox{raw[0], raw[2]}, first.Detections)
	assert.Equal(t, uint64(2), out.get(1).FrameSeq)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.FramesInferred)
	assert.Equal(t, uint64(4), stats.Detections)
	assert.Zero(t, stats.StaleRuns)
}

func TestConsumerWaitsForFirstFrame(t *testing.T) {
	buf := newBuffer()
	out := &collector{}
	opts := DefaultConsumerOptions()
	opts.RerunStale = true
	c := NewConsumer(buf, fixedEngine(nil), out.emit, opts, zap.NewNop().Sugar())

	stop := runConsumer(t, c)
	time.Sleep(20 * time.Millisecond)
	stop()

	assert.Zero(t, out.len())
	assert.Zero(t, c.Stats().FramesInferred)
}

func TestConsumerRerunStale(t *testing.T) {
	buf := newBuffer()
	out := &collector{}
	opts := DefaultConsumerOptions()
	opts.RerunStale = true
	c := NewConsumer(buf, fixedEngine(nil), out.emit, opts, zap.NewNop().Sugar())

	publish(buf, 1)
	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return out.len() >= 3 }, time.Second, time.Millisecond)
	stop()

	assert.False(t, out.get(0).Stale)
	assert.True(t, out.get(1).Stale)
	assert.Equal(t, uint64(1), out.get(2).FrameSeq)
	assert.Greater(t, c.Stats().StaleRuns, uint64(0))
}

func TestConsumerPacesStaleReruns(t *testing.T) {
	buf := newBuffer()
	out := &collector{}
	opts := DefaultConsumerOptions()
	opts.RerunStale = true
	opts.IdleInterval = 20 * time.Millisecond
	// Returns at once, like the engine used when no endpoint is set
	c := NewConsumer(buf, fixedEngine(nil), out.emit, opts, zap.NewNop().Sugar())

	publish(buf, 1)
	stop := runConsumer(t, c)
	time.Sleep(110 * time.Millisecond)
	stop()

	stale := c.Stats().StaleRuns
	assert.GreaterOrEqual(t, stale, uint64(1))
	assert.LessOrEqual(t, stale, uint64(10), "stale reruns must wait an idle interval each")
	assert.Equal(t, uint64(1), c.Stats().FramesInferred-stale)
}

func TestConsumerCountsInferenceErrors(t *testing.T) {
	buf := newBuffer()
	out := &collector{}
	var calls int
	engine := EngineFunc(func(ctx context.Context, f *frame.Frame) ([]detection.BoundingBox, error) {
		calls++
		if f.Seq == 1 {
			return nil, errors.New("model busy")
		}
		return nil, nil
	})
	c := NewConsumer(buf, engine, out.emit, DefaultConsumerOptions(), zap.NewNop().Sugar())

	stop := runConsumer(t, c)
	publish(buf, 1)
	require.Eventually(t, func() bool { return c.Stats().InferenceErrors == 1 }, time.Second, time.Millisecond)
	publish(buf, 2)
	require.Eventually(t, func() bool { return out.len() == 1 }, time.Second, time.Millisecond)
	stop()

	assert.Equal(t, uint64(2), out.get(0).FrameSeq)
	assert.NotNil(t, out.get(0).Detections)
	assert.Equal(t, 2, calls)
}

func TestConsumerVerifyFrames(t *testing.T) {
	buf := newBuffer()
	out := &collector{}
	opts := DefaultConsumerOptions()
	opts.VerifyFrames = true
	c := NewConsumer(buf, fixedEngine(nil), out.emit, opts, zap.NewNop().Sugar())

	// Sealed, then modified: the checksum no longer matches
	buf.Write(func(f *frame.Frame) {
		f.Seq = 1
		f.Seal()
		f.Pix[0]++
	})

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return c.Stats().CorruptFrames == 1 }, time.Second, time.Millisecond)
	stop()

	assert.Zero(t, out.len())
}
