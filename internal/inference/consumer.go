package inference

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"framepipe/internal/detection"
	"framepipe/internal/frame"
	"framepipe/internal/framebuffer"
)

// DefaultIdleInterval is how long the consumer waits when no new frame has
// been published
const DefaultIdleInterval = 2 * time.Millisecond

// ConsumerOptions configures the inference loop
type ConsumerOptions struct {
	Filter       detection.Options
	RerunStale   bool          // Run inference again on an already seen frame instead of idling
	IdleInterval time.Duration // Wait between polls when nothing new is published
	VerifyFrames bool          // Check the frame checksum before inference
}

// DefaultConsumerOptions returns the loop defaults
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		Filter:       detection.DefaultOptions(),
		IdleInterval: DefaultIdleInterval,
	}
}

// Output is the filtered result of one inference run
type Output struct {
	FrameSeq   uint64
	Timestamp  time.Time
	Shape      frame.Shape
	Stale      bool // Frame was already processed by a previous run
	RawCount   int
	Detections []detection.BoundingBox
	Latency    time.Duration
}

// ConsumerStats is a snapshot of inference counters
type ConsumerStats struct {
	FramesInferred  uint64  `json:"frames_inferred"`
	StaleRuns       uint64  `json:"stale_runs"`
	InferenceErrors uint64  `json:"inference_errors"`
	CorruptFrames   uint64  `json:"corrupt_frames"`
	Detections      uint64  `json:"detections"`
	LastLatencyMs   float64 `json:"last_latency_ms"`
}

// Consumer is the inference loop. It takes the latest frame from the
// buffer, runs the engine on it, filters the raw boxes and hands the
// result to emit.
type Consumer struct {
	buffer *framebuffer.TripleBuffer[frame.Frame]
	engine Engine
	emit   func(*Output)
	opts   ConsumerOptions
	logger *zap.SugaredLogger

	inferred    atomic.Uint64
	staleRuns   atomic.Uint64
	errors      atomic.Uint64
	corrupt     atomic.Uint64
	detections  atomic.Uint64
	lastLatency atomic.Int64
}

// NewConsumer creates an inference loop. emit is called from the loop
// goroutine for every successful run.
func NewConsumer(buffer *framebuffer.TripleBuffer[frame.Frame], engine Engine, emit func(*Output), opts ConsumerOptions, logger *zap.SugaredLogger) *Consumer {
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if emit == nil {
		emit = func(*Output) {}
	}
	return &Consumer{
		buffer: buffer,
		engine: engine,
		emit:   emit,
		opts:   opts,
		logger: logger,
	}
}

// Run loops until ctx is cancelled, then returns nil. Inference errors are
// logged and counted; the frame is dropped and the loop continues.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Infow("Inference loop started",
		"iou_threshold", c.opts.Filter.IoUThreshold,
		"conf_threshold", c.opts.Filter.ConfThreshold,
		"rerun_stale", c.opts.RerunStale,
	)

	idle := time.NewTimer(0)
	defer idle.Stop()
	<-idle.C

	for ctx.Err() == nil {
		var (
			out   *Output
			err   error
			ran   bool
			stale bool
		)
		c.buffer.Read(func(f *frame.Frame, fresh bool) {
			// Seq 0 means nothing was ever published into this slot
			if f.Seq == 0 || (!fresh && !c.opts.RerunStale) {
				return
			}
			ran, stale = true, !fresh
			out, err = c.process(ctx, f, stale)
		})

		switch {
		case !ran:
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			n := c.errors.Add(1)
			if n == 1 || n%100 == 0 {
				c.logger.Warnw("Inference failed, dropping frame", "errors", n, "error", err)
			}
		case out != nil:
			c.emit(out)
		}

		// Stale reruns are paced like empty polls so an instant engine
		// cannot spin on the same frame
		if !ran || stale {
			idle.Reset(c.opts.IdleInterval)
			select {
			case <-ctx.Done():
				return nil
			case <-idle.C:
			}
		}
	}
	return nil
}

// process runs inference and filtering on the front slot
func (c *Consumer) process(ctx context.Context, f *frame.Frame, stale bool) (*Output, error) {
	if c.opts.VerifyFrames && !f.Verify() {
		n := c.corrupt.Add(1)
		c.logger.Errorw("Frame failed checksum, skipping", "seq", f.Seq, "corrupt", n)
		return nil, nil
	}

	start := time.Now()
	raw, err := c.engine.Infer(ctx, f)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	filtered := c.opts.Filter.Apply(raw)

	seq := c.inferred.Add(1)
	if stale {
		c.staleRuns.Add(1)
	}
	c.detections.Add(uint64(len(filtered)))
	c.lastLatency.Store(int64(latency))

	if seq%100 == 0 {
		c.logger.Debugw("Inference progress", "runs", seq, "frame", f.Seq, "latency", latency)
	}

	return &Output{
		FrameSeq:   f.Seq,
		Timestamp:  f.Timestamp,
		Shape:      f.Shape,
		Stale:      stale,
		RawCount:   len(raw),
		Detections: filtered,
		Latency:    latency,
	}, nil
}

// Stats returns a snapshot of the inference counters
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		FramesInferred:  c.inferred.Load(),
		StaleRuns:       c.staleRuns.Load(),
		InferenceErrors: c.errors.Load(),
		CorruptFrames:   c.corrupt.Load(),
		Detections:      c.detections.Load(),
		LastLatencyMs:   float64(c.lastLatency.Load()) / float64(time.Millisecond),
	}
}
