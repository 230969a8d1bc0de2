package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"framepipe/internal/frame"
	"framepipe/internal/framebuffer"
)

// ProducerStats is a snapshot of capture counters
type ProducerStats struct {
	FramesCaptured uint64 `json:"frames_captured"`
	SinkErrors     uint64 `json:"sink_errors"`
	DemandWaits    uint64 `json:"demand_waits"`
	LastFrameTime  int64  `json:"last_frame_time"`
}

// Producer is the capture loop. It fills the back slot of the buffer with
// the next source frame, forwards it to the display sink and publishes it.
type Producer struct {
	source Source
	sink   Sink
	demand *Demand
	buffer *framebuffer.TripleBuffer[frame.Frame]
	seal   bool
	logger *zap.SugaredLogger

	seq        atomic.Uint64
	sinkErrors atomic.Uint64
	lastFrame  atomic.Int64
}

// NewProducer creates a capture loop. sink and demand may be nil. With seal
// set every published frame carries the checksum of its pixels.
func NewProducer(source Source, sink Sink, demand *Demand, buffer *framebuffer.TripleBuffer[frame.Frame], seal bool, logger *zap.SugaredLogger) *Producer {
	if sink == nil {
		sink = DiscardSink{}
	}
	return &Producer{
		source: source,
		sink:   sink,
		demand: demand,
		buffer: buffer,
		seal:   seal,
		logger: logger,
	}
}

// Run captures until end of stream, an error or cancellation of ctx. End of
// stream returns nil. The sink is closed on return.
func (p *Producer) Run(ctx context.Context) error {
	defer func() {
		if cerr := p.sink.Close(); cerr != nil {
			p.logger.Warnw("Closing sink failed", "error", cerr)
		}
	}()

	p.logger.Infow("Capture loop started", "shape", p.source.Shape().String())

	for {
		if err := p.demand.Wait(ctx); err != nil {
			return err
		}

		err := p.buffer.WriteErr(func(slot *frame.Frame) error {
			return p.capture(ctx, slot)
		})
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			p.logger.Infow("End of stream", "frames", p.seq.Load())
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("capture frame %d: %w", p.seq.Load()+1, err)
		}
	}
}

// capture fills slot while it is still private to the producer
func (p *Producer) capture(ctx context.Context, slot *frame.Frame) error {
	if err := p.source.ReadFrame(ctx, slot); err != nil {
		return err
	}

	now := time.Now()
	slot.Seq = p.seq.Add(1)
	slot.Timestamp = now
	if p.seal {
		slot.Seal()
	}
	p.lastFrame.Store(now.Unix())

	if err := p.sink.WriteFrame(ctx, slot); err != nil {
		n := p.sinkErrors.Add(1)
		if n == 1 || n%100 == 0 {
			p.logger.Warnw("Display sink rejected frame", "seq", slot.Seq, "errors", n, "error", err)
		}
	}

	if slot.Seq%100 == 0 {
		p.logger.Debugw("Captured frames", "seq", slot.Seq)
	}
	return nil
}

// Stats returns a snapshot of the capture counters
func (p *Producer) Stats() ProducerStats {
	var waits uint64
	if p.demand != nil {
		waits = p.demand.Waits()
	}
	return ProducerStats{
		FramesCaptured: p.seq.Load(),
		SinkErrors:     p.sinkErrors.Load(),
		DemandWaits:    waits,
		LastFrameTime:  p.lastFrame.Load(),
	}
}
