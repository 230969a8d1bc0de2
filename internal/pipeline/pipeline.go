package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"framepipe/internal/capture"
	"framepipe/internal/frame"
	"framepipe/internal/framebuffer"
	"framepipe/internal/inference"
)

// Config wires the collaborators of one pipeline run
type Config struct {
	Source    capture.Source
	Sink      capture.Sink    // Optional display sink
	Demand    *capture.Demand // Optional gate the sink raises when saturated
	Engine    inference.Engine
	Inference inference.ConsumerOptions
	Bus       *EventBus // Optional, a new bus is created when nil
}

// Pipeline runs one capture goroutine and one inference goroutine around a
// triple buffer of frames shaped like the source
type Pipeline struct {
	runID  string
	shape  frame.Shape
	source capture.Source
	engine inference.Engine
	buffer *framebuffer.TripleBuffer[frame.Frame]
	bus    *EventBus
	logger *zap.SugaredLogger

	producer *capture.Producer
	consumer *inference.Consumer

	running   atomic.Bool
	startedAt atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// New creates a pipeline. The three frame slots are allocated here.
func New(cfg Config, logger *zap.SugaredLogger) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline needs a frame source")
	}
	if cfg.Engine == nil {
		return nil, errors.New("pipeline needs an inference engine")
	}
	shape := cfg.Source.Shape()
	if err := shape.Validate(); err != nil {
		return nil, err
	}

	bus := cfg.Bus
	if bus == nil {
		bus = NewEventBus()
	}

	p := &Pipeline{
		runID:  uuid.New().String(),
		shape:  shape,
		source: cfg.Source,
		engine: cfg.Engine,
		bus:    bus,
		logger: logger,
	}
	p.buffer = framebuffer.New(func() frame.Frame { return *frame.New(shape) })
	p.producer = capture.NewProducer(cfg.Source, cfg.Sink, cfg.Demand, p.buffer, cfg.Inference.VerifyFrames, logger.Named("capture"))
	p.consumer = inference.NewConsumer(p.buffer, cfg.Engine, p.publish, cfg.Inference, logger.Named("inference"))

	return p, nil
}

// RunID identifies this pipeline instance in results and logs
func (p *Pipeline) RunID() string {
	return p.runID
}

// Bus returns the event bus results are published on
func (p *Pipeline) Bus() *EventBus {
	return p.bus
}

// Run blocks until the source ends, a loop fails or ctx is cancelled.
// End of stream and cancellation return nil.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline %s already running", p.runID)
	}
	defer p.running.Store(false)
	p.startedAt.Store(time.Now().Unix())

	p.logger.Infow("Pipeline started", "run_id", p.runID, "shape", p.shape.String())

	g, gctx := errgroup.WithContext(ctx)
	// Stops the consumer once the producer is done, including at end of stream
	consumerCtx, stopConsumer := context.WithCancel(gctx)
	defer stopConsumer()

	g.Go(func() error {
		defer stopConsumer()
		return p.producer.Run(gctx)
	})
	g.Go(func() error {
		return p.consumer.Run(consumerCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	stats := p.Stats()
	p.logger.Infow("Pipeline stopped",
		"run_id", p.runID,
		"published", stats.Buffer.Published,
		"delivered", stats.Buffer.Delivered,
		"skipped", stats.Buffer.Skipped,
		"inferred", stats.Inference.FramesInferred,
		"inference_errors", stats.Inference.InferenceErrors,
		"error", err,
	)
	return err
}

// publish converts a consumer output and fans it out on the bus
func (p *Pipeline) publish(out *inference.Output) {
	p.bus.Publish(resultFromOutput(p.runID, out))
}

// Stats returns a snapshot of all pipeline counters
func (p *Pipeline) Stats() Stats {
	var started time.Time
	if ts := p.startedAt.Load(); ts > 0 {
		started = time.Unix(ts, 0)
	}
	return Stats{
		RunID:       p.runID,
		Running:     p.running.Load(),
		StartedAt:   started,
		Shape:       p.shape.String(),
		Buffer:      p.buffer.Stats(),
		Capture:     p.producer.Stats(),
		Inference:   p.consumer.Stats(),
		Subscribers: p.bus.SubscriberCount(),
	}
}

// Close releases the source and the engine. The sink is closed by Run.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = multierr.Combine(p.source.Close(), p.engine.Close())
		p.bus.Close()
	})
	return p.closeErr
}
