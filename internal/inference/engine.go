// Package inference is the consumer side of the pipeline: the detection
// engine collaborator, its gRPC client and the loop that runs inference on
// the latest frame of the triple buffer.
package inference

import (
	"context"

	"framepipe/internal/detection"
	"framepipe/internal/frame"
)

// Engine turns a frame into raw scored, labeled boxes in frame pixel space
type Engine interface {
	Infer(ctx context.Context, f *frame.Frame) ([]detection.BoundingBox, error)
	Close() error
}

// EngineFunc adapts a function to the Engine interface
type EngineFunc func(ctx context.Context, f *frame.Frame) ([]detection.BoundingBox, error)

func (fn EngineFunc) Infer(ctx context.Context, f *frame.Frame) ([]detection.BoundingBox, error) {
	return fn(ctx, f)
}

func (fn EngineFunc) Close() error {
	return nil
}

var _ Engine = EngineFunc(nil)
