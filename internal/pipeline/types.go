package pipeline

import (
	"time"

	"framepipe/internal/capture"
	"framepipe/internal/detection"
	"framepipe/internal/framebuffer"
	"framepipe/internal/inference"
)

// Result is the filtered detection set for one processed frame
type Result struct {
	RunID       string                  `json:"run_id"`
	FrameSeq    uint64                  `json:"frame_seq"`
	Timestamp   time.Time               `json:"timestamp"`  // Capture time of the frame
	Width       int                     `json:"width"`
	Height      int                     `json:"height"`
	Stale       bool                    `json:"stale"`      // Frame was already processed before
	RawCount    int                     `json:"raw_count"`  // Boxes returned by the engine before filtering
	Detections  []detection.BoundingBox `json:"detections"` // Filtered, in descending score order
	InferenceMs float32                 `json:"inference_ms"`
}

// ResultHandler receives filtered results
type ResultHandler interface {
	// OnResult is called from the inference goroutine, in frame order.
	// Implementations must not block for long and must not keep result
	// past the call if they modify it.
	OnResult(result *Result)
}

// ResultHandlerFunc adapts a function to ResultHandler
type ResultHandlerFunc func(result *Result)

func (fn ResultHandlerFunc) OnResult(result *Result) {
	fn(result)
}

// Stats contains pipeline performance metrics
type Stats struct {
	RunID       string                  `json:"run_id"`
	Running     bool                    `json:"running"`
	StartedAt   time.Time               `json:"started_at"`
	Shape       string                  `json:"shape"`
	Buffer      framebuffer.Stats       `json:"buffer"`
	Capture     capture.ProducerStats   `json:"capture"`
	Inference   inference.ConsumerStats `json:"inference"`
	Subscribers int                     `json:"subscribers"`
}

func resultFromOutput(runID string, out *inference.Output) *Result {
	return &Result{
		RunID:       runID,
		FrameSeq:    out.FrameSeq,
		Timestamp:   out.Timestamp,
		Width:       out.Shape.Width,
		Height:      out.Shape.Height,
		Stale:       out.Stale,
		RawCount:    out.RawCount,
		Detections:  out.Detections,
		InferenceMs: float32(out.Latency.Microseconds()) / 1000,
	}
}
