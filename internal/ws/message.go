package ws

import (
	"time"

	"framepipe/internal/pipeline"
)

// DetectionMessage represents a filtered detection broadcast
type DetectionMessage struct {
	Type        string            `json:"type"` // "detection"
	RunID       string            `json:"run_id"`
	FrameSeq    uint64            `json:"frame_seq"`
	Timestamp   time.Time         `json:"timestamp"`
	FrameWidth  int               `json:"frame_width"`
	FrameHeight int               `json:"frame_height"`
	RawCount    int               `json:"raw_count"`
	InferenceMs float32           `json:"inference_ms"`
	Objects     []ObjectDetection `json:"objects"`
}

// ObjectDetection represents a single detected object
type ObjectDetection struct {
	Label      int       `json:"label"`
	Class      string    `json:"class,omitempty"` // Set when a label map is configured
	Confidence float32   `json:"confidence"`      // 0.0-1.0
	BBox       []float32 `json:"bbox"`            // [x, y, w, h] in pixels
}

// NewDetectionMessage converts a pipeline result into a broadcast message.
// labels may be nil.
func NewDetectionMessage(result *pipeline.Result, labels map[int]string) *DetectionMessage {
	msg := &DetectionMessage{
		Type:        "detection",
		RunID:       result.RunID,
		FrameSeq:    result.FrameSeq,
		Timestamp:   result.Timestamp,
		FrameWidth:  result.Width,
		FrameHeight: result.Height,
		RawCount:    result.RawCount,
		InferenceMs: result.InferenceMs,
		Objects:     make([]ObjectDetection, 0, len(result.Detections)),
	}
	for _, d := range result.Detections {
		msg.Objects = append(msg.Objects, ObjectDetection{
			Label:      d.Label,
			Class:      labels[d.Label],
			Confidence: d.Score,
			BBox:       []float32{d.Box[0], d.Box[1], d.Box[2] - d.Box[0], d.Box[3] - d.Box[1]},
		})
	}
	return msg
}
