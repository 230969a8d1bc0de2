package detection

import (
	"fmt"

	"framepipe/internal/geometry"
)

// BoundingBox is a single raw detection produced by the inference engine
type BoundingBox struct {
	Label int        `json:"label"` // Class id, not interpreted here
	Box   [4]float32 `json:"box"`   // Corner form [x1, y1, x2, y2] in image pixels
	Score float32    `json:"score"` // Confidence [0-1]
}

// Center returns the box in center form
func (b BoundingBox) Center() geometry.Box {
	return geometry.FromCorners(b.Box[0], b.Box[1], b.Box[2], b.Box[3])
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("label=%d box=(%.1f,%.1f,%.1f,%.1f) score=%.3f",
		b.Label, b.Box[0], b.Box[1], b.Box[2], b.Box[3], b.Score)
}

// Options holds the two thresholds consumed by Filter
type Options struct {
	IoUThreshold  float32 `json:"iou_threshold"`
	ConfThreshold float32 `json:"conf_threshold"`
}

// DefaultOptions returns the thresholds used when nothing is configured
func DefaultOptions() Options {
	return Options{
		IoUThreshold:  0.45,
		ConfThreshold: 0.3,
	}
}

// Apply runs Filter with the configured thresholds
func (o Options) Apply(detections []BoundingBox) []BoundingBox {
	return Filter(detections, o.IoUThreshold, o.ConfThreshold)
}
