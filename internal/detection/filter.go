package detection

import (
	"sort"

	"framepipe/internal/geometry"
)

// Filter applies a confidence gate and class-aware greedy non-maximum
// suppression to a raw detection list.
//
// Candidates are visited in descending score order (ties keep input order).
// A candidate below confThreshold is skipped: it is not emitted and does not
// suppress anything. Every emitted candidate suppresses the lower-ranked
// candidates of the same label whose IoU with it exceeds iouThreshold.
// Boxes of different labels never suppress each other.
//
// The result is in emission order. The input slice is not modified.
// Thresholds are not range-checked.
func Filter(detections []BoundingBox, iouThreshold, confThreshold float32) []BoundingBox {
	result := make([]BoundingBox, 0, len(detections))
	if len(detections) == 0 {
		return result
	}

	sorted := make([]BoundingBox, len(detections))
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	centers := make([]geometry.Box, len(sorted))
	for i := range sorted {
		centers[i] = sorted[i].Center()
	}

	suppressed := make([]bool, len(sorted))

	for i := range sorted {
		if suppressed[i] {
			continue
		}
		if sorted[i].Score < confThreshold {
			continue
		}

		result = append(result, sorted[i])

		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] {
				continue
			}
			// Class-aware: only same-label candidates compete
			if sorted[i].Label != sorted[j].Label {
				continue
			}
			if geometry.IoU(centers[i], centers[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return result
}
