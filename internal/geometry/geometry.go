package geometry

// Box is an axis-aligned box in center form: center point plus full width and height
type Box struct {
	CX float32 `json:"cx"`
	CY float32 `json:"cy"`
	W  float32 `json:"w"`
	H  float32 `json:"h"`
}

// FromCorners converts a corner-form box (x1, y1, x2, y2) to center form
func FromCorners(x1, y1, x2, y2 float32) Box {
	return Box{
		CX: (x1 + x2) / 2,
		CY: (y1 + y2) / 2,
		W:  x2 - x1,
		H:  y2 - y1,
	}
}

// Area returns W*H. Degenerate boxes may yield zero or a negative value.
func (b Box) Area() float32 {
	return b.W * b.H
}

// Overlap returns the signed length of the intersection of two 1-D intervals
// given as (center, full width). Zero or negative means disjoint.
func Overlap(c1, w1, c2, w2 float32) float32 {
	left := max(c1-w1/2, c2-w2/2)
	right := min(c1+w1/2, c2+w2/2)
	return right - left
}

// IoU returns intersection over union of two center-form boxes.
// Boxes with no positive overlap on either axis, or a non-positive union,
// are treated as non-overlapping.
func IoU(a, b Box) float32 {
	w := Overlap(a.CX, a.W, b.CX, b.W)
	h := Overlap(a.CY, a.H, b.CY, b.H)
	if w <= 0 || h <= 0 {
		return 0
	}

	inter := w * h
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
