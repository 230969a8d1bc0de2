package inference

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"framepipe/internal/detection"
	"framepipe/internal/frame"
)

// DefaultJPEGQuality matches the quality used for streamed frames
const DefaultJPEGQuality = 85

// Preprocessor converts raw frames into the JPEG payload the model server
// expects, reusing its buffers between calls. It is not safe for
// concurrent use.
type Preprocessor struct {
	inputSize int
	quality   int

	rgba    *image.RGBA
	resized *image.RGBA
	buf     bytes.Buffer
}

// NewPreprocessor creates a preprocessor. inputSize <= 0 keeps the frame
// size; otherwise frames are scaled to inputSize x inputSize.
func NewPreprocessor(inputSize, quality int) *Preprocessor {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Preprocessor{inputSize: inputSize, quality: quality}
}

// Encode returns the JPEG for f and the factors mapping model coordinates
// back to frame coordinates. The returned slice is valid until the next call.
func (p *Preprocessor) Encode(f *frame.Frame) ([]byte, float32, float32, error) {
	img, err := p.toRGBA(f)
	if err != nil {
		return nil, 0, 0, err
	}

	sx, sy := float32(1), float32(1)
	var src image.Image = img
	if p.inputSize > 0 && (f.Shape.Width != p.inputSize || f.Shape.Height != p.inputSize) {
		if p.resized == nil {
			p.resized = image.NewRGBA(image.Rect(0, 0, p.inputSize, p.inputSize))
		}
		draw.ApproxBiLinear.Scale(p.resized, p.resized.Bounds(), img, img.Bounds(), draw.Src, nil)
		src = p.resized
		sx = float32(f.Shape.Width) / float32(p.inputSize)
		sy = float32(f.Shape.Height) / float32(p.inputSize)
	}

	p.buf.Reset()
	if err := jpeg.Encode(&p.buf, src, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode frame %d: %w", f.Seq, err)
	}
	return p.buf.Bytes(), sx, sy, nil
}

// toRGBA expands packed gray, RGB or RGBA pixels into the reused RGBA image
func (p *Preprocessor) toRGBA(f *frame.Frame) (*image.RGBA, error) {
	w, h := f.Shape.Width, f.Shape.Height
	if p.rgba == nil || p.rgba.Rect.Dx() != w || p.rgba.Rect.Dy() != h {
		p.rgba = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	dst := p.rgba.Pix

	switch f.Shape.Channels {
	case 4:
		copy(dst, f.Pix)
	case 3:
		for i, j := 0, 0; j < len(f.Pix); i, j = i+4, j+3 {
			dst[i] = f.Pix[j]
			dst[i+1] = f.Pix[j+1]
			dst[i+2] = f.Pix[j+2]
			dst[i+3] = 0xff
		}
	case 1:
		for i, j := 0, 0; j < len(f.Pix); i, j = i+4, j+1 {
			v := f.Pix[j]
			dst[i], dst[i+1], dst[i+2], dst[i+3] = v, v, v, 0xff
		}
	default:
		return nil, fmt.Errorf("unsupported channel count %d", f.Shape.Channels)
	}
	return p.rgba, nil
}

// ScaleBoxes maps boxes from model input space back to frame space in place
func ScaleBoxes(dets []detection.BoundingBox, sx, sy float32) {
	if sx == 1 && sy == 1 {
		return
	}
	for i := range dets {
		dets[i].Box[0] *= sx
		dets[i].Box[1] *= sy
		dets[i].Box[2] *= sx
		dets[i].Box[3] *= sy
	}
}
