// Package preprocess prepares camera frames for sign detection.
package preprocess

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Config describes how a camera frame is transformed before detection. Steps run in
// field order.
type Config struct {
	// ScalingFactor resizes the frame when it is positive and not 1.
	ScalingFactor float64
	// Flip mirrors the frame around its horizontal axis.
	Flip      bool
	Transpose bool
	// CropWidth and CropHeight keep the top-left fraction of the frame. 0 means 1.
	CropWidth  float64
	CropHeight float64
}

// Validate checks the scaling and cropping factors.
func (c Config) Validate() error {
	if c.ScalingFactor < 0 {
		return errors.Errorf("scaling factor cannot be negative, got %v", c.ScalingFactor)
	}
	if c.CropWidth < 0 || c.CropWidth > 1 || c.CropHeight < 0 || c.CropHeight > 1 {
		return errors.Errorf("cropping factors must be between 0.0 and 1.0, got %v and %v", c.CropWidth, c.CropHeight)
	}
	return nil
}

// Apply returns a transformed copy of frame. The caller owns the result.
func (c Config) Apply(frame gocv.Mat) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), errors.New("cannot preprocess an empty frame")
	}
	out := frame.Clone()

	if c.ScalingFactor > 0 && c.ScalingFactor != 1 {
		size := image.Pt(int(float64(out.Cols())*c.ScalingFactor), int(float64(out.Rows())*c.ScalingFactor))
		if size.X < 1 || size.Y < 1 {
			out.Close()
			return gocv.NewMat(), errors.Errorf("scaling factor %v leaves nothing of a %dx%d frame",
				c.ScalingFactor, frame.Cols(), frame.Rows())
		}
		replace(&out, func(dst *gocv.Mat) {
			gocv.Resize(out, dst, size, 0, 0, gocv.InterpolationLinear)
		})
	}
	if c.Flip {
		replace(&out, func(dst *gocv.Mat) { gocv.Flip(out, dst, 0) })
	}
	if c.Transpose {
		replace(&out, func(dst *gocv.Mat) { gocv.Transpose(out, dst) })
	}

	crop := image.Rect(0, 0, int(float64(out.Cols())*factor(c.CropWidth)), int(float64(out.Rows())*factor(c.CropHeight)))
	if crop.Empty() {
		out.Close()
		return gocv.NewMat(), errors.Errorf("cropping factors %v and %v leave nothing of the frame", c.CropWidth, c.CropHeight)
	}
	if crop.Size() != image.Pt(out.Cols(), out.Rows()) {
		roi := out.Region(crop)
		cropped := roi.Clone()
		roi.Close()
		out.Close()
		out = cropped
	}
	return out, nil
}

// ToSource maps a region of a preprocessed frame back onto the camera frame it came
// from, whose size is src.
func (c Config) ToSource(r image.Rectangle, src image.Point) image.Rectangle {
	scale := 1.0
	scaled := src
	if c.ScalingFactor > 0 && c.ScalingFactor != 1 {
		scale = c.ScalingFactor
		scaled = image.Pt(int(float64(src.X)*scale), int(float64(src.Y)*scale))
	}
	if c.Transpose {
		r = image.Rect(r.Min.Y, r.Min.X, r.Max.Y, r.Max.X)
	}
	if c.Flip {
		r = image.Rect(r.Min.X, scaled.Y-r.Max.Y, r.Max.X, scaled.Y-r.Min.Y)
	}
	if scale != 1 {
		r = image.Rect(
			int(math.Round(float64(r.Min.X)/scale)), int(math.Round(float64(r.Min.Y)/scale)),
			int(math.Round(float64(r.Max.X)/scale)), int(math.Round(float64(r.Max.Y)/scale)))
	}
	return r.Intersect(image.Rectangle{Max: src})
}

// replace runs fn into a new Mat and swaps it in for m.
func replace(m *gocv.Mat, fn func(dst *gocv.Mat)) {
	dst := gocv.NewMat()
	fn(&dst)
	m.Close()
	*m = dst
}

func factor(f float64) float64 {
	if f == 0 {
		return 1
	}
	return f
}

// FromImage converts a camera image to a 3 channel BGR Mat.
func FromImage(img image.Image) (gocv.Mat, error) {
	if img == nil {
		return gocv.NewMat(), errors.New("no image to convert")
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "cannot convert image to a frame")
	}
	return mat, nil
}
