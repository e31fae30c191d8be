package medianflow

import (
	"math"

	"gocv.io/x/gocv"
)

// minPatchVariance treats nearly flat patches as having no texture at all.
const minPatchVariance = 1e-6

// grayImage is a copy of a single channel 8-bit Mat that can be sampled at
// sub-pixel positions without a cgo call per pixel.
type grayImage struct {
	pix    []byte
	width  int
	height int
}

// newGrayImage copies m, which must be continuous and single channel.
func newGrayImage(m gocv.Mat) grayImage {
	if m.Empty() {
		return grayImage{}
	}
	return grayImage{pix: m.ToBytes(), width: m.Cols(), height: m.Rows()}
}

// at returns the pixel at (x, y), replicating the border outside the image.
func (g grayImage) at(x, y int) float64 {
	x = min(max(x, 0), g.width-1)
	y = min(max(y, 0), g.height-1)
	return float64(g.pix[y*g.width+x])
}

// sample interpolates bilinearly between the four pixels around (x, y).
func (g grayImage) sample(x, y float64) float64 {
	x0, y0 := math.Floor(x), math.Floor(y)
	ax, ay := x-x0, y-y0
	ix, iy := int(x0), int(y0)
	top := (1-ax)*g.at(ix, iy) + ax*g.at(ix+1, iy)
	bottom := (1-ax)*g.at(ix, iy+1) + ax*g.at(ix+1, iy+1)
	return (1-ay)*top + ay*bottom
}

// patch samples a size x size window centred on c, row major, with the same centre
// convention as OpenCV's getRectSubPix.
func (g grayImage) patch(c gocv.Point2f, size int) []float64 {
	if g.width == 0 || g.height == 0 || len(g.pix) < g.width*g.height {
		return nil
	}
	half := float64(size-1) / 2
	out := make([]float64, 0, size*size)
	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			out = append(out, g.sample(float64(c.X)-half+float64(j), float64(c.Y)-half+float64(i)))
		}
	}
	return out
}

// normalizedCrossCorrelation returns the zero-mean NCC of two equally sized patches
// in [-1, 1]. Patches without variance correlate to 0.
func normalizedCrossCorrelation(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var sumA, sumB, sumAB, sumAA, sumBB float64
	for i := range a {
		sumA += a[i]
		sumB += b[i]
		sumAB += a[i] * b[i]
		sumAA += a[i] * a[i]
		sumBB += b[i] * b[i]
	}
	n := float64(len(a))
	cov := sumAB - sumA*sumB/n
	varA := sumAA - sumA*sumA/n
	varB := sumBB - sumB*sumB/n
	if varA <= minPatchVariance || varB <= minPatchVariance {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
