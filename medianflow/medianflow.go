package medianflow

import (
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"
)

const (
	// minCorrespondences is the fewest filtered correspondences a new box is
	// estimated from.
	minCorrespondences = 10

	// maxPairAngle bounds the angle (radians) between two displacements whose
	// point pair contributes a scale ratio.
	maxPairAngle = 0.3
)

// Track estimates the location in curr of the object that occupied region in prev.
// The zero rectangle means the object was lost.
func Track(region image.Rectangle, prev, curr gocv.Mat) image.Rectangle {
	if region.Empty() {
		return image.Rectangle{}
	}
	return locate(Estimate(prev, curr, region), region, image.Rect(0, 0, curr.Cols(), curr.Rows()))
}

// locate is the part of the new box that lies inside frame.
func locate(corrs []Correspondence, region, frame image.Rectangle) image.Rectangle {
	box := boundingBox(corrs, region).Intersect(frame)
	if box.Empty() {
		return image.Rectangle{}
	}
	return box
}

// boundingBox moves and scales region by the median displacement and the median
// pairwise distance ratio of the correspondences.
func boundingBox(corrs []Correspondence, region image.Rectangle) image.Rectangle {
	if len(corrs) < minCorrespondences || region.Empty() {
		return image.Rectangle{}
	}

	n := len(corrs)
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	scales := make([]float64, 0, n*(n-1)/2)
	for i, c := range corrs {
		m := c.Motion()
		xs = append(xs, float64(m.X))
		ys = append(ys, float64(m.Y))
		for k := 0; k < i; k++ {
			if angleBetween(m, corrs[k].Motion()) >= maxPairAngle {
				continue
			}
			prevDist := distance(c.Prev, corrs[k].Prev)
			if prevDist == 0 {
				continue
			}
			scales = append(scales, distance(c.Curr, corrs[k].Curr)/prevDist)
		}
	}

	scale := 1.0
	if len(scales) > 0 {
		scale = median(scales)
	}
	if scale <= 0 {
		return image.Rectangle{}
	}
	dx, dy := median(xs), median(ys)

	c := 0.5 * (scale - 1)
	w, h := float64(region.Dx()), float64(region.Dy())
	x := int(math.Round(float64(region.Min.X) + dx - w*c))
	y := int(math.Round(float64(region.Min.Y) + dy - h*c))
	return image.Rect(x, y, x+int(math.Round(w/scale)), y+int(math.Round(h/scale)))
}

// angleBetween is the unsigned angle between two displacements, 0 if either is zero.
func angleBetween(a, b gocv.Point2f) float64 {
	na := math.Hypot(float64(a.X), float64(a.Y))
	nb := math.Hypot(float64(b.X), float64(b.Y))
	if na == 0 || nb == 0 {
		return 0
	}
	cos := (float64(a.X)*float64(b.X) + float64(a.Y)*float64(b.Y)) / (na * nb)
	return math.Acos(math.Max(-1, math.Min(1, cos)))
}

// median returns the upper median of values without reordering them.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}
