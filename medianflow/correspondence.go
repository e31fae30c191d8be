// Package medianflow implements a model-free single object tracker. It estimates how a
// rectangular region moved between two grayscale frames from the median of many
// point displacements (Kalal et al., "Forward-Backward Error", ICPR 2010).
package medianflow

import (
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"
)

const (
	gridRows   = 10
	gridCols   = 10
	gridPoints = gridRows * gridCols

	// minConsistentPoints is the fewest forward/backward consistent points the
	// robust filter can work with.
	minConsistentPoints = 4

	pyramidLevels = 3
	nccPatchSize  = 16
)

var flowWindow = image.Pt(21, 21)

// Correspondence pairs a grid point in the previous frame with the location optical
// flow found for it in the current frame.
type Correspondence struct {
	Prev gocv.Point2f
	Curr gocv.Point2f
}

// Motion returns the displacement from Prev to Curr.
func (c Correspondence) Motion() gocv.Point2f {
	return gocv.Point2f{X: c.Curr.X - c.Prev.X, Y: c.Curr.Y - c.Prev.Y}
}

type pointError struct {
	index int
	fb    float64
	ncc   float64
}

// Estimate tracks a regular grid of points laid inside region from prev to curr and
// returns the correspondences that survive the forward-backward and NCC filters.
// An empty result means the motion of region cannot be estimated.
func Estimate(prev, curr gocv.Mat, region image.Rectangle) []Correspondence {
	if region.Empty() {
		return nil
	}
	points := pointGrid(region)
	tracked, forwardOK := opticalFlow(prev, curr, points)
	backTracked, backwardOK := opticalFlow(curr, prev, tracked)

	src := newGrayImage(curr)
	errs := make([]pointError, 0, len(points))
	for i := range points {
		if !forwardOK[i] || !backwardOK[i] {
			continue
		}
		errs = append(errs, pointError{
			index: i,
			fb:    distance(points[i], backTracked[i]),
			ncc:   normalizedCrossCorrelation(src.patch(points[i], nccPatchSize), src.patch(tracked[i], nccPatchSize)),
		})
	}
	if len(errs) < minConsistentPoints {
		return nil
	}

	errs = filterErrors(errs)
	out := make([]Correspondence, 0, len(errs))
	for _, e := range errs {
		out = append(out, Correspondence{Prev: points[e.index], Curr: tracked[e.index]})
	}
	return out
}

// pointGrid lays gridRows x gridCols points inside region, one grid step away from
// every edge.
func pointGrid(region image.Rectangle) []gocv.Point2f {
	stepX := float32(region.Dx()) / float32(gridCols+1)
	stepY := float32(region.Dy()) / float32(gridRows+1)
	pts := make([]gocv.Point2f, 0, gridPoints)
	for i := 1; i <= gridRows; i++ {
		for j := 1; j <= gridCols; j++ {
			pts = append(pts, gocv.Point2f{
				X: float32(region.Min.X) + float32(j)*stepX,
				Y: float32(region.Min.Y) + float32(i)*stepY,
			})
		}
	}
	return pts
}

// opticalFlow runs pyramidal Lucas-Kanade from one frame to the other. The second
// return value reports, per point, whether the flow was found.
func opticalFlow(from, to gocv.Mat, points []gocv.Point2f) ([]gocv.Point2f, []bool) {
	out := make([]gocv.Point2f, len(points))
	ok := make([]bool, len(points))
	if len(points) == 0 || from.Empty() || to.Empty() {
		return out, ok
	}

	src := gocv.NewMatWithSize(len(points), 2, gocv.MatTypeCV32F)
	defer src.Close()
	for i, p := range points {
		src.SetFloatAt(i, 0, p.X)
		src.SetFloatAt(i, 1, p.Y)
	}
	dst := gocv.NewMat()
	defer dst.Close()
	status := gocv.NewMat()
	defer status.Close()
	flowErr := gocv.NewMat()
	defer flowErr.Close()

	criteria := gocv.NewTermCriteria(gocv.Count+gocv.EPS, 30, 0.01)
	gocv.CalcOpticalFlowPyrLKWithParams(from, to, src, dst, &status, &flowErr,
		flowWindow, pyramidLevels, criteria, 0, 1e-4)

	if dst.Rows() != len(points) || status.Rows() != len(points) {
		return out, ok
	}
	for i := range points {
		out[i] = gocv.Point2f{X: dst.GetFloatAt(i, 0), Y: dst.GetFloatAt(i, 1)}
		ok[i] = status.GetUCharAt(i, 0) == 1
	}
	return out, ok
}

// filterErrors keeps the half of the points with the lowest forward-backward error and,
// among those, the ones ranked above the median NCC. Ranking is positional so that tied
// errors (a perfectly still scene) still leave a usable quarter.
func filterErrors(errs []pointError) []pointError {
	if len(errs) == 0 {
		return nil
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].fb < errs[j].fb })
	errs = errs[:len(errs)/2]
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].ncc < errs[j].ncc })
	keepFrom := len(errs)/2 + 1
	if keepFrom >= len(errs) {
		return nil
	}
	return errs[keepFrom:]
}

func distance(a, b gocv.Point2f) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}
