package fusion

import (
	"context"
	"image"

	"gocv.io/x/gocv"
)

// refine rescans a padded neighbourhood of region at near unit scale steps and returns
// the best verified candidate in frame coordinates. A confidence of 0 means no
// candidate passed verification.
func (m *Manager) refine(ctx context.Context, frame gocv.Mat, region image.Rectangle) (image.Rectangle, float64) {
	padX := int(float64(region.Dx()) / 2 * m.params.RefineScale)
	padY := int(float64(region.Dy()) / 2 * m.params.RefineScale)
	search := image.Rect(region.Min.X-padX, region.Min.Y-padY, region.Max.X+padX, region.Max.Y+padY).
		Intersect(bounds(frame))
	if search.Empty() {
		return image.Rectangle{}, 0
	}

	roi := frame.Region(search)
	patch := roi.Clone()
	roi.Close()
	defer patch.Close()

	opts := ProposeOptions{
		ScaleFactor: m.params.RefineStep,
		MinSize:     region.Size(),
		MaxSize:     search.Size(),
	}
	candidates, err := m.proposer.Propose(ctx, patch, opts)
	if err != nil {
		m.logger.Warnf("cannot refine region %v: %v", region, err)
		return image.Rectangle{}, 0
	}

	var best image.Rectangle
	var bestConf float64
	for _, c := range candidates {
		c = c.Add(search.Min)
		if conf, ok := m.verify(ctx, frame, c); ok && conf > bestConf {
			best, bestConf = c, conf
		}
	}
	return best, bestConf
}

// refineAll replaces every detection that refine improves on.
func (m *Manager) refineAll(ctx context.Context, frame gocv.Mat, dets []DetectionInfo) []DetectionInfo {
	for i, det := range dets {
		if region, conf := m.refine(ctx, frame, det.Region); conf > 0 {
			dets[i].Region = region
			dets[i].Confidence = conf
		}
	}
	return dets
}
