// Package detector implements a stateless sign detector as a Viam vision service
// This file contains methods that are useful for filtering out proposals.
package detector

import (
	"image"
	"strings"

	objdet "go.viam.com/rdk/vision/objectdetection"
)

// NewLabelFilter returns a Detections->Detections filtering method to remove
// detections that do not have a class name in chosenLabels and/or do not have the
// associated minimum confidence. An empty input map will return all detections.
// Input chosenLabels is the map with <"class_name": confidence> key-value pairs.
func NewLabelFilter(chosenLabels map[string]float64) objdet.Postprocessor {
	return func(detections []objdet.Detection) []objdet.Detection {
		if len(chosenLabels) < 1 {
			return detections
		}
		out := make([]objdet.Detection, 0, len(detections))
		for _, d := range detections {
			minConf, ok := chosenLabels[strings.ToLower(d.Label())]
			if ok && d.Score() > minConf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewWindowFilter removes detections whose bounding box is narrower or shorter than
// minSize, or wider or taller than maxSize. A zero maxSize sets no upper bound.
func NewWindowFilter(minSize, maxSize image.Point) objdet.Postprocessor {
	return func(detections []objdet.Detection) []objdet.Detection {
		out := make([]objdet.Detection, 0, len(detections))
		for _, d := range detections {
			size := d.BoundingBox().Size()
			if size.X < minSize.X || size.Y < minSize.Y {
				continue
			}
			if maxSize != (image.Point{}) && (size.X > maxSize.X || size.Y > maxSize.Y) {
				continue
			}
			out = append(out, d)
		}
		return out
	}
}

// FilterProposals keeps the detections with a chosen label and an acceptable size.
func FilterProposals(chosenLabels map[string]float64, dets []objdet.Detection, minSize, maxSize image.Point) []objdet.Detection {
	firstPass := NewLabelFilter(chosenLabels)(dets)
	return NewWindowFilter(minSize, maxSize)(firstPass)
}
