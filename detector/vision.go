// Package detector implements a stateless sign detector as a Viam vision service
// This file contains the proposer and classifier backed by other vision services.
package detector

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/rdk/services/vision"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"gocv.io/x/gocv"

	"github.com/viam-modules/sign-tracking/fusion"
)

// VisionProposer proposes the bounding boxes of a detector vision service.
type VisionProposer struct {
	svc          vision.Service
	chosenLabels map[string]float64
}

// NewVisionProposer returns a proposer over svc. When chosenLabels is not empty only
// detections with one of its labels, scored above the associated confidence, are kept.
func NewVisionProposer(svc vision.Service, chosenLabels map[string]float64) *VisionProposer {
	return &VisionProposer{svc: svc, chosenLabels: chosenLabels}
}

// Propose returns the detections of the frame that fit between opts.MinSize and
// opts.MaxSize. The detector is expected to suppress duplicates itself, so opts.Group
// and opts.ScaleFactor are ignored.
func (p *VisionProposer) Propose(ctx context.Context, frame gocv.Mat, opts fusion.ProposeOptions) ([]image.Rectangle, error) {
	img, err := frame.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert frame for the proposer")
	}
	dets, err := p.svc.Detections(ctx, img, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "proposer %v failed", p.svc.Name().ShortName())
	}
	dets = FilterProposals(p.chosenLabels, dets, opts.MinSize, opts.MaxSize)
	rects := make([]image.Rectangle, 0, len(dets))
	for _, d := range dets {
		rects = append(rects, *d.BoundingBox())
	}
	return rects, nil
}

// VisionClassifier classifies patches with a classifier vision service. The top
// classification is foreground when its label is the foreground label.
type VisionClassifier struct {
	svc   vision.Service
	label string
}

// NewVisionClassifier returns a classifier over svc.
func NewVisionClassifier(svc vision.Service, foregroundLabel string) *VisionClassifier {
	return &VisionClassifier{svc: svc, label: foregroundLabel}
}

// Classify returns the prediction of the top classification of the patch.
func (c *VisionClassifier) Classify(ctx context.Context, patch gocv.Mat) (fusion.Prediction, error) {
	img, err := patch.ToImage()
	if err != nil {
		return fusion.Prediction{}, errors.Wrap(err, "unable to convert patch for the classifier")
	}
	classifications, err := c.svc.Classifications(ctx, img, 1, nil)
	if err != nil {
		return fusion.Prediction{}, errors.Wrapf(err, "classifier %v failed", c.svc.Name().ShortName())
	}
	if len(classifications) == 0 {
		return fusion.Prediction{}, errors.Errorf("classifier %v returned no classification", c.svc.Name().ShortName())
	}
	top := classifications[0]
	if strings.EqualFold(top.Label(), c.label) {
		return fusion.NewPrediction(fusion.Foreground, top.Score()), nil
	}
	return fusion.NewPrediction(fusion.Background, top.Score()), nil
}

// TrackLabel is the label of a detection of a track: the foreground label followed by
// the track id.
func TrackLabel(label string, trackID int) string {
	return fmt.Sprintf("%s_%d", label, trackID)
}

// ToDetections converts detections to Viam detections. Regions are mapped through
// toSource first. Detections of a track are labelled with TrackLabel.
func ToDetections(dets []fusion.DetectionInfo, label string, toSource func(image.Rectangle) image.Rectangle) []objdet.Detection {
	out := make([]objdet.Detection, 0, len(dets))
	for _, d := range dets {
		region := d.Region
		if toSource != nil {
			region = toSource(region)
		}
		l := label
		if d.TrackID > 0 {
			l = TrackLabel(label, d.TrackID)
		}
		out = append(out, objdet.NewDetection(region, d.Confidence, l))
	}
	return out
}
