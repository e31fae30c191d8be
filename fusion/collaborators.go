// Package fusion turns a noisy, frame-independent stream of sign proposals into
// temporally stable tracks. A Manager follows every active track with the median-flow
// tracker, merges fresh classifier-verified proposals into it and decides which tracks
// are confirmed enough to be reported.
package fusion

import (
	"context"
	"image"

	"gocv.io/x/gocv"
)

// Label is the binary class a Classifier assigns to a patch.
type Label int

// The two classes a patch can belong to.
const (
	Foreground Label = 1
	Background Label = -1
)

// Index is the fixed position of the label's probability in Prediction.Probabilities.
func (l Label) Index() int {
	if l == Foreground {
		return 0
	}
	return 1
}

func (l Label) String() string {
	if l == Foreground {
		return "foreground"
	}
	return "background"
}

// Prediction is the output of a Classifier for a single patch.
type Prediction struct {
	Label         Label
	Probabilities [2]float64
}

// NewPrediction builds a prediction for label whose probability is p. The other class
// gets the complement.
func NewPrediction(label Label, p float64) Prediction {
	var pred Prediction
	pred.Label = label
	pred.Probabilities[label.Index()] = p
	if label == Foreground {
		pred.Probabilities[Background.Index()] = 1 - p
	} else {
		pred.Probabilities[Foreground.Index()] = 1 - p
	}
	return pred
}

// Confidence is the probability of the predicted class.
func (p Prediction) Confidence() float64 {
	return p.Probabilities[p.Label.Index()]
}

// ProposeOptions controls a multi-scale proposal scan.
type ProposeOptions struct {
	// ScaleFactor is the step between two consecutive scan scales, > 1.
	ScaleFactor float64
	// MinSize and MaxSize bound the size of a proposed window.
	MinSize image.Point
	MaxSize image.Point
	// Group merges overlapping raw hits into a single proposal.
	Group bool
}

// A Proposer scans a colour frame for candidate sign regions.
type Proposer interface {
	Propose(ctx context.Context, frame gocv.Mat, opts ProposeOptions) ([]image.Rectangle, error)
}

// A Classifier scores a patch that has been rescaled to the classifier window size.
type Classifier interface {
	Classify(ctx context.Context, patch gocv.Mat) (Prediction, error)
}
