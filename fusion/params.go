package fusion

import (
	"image"

	"github.com/pkg/errors"
)

// Params tunes proposal verification and the track lifecycle.
type Params struct {
	// SVMThreshold is the confidence a foreground prediction must exceed.
	SVMThreshold       float64
	CascadeScaleFactor float64
	MinWin             image.Point
	// MaxWinSizeFactor sets the largest proposal window to MinWin * MaxWinSizeFactor.
	MaxWinSizeFactor int
	// HOGWinSize is the size patches are rescaled to before classification.
	HOGWinSize image.Point

	MaxAgePreConfirmation  int
	MaxAgePostConfirmation int
	// HangoverFrames is how many times a track must be seen before it is confirmed.
	HangoverFrames int

	RefineDetections bool
	RefineTracks     bool
	RefineScale      float64
	RefineStep       float64
}

// DefaultParams returns the parameters the tracker was tuned with.
func DefaultParams() Params {
	return Params{
		SVMThreshold:           0.5,
		CascadeScaleFactor:     1.1,
		MinWin:                 image.Pt(20, 20),
		MaxWinSizeFactor:       8,
		HOGWinSize:             image.Pt(64, 64),
		MaxAgePreConfirmation:  3,
		MaxAgePostConfirmation: 10,
		HangoverFrames:         2,
		RefineScale:            0.5,
		RefineStep:             1.02,
	}
}

// MaxWin is the largest window a proposal scan considers.
func (p Params) MaxWin() image.Point {
	return p.MinWin.Mul(p.MaxWinSizeFactor)
}

// Validate checks that the parameters describe a usable tracker.
func (p Params) Validate() error {
	if p.SVMThreshold < 0 || p.SVMThreshold > 1 {
		return errors.Errorf("svm threshold must be between 0.0 and 1.0, got %v", p.SVMThreshold)
	}
	if p.CascadeScaleFactor <= 1 {
		return errors.Errorf("cascade scale factor must be greater than 1, got %v", p.CascadeScaleFactor)
	}
	if p.MinWin.X <= 0 || p.MinWin.Y <= 0 {
		return errors.Errorf("minimum window size must be positive, got %v", p.MinWin)
	}
	if p.MaxWinSizeFactor < 1 {
		return errors.Errorf("maximum window size factor must be at least 1, got %d", p.MaxWinSizeFactor)
	}
	if p.HOGWinSize.X <= 0 || p.HOGWinSize.Y <= 0 {
		return errors.Errorf("classifier window size must be positive, got %v", p.HOGWinSize)
	}
	if p.MaxAgePreConfirmation < 0 || p.MaxAgePostConfirmation < 0 {
		return errors.New("maximum track ages cannot be less than 0")
	}
	if p.HangoverFrames < 0 {
		return errors.New("hangover frames cannot be less than 0")
	}
	if p.RefineScale <= 0 {
		return errors.Errorf("refine scale must be positive, got %v", p.RefineScale)
	}
	if p.RefineStep <= 1 {
		return errors.Errorf("refine step must be greater than 1, got %v", p.RefineStep)
	}
	return nil
}
