package fusion

import (
	"image"
	"testing"

	"go.viam.com/test"
)

func TestOverlaps(t *testing.T) {
	track := image.Rect(0, 0, 10, 10)
	test.That(t, Overlaps(track, image.Rect(4, 4, 14, 14)), test.ShouldBeFalse)
	test.That(t, Overlaps(track, image.Rect(2, 2, 12, 12)), test.ShouldBeTrue)
	// exactly half is not enough
	test.That(t, Overlaps(track, image.Rect(5, 0, 15, 10)), test.ShouldBeFalse)
	// a small region inside a large one
	test.That(t, Overlaps(image.Rect(0, 0, 100, 100), image.Rect(40, 40, 50, 50)), test.ShouldBeTrue)
	test.That(t, Overlaps(track, image.Rect(20, 20, 30, 30)), test.ShouldBeFalse)
	test.That(t, Overlaps(track, image.Rectangle{}), test.ShouldBeFalse)
}

func TestPrediction(t *testing.T) {
	fg := NewPrediction(Foreground, 0.8)
	test.That(t, fg.Confidence(), test.ShouldEqual, 0.8)
	test.That(t, fg.Probabilities[Foreground.Index()], test.ShouldEqual, 0.8)
	test.That(t, fg.Probabilities[Background.Index()], test.ShouldAlmostEqual, 0.2)

	bg := NewPrediction(Background, 0.7)
	test.That(t, bg.Confidence(), test.ShouldEqual, 0.7)
	test.That(t, bg.Probabilities[Foreground.Index()], test.ShouldAlmostEqual, 0.3)
	test.That(t, bg.Label.String(), test.ShouldEqual, "background")
}

func TestTrackMaxAge(t *testing.T) {
	params := DefaultParams()
	params.HangoverFrames = 2
	tr := newTrack(1, DetectionInfo{Region: image.Rect(0, 0, 10, 10), Confidence: 0.6})
	test.That(t, tr.timesSeen, test.ShouldEqual, 1)
	test.That(t, tr.maxAge(params), test.ShouldEqual, params.MaxAgePreConfirmation)
	test.That(t, tr.isConfirmed(params.HangoverFrames), test.ShouldBeFalse)

	tr.timesSeen = 2
	test.That(t, tr.maxAge(params), test.ShouldEqual, params.MaxAgePostConfirmation)
	test.That(t, tr.isConfirmed(params.HangoverFrames), test.ShouldBeFalse)
	tr.timesSeen = 3
	test.That(t, tr.isConfirmed(params.HangoverFrames), test.ShouldBeTrue)
}

func TestConfirmedDetectionsSorted(t *testing.T) {
	tracks := []*track{
		{id: 1, region: image.Rect(0, 0, 1, 1), confidence: 0.6, timesSeen: 3},
		{id: 2, region: image.Rect(0, 0, 2, 2), confidence: 0.9, timesSeen: 1},
		{id: 3, region: image.Rect(0, 0, 3, 3), confidence: 0.8, timesSeen: 5},
	}
	dets := getConfirmedDetections(tracks, 2)
	test.That(t, len(dets), test.ShouldEqual, 2)
	test.That(t, dets[0].TrackID, test.ShouldEqual, 3)
	test.That(t, dets[1].TrackID, test.ShouldEqual, 1)
	test.That(t, len(getAllDetections(tracks)), test.ShouldEqual, 3)
}

func TestParamsValidate(t *testing.T) {
	test.That(t, DefaultParams().Validate(), test.ShouldBeNil)
	test.That(t, DefaultParams().MaxWin(), test.ShouldResemble, image.Pt(160, 160))

	for name, mutate := range map[string]func(*Params){
		"threshold":   func(p *Params) { p.SVMThreshold = -0.1 },
		"scale":       func(p *Params) { p.CascadeScaleFactor = 1 },
		"min window":  func(p *Params) { p.MinWin = image.Pt(0, 20) },
		"max factor":  func(p *Params) { p.MaxWinSizeFactor = 0 },
		"hog window":  func(p *Params) { p.HOGWinSize = image.Point{} },
		"age":         func(p *Params) { p.MaxAgePostConfirmation = -1 },
		"hangover":    func(p *Params) { p.HangoverFrames = -1 },
		"refine step": func(p *Params) { p.RefineStep = 1 },
		"refine size": func(p *Params) { p.RefineScale = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			p := DefaultParams()
			mutate(&p)
			test.That(t, p.Validate(), test.ShouldNotBeNil)
		})
	}
}
