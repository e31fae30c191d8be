package fusion

import (
	"context"
	"image"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"gocv.io/x/gocv"
)

// FakeProposer returns one entry of res per grouped scan. Ungrouped scans, which only
// refinement issues, are answered by refineRes.
type FakeProposer struct {
	it        int
	res       [][]image.Rectangle
	refineRes []image.Rectangle
	opts      []ProposeOptions
	err       error
}

func (fp *FakeProposer) Propose(ctx context.Context, frame gocv.Mat, opts ProposeOptions) ([]image.Rectangle, error) {
	fp.opts = append(fp.opts, opts)
	if fp.err != nil {
		return nil, fp.err
	}
	if !opts.Group {
		return fp.refineRes, nil
	}
	if fp.it >= len(fp.res) {
		return nil, nil
	}
	fp.it += 1
	return fp.res[fp.it-1], nil
}

// BrightnessClassifier calls a patch foreground with probability v/255, v being its
// first pixel value. Black patches are background.
type BrightnessClassifier struct {
	calls int
	err   error
}

func (bc *BrightnessClassifier) Classify(ctx context.Context, patch gocv.Mat) (Prediction, error) {
	bc.calls += 1
	if bc.err != nil {
		return Prediction{}, bc.err
	}
	v := patch.GetUCharAt(0, 0)
	if v == 0 {
		return NewPrediction(Background, 0.9), nil
	}
	return NewPrediction(Foreground, float64(v)/255), nil
}

type paint struct {
	region image.Rectangle
	value  float64
}

// newFrame returns a black BGR frame with the given regions painted, in order.
func newFrame(width, height int, paints ...paint) gocv.Mat {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), height, width, gocv.MatTypeCV8UC3)
	for _, p := range paints {
		roi := frame.Region(p.region)
		roi.SetTo(gocv.NewScalar(p.value, p.value, p.value, 0))
		roi.Close()
	}
	return frame
}

func stillRegion(region image.Rectangle, prev, curr gocv.Mat) image.Rectangle {
	return region
}

func lostRegion(region image.Rectangle, prev, curr gocv.Mat) image.Rectangle {
	return image.Rectangle{}
}

func newTestManager(t *testing.T, params Params, fp *FakeProposer) *Manager {
	t.Helper()
	m, err := NewManager(params, fp, &BrightnessClassifier{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	m.trackRegion = stillRegion
	t.Cleanup(func() { m.Close() })
	return m
}

func update(t *testing.T, m *Manager, frame gocv.Mat, doTrack bool) []DetectionInfo {
	t.Helper()
	defer frame.Close()
	return m.Update(context.Background(), frame, doTrack)
}

func TestNewManager(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := NewManager(DefaultParams(), nil, &BrightnessClassifier{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewManager(DefaultParams(), &FakeProposer{}, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	params := DefaultParams()
	params.SVMThreshold = 2
	_, err = NewManager(params, &FakeProposer{}, &BrightnessClassifier{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "svm threshold")

	m, err := NewManager(DefaultParams(), &FakeProposer{}, &BrightnessClassifier{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Tracks(), test.ShouldBeEmpty)
	test.That(t, m.Close(), test.ShouldBeNil)
}

func TestTrackConfirmation(t *testing.T) {
	sign := image.Rect(20, 20, 40, 40)
	params := DefaultParams()
	params.HangoverFrames = 2
	params.MaxAgePreConfirmation = 5
	fp := &FakeProposer{res: [][]image.Rectangle{{sign}, {sign}, {sign}}}
	m := newTestManager(t, params, fp)

	// seen once, then twice: still tentative
	for i := 1; i <= 2; i++ {
		out := update(t, m, newFrame(100, 100, paint{sign, 200}), true)
		test.That(t, out, test.ShouldBeEmpty)
		tracks := m.Tracks()
		test.That(t, len(tracks), test.ShouldEqual, 1)
		test.That(t, tracks[0].TimesSeen, test.ShouldEqual, i)
		test.That(t, tracks[0].Age, test.ShouldEqual, 0)
		test.That(t, len(m.TentativeTracks()), test.ShouldEqual, 1)
	}

	out := update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, out[0].Region, test.ShouldResemble, sign)
	test.That(t, out[0].TrackID, test.ShouldEqual, 1)
	test.That(t, out[0].Confidence, test.ShouldAlmostEqual, 200.0/255)
	test.That(t, m.Tracks()[0].TimesSeen, test.ShouldEqual, 3)
	test.That(t, len(m.NewlyConfirmed()), test.ShouldEqual, 1)

	// no more proposals, the visual tracker and the classifier keep the track alive
	out = update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, m.Tracks()[0].TimesSeen, test.ShouldEqual, 4)
	test.That(t, m.NewlyConfirmed(), test.ShouldBeEmpty)
	test.That(t, m.RawProposals(), test.ShouldBeEmpty)
}

func TestAgingAfterConfirmation(t *testing.T) {
	sign := image.Rect(20, 20, 40, 40)
	params := DefaultParams()
	params.HangoverFrames = 0
	params.MaxAgePostConfirmation = 2
	fp := &FakeProposer{res: [][]image.Rectangle{{sign}}}
	m := newTestManager(t, params, fp)

	out := update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, len(m.NewlyConfirmed()), test.ShouldEqual, 1)

	// the sign disappears: the classifier rejects the tracked region
	for age := 1; age <= 2; age++ {
		out = update(t, m, newFrame(100, 100), true)
		test.That(t, len(out), test.ShouldEqual, 1)
		test.That(t, m.Tracks()[0].Age, test.ShouldEqual, age)
		test.That(t, m.Tracks()[0].Region, test.ShouldResemble, sign)
	}
	out = update(t, m, newFrame(100, 100), true)
	test.That(t, out, test.ShouldBeEmpty)
	test.That(t, m.Tracks(), test.ShouldBeEmpty)
}

func TestAgingBeforeConfirmation(t *testing.T) {
	sign := image.Rect(20, 20, 40, 40)
	params := DefaultParams()
	params.HangoverFrames = 2
	params.MaxAgePreConfirmation = 1
	params.MaxAgePostConfirmation = 10
	fp := &FakeProposer{res: [][]image.Rectangle{{sign}}}
	m := newTestManager(t, params, fp)

	update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	update(t, m, newFrame(100, 100), true)
	test.That(t, len(m.Tracks()), test.ShouldEqual, 1)
	test.That(t, m.Tracks()[0].Age, test.ShouldEqual, 1)

	update(t, m, newFrame(100, 100), true)
	test.That(t, m.Tracks(), test.ShouldBeEmpty)
}

func TestLostTrackIsDroppedImmediately(t *testing.T) {
	sign := image.Rect(20, 20, 40, 40)
	params := DefaultParams()
	params.HangoverFrames = 0
	fp := &FakeProposer{res: [][]image.Rectangle{{sign}}}
	m := newTestManager(t, params, fp)

	out := update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	test.That(t, len(out), test.ShouldEqual, 1)

	m.trackRegion = lostRegion
	out = update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	test.That(t, out, test.ShouldBeEmpty)
	test.That(t, m.Tracks(), test.ShouldBeEmpty)
	test.That(t, m.prevGray.Empty(), test.ShouldBeTrue)
}

func TestAssociation(t *testing.T) {
	params := DefaultParams()
	params.SVMThreshold = 0.3
	first := image.Rect(0, 0, 10, 10)
	shifted := image.Rect(2, 2, 12, 12)
	apart := image.Rect(4, 4, 14, 14)

	t.Run("merge replaces a weaker track", func(t *testing.T) {
		fp := &FakeProposer{res: [][]image.Rectangle{{first}, {shifted}}}
		m := newTestManager(t, params, fp)
		update(t, m, newFrame(100, 100, paint{first, 100}), true)
		update(t, m, newFrame(100, 100, paint{first, 100}, paint{shifted, 250}), true)

		tracks := m.Tracks()
		test.That(t, len(tracks), test.ShouldEqual, 1)
		test.That(t, tracks[0].ID, test.ShouldEqual, 1)
		test.That(t, tracks[0].Region, test.ShouldResemble, shifted)
		test.That(t, tracks[0].Confidence, test.ShouldAlmostEqual, 250.0/255)
		test.That(t, tracks[0].TimesSeen, test.ShouldEqual, 2)
	})

	t.Run("merge keeps a stronger track", func(t *testing.T) {
		fp := &FakeProposer{res: [][]image.Rectangle{{first}, {shifted}}}
		m := newTestManager(t, params, fp)
		update(t, m, newFrame(100, 100, paint{first, 250}), true)
		update(t, m, newFrame(100, 100, paint{shifted, 100}, paint{image.Rect(0, 0, 2, 2), 250}), true)

		tracks := m.Tracks()
		test.That(t, len(tracks), test.ShouldEqual, 1)
		test.That(t, tracks[0].Region, test.ShouldResemble, first)
		test.That(t, tracks[0].Confidence, test.ShouldAlmostEqual, 250.0/255)
	})

	t.Run("merge resets the age of a rejected track", func(t *testing.T) {
		fp := &FakeProposer{res: [][]image.Rectangle{{first}, {shifted}}}
		m := newTestManager(t, params, fp)
		update(t, m, newFrame(100, 100, paint{first, 250}), true)
		// the tracked region now starts on a black pixel and is rejected
		update(t, m, newFrame(100, 100, paint{shifted, 100}), true)

		tracks := m.Tracks()
		test.That(t, len(tracks), test.ShouldEqual, 1)
		test.That(t, tracks[0].Age, test.ShouldEqual, 0)
		test.That(t, tracks[0].TimesSeen, test.ShouldEqual, 2)
	})

	t.Run("apart detection spawns a track", func(t *testing.T) {
		fp := &FakeProposer{res: [][]image.Rectangle{{first}, {apart}}}
		m := newTestManager(t, params, fp)
		update(t, m, newFrame(100, 100, paint{first, 100}), true)
		update(t, m, newFrame(100, 100, paint{first, 100}, paint{apart, 250}), true)

		tracks := m.Tracks()
		test.That(t, len(tracks), test.ShouldEqual, 2)
		test.That(t, tracks[1].ID, test.ShouldEqual, 2)
		test.That(t, tracks[1].Region, test.ShouldResemble, apart)
		test.That(t, tracks[1].TimesSeen, test.ShouldEqual, 1)
	})

	t.Run("a detection satisfies one track", func(t *testing.T) {
		twin := image.Rect(1, 1, 11, 11)
		fp := &FakeProposer{res: [][]image.Rectangle{{first, image.Rect(50, 50, 60, 60)}, {twin}}}
		m := newTestManager(t, params, fp)
		update(t, m, newFrame(100, 100, paint{first, 100}, paint{image.Rect(50, 50, 60, 60), 100}), true)
		m.tracks[1].region = image.Rect(0, 0, 10, 10)
		update(t, m, newFrame(100, 100, paint{twin, 200}), true)

		tracks := m.Tracks()
		test.That(t, len(tracks), test.ShouldEqual, 2)
		test.That(t, tracks[0].Region, test.ShouldResemble, twin)
		test.That(t, tracks[0].Age, test.ShouldEqual, 0)
		test.That(t, tracks[1].Region, test.ShouldResemble, first)
		test.That(t, tracks[1].Age, test.ShouldEqual, 1)
	})
}

func TestStatelessDetection(t *testing.T) {
	weak := image.Rect(0, 0, 10, 10)
	strong := image.Rect(20, 20, 30, 30)
	medium := image.Rect(40, 40, 50, 50)
	empty := image.Rect(60, 60, 70, 70)
	fp := &FakeProposer{res: [][]image.Rectangle{{weak, medium, empty, strong}}}
	m := newTestManager(t, DefaultParams(), fp)

	frame := newFrame(100, 100, paint{weak, 100}, paint{strong, 250}, paint{medium, 200})
	out := update(t, m, frame, false)
	test.That(t, out, test.ShouldResemble, []DetectionInfo{
		{Region: strong, Confidence: 250.0 / 255},
		{Region: medium, Confidence: 200.0 / 255},
	})
	test.That(t, m.Tracks(), test.ShouldBeEmpty)
	test.That(t, m.prevGray.Empty(), test.ShouldBeTrue)
	test.That(t, m.RawProposals(), test.ShouldResemble, []image.Rectangle{weak, medium, empty, strong})

	test.That(t, len(fp.opts), test.ShouldEqual, 1)
	test.That(t, fp.opts[0], test.ShouldResemble, ProposeOptions{
		ScaleFactor: 1.1,
		MinSize:     image.Pt(20, 20),
		MaxSize:     image.Pt(160, 160),
		Group:       true,
	})
}

func TestOutputSortedByConfidence(t *testing.T) {
	a := image.Rect(0, 0, 10, 10)
	b := image.Rect(50, 50, 60, 60)
	params := DefaultParams()
	params.HangoverFrames = 0
	fp := &FakeProposer{res: [][]image.Rectangle{{a, b}}}
	m := newTestManager(t, params, fp)

	out := update(t, m, newFrame(100, 100, paint{a, 150}, paint{b, 250}), true)
	test.That(t, len(out), test.ShouldEqual, 2)
	test.That(t, out[0].Region, test.ShouldResemble, b)
	test.That(t, out[0].TrackID, test.ShouldEqual, 2)
	test.That(t, out[1].Region, test.ShouldResemble, a)
	test.That(t, out[1].TrackID, test.ShouldEqual, 1)
}

func TestRefineDetections(t *testing.T) {
	sign := image.Rect(30, 30, 60, 60)
	proposal := image.Rect(32, 32, 58, 58)
	params := DefaultParams()
	params.HangoverFrames = 0
	params.RefineDetections = true
	fp := &FakeProposer{
		res: [][]image.Rectangle{{proposal}},
		// in search window coordinates, the window starting at (26, 26)
		refineRes: []image.Rectangle{image.Rect(0, 0, 10, 10), image.Rect(4, 4, 34, 34)},
	}
	m := newTestManager(t, params, fp)

	out := update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, out[0].Region, test.ShouldResemble, sign)
	test.That(t, out[0].Confidence, test.ShouldAlmostEqual, 200.0/255)

	test.That(t, len(fp.opts), test.ShouldEqual, 2)
	test.That(t, fp.opts[1], test.ShouldResemble, ProposeOptions{
		ScaleFactor: 1.02,
		MinSize:     image.Pt(26, 26),
		MaxSize:     image.Pt(38, 38),
	})
}

func TestRefineWithoutImprovement(t *testing.T) {
	sign := image.Rect(30, 30, 60, 60)
	params := DefaultParams()
	params.HangoverFrames = 0
	params.RefineDetections = true
	fp := &FakeProposer{res: [][]image.Rectangle{{sign}}}
	m := newTestManager(t, params, fp)

	out := update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, out[0].Region, test.ShouldResemble, sign)
}

func TestRefineTracks(t *testing.T) {
	sign := image.Rect(30, 30, 60, 60)
	params := DefaultParams()
	params.HangoverFrames = 0
	params.RefineTracks = true
	fp := &FakeProposer{res: [][]image.Rectangle{{sign}}}
	m := newTestManager(t, params, fp)
	update(t, m, newFrame(100, 100, paint{sign, 200}), true)

	// refinement finds nothing: the track ages in place
	update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	test.That(t, m.Tracks()[0].Age, test.ShouldEqual, 1)
	test.That(t, m.Tracks()[0].Region, test.ShouldResemble, sign)

	// search window of a 30x30 region padded by 7 starts at (23, 23)
	fp.refineRes = []image.Rectangle{image.Rect(9, 9, 39, 39)}
	update(t, m, newFrame(100, 100, paint{image.Rect(32, 32, 62, 62), 220}), true)
	tracks := m.Tracks()
	test.That(t, tracks[0].Age, test.ShouldEqual, 0)
	test.That(t, tracks[0].Region, test.ShouldResemble, image.Rect(32, 32, 62, 62))
	test.That(t, tracks[0].Confidence, test.ShouldAlmostEqual, 220.0/255)
}

func TestFrameSizeChangeDropsTracks(t *testing.T) {
	sign := image.Rect(20, 20, 40, 40)
	params := DefaultParams()
	params.HangoverFrames = 0
	fp := &FakeProposer{res: [][]image.Rectangle{{sign}}}
	m := newTestManager(t, params, fp)

	update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	test.That(t, len(m.Tracks()), test.ShouldEqual, 1)
	out := update(t, m, newFrame(80, 60, paint{sign, 200}), true)
	test.That(t, out, test.ShouldBeEmpty)
	test.That(t, m.Tracks(), test.ShouldBeEmpty)
}

func TestCollaboratorErrors(t *testing.T) {
	sign := image.Rect(20, 20, 40, 40)
	params := DefaultParams()
	params.HangoverFrames = 0
	fp := &FakeProposer{res: [][]image.Rectangle{{sign}}}
	bc := &BrightnessClassifier{}
	m, err := NewManager(params, fp, bc, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer m.Close()
	m.trackRegion = stillRegion

	update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	test.That(t, len(m.Tracks()), test.ShouldEqual, 1)

	fp.err = errors.New("no cascade")
	bc.err = errors.New("no model")
	out := update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, m.Tracks()[0].Age, test.ShouldEqual, 1)
	test.That(t, m.RawProposals(), test.ShouldBeEmpty)
}

func TestReset(t *testing.T) {
	sign := image.Rect(20, 20, 40, 40)
	params := DefaultParams()
	params.HangoverFrames = 0
	fp := &FakeProposer{res: [][]image.Rectangle{{sign}, {sign}}}
	m := newTestManager(t, params, fp)

	update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	m.Reset()
	test.That(t, m.Tracks(), test.ShouldBeEmpty)
	test.That(t, m.prevGray.Empty(), test.ShouldBeTrue)

	// a reacquired sign is a new track
	out := update(t, m, newFrame(100, 100, paint{sign, 200}), true)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, out[0].TrackID, test.ShouldEqual, 2)
	test.That(t, m.Tracks()[0].TimesSeen, test.ShouldEqual, 1)
}

func TestEmptyFrame(t *testing.T) {
	fp := &FakeProposer{res: [][]image.Rectangle{{image.Rect(0, 0, 10, 10)}}}
	m := newTestManager(t, DefaultParams(), fp)
	test.That(t, update(t, m, gocv.NewMat(), true), test.ShouldBeEmpty)
	test.That(t, update(t, m, gocv.NewMat(), false), test.ShouldBeEmpty)
	test.That(t, fp.opts, test.ShouldBeEmpty)
}
