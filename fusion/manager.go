package fusion

import (
	"context"
	"image"
	"slices"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"gocv.io/x/gocv"

	"github.com/viam-modules/sign-tracking/medianflow"
)

// Manager owns the tracks of a single video stream. It is not safe for concurrent use:
// every Update reads the tracks and the grayscale frame the previous Update left behind,
// so calls must be serialized by the caller.
type Manager struct {
	params     Params
	proposer   Proposer
	classifier Classifier
	logger     logging.Logger

	// trackRegion follows a region from one grayscale frame to the next.
	trackRegion func(region image.Rectangle, prev, curr gocv.Mat) image.Rectangle

	tracks         []*track
	prevGray       gocv.Mat
	nextID         int
	rawProposals   []image.Rectangle
	newlyConfirmed []DetectionInfo
}

// NewManager returns a Manager with no tracks.
func NewManager(params Params, proposer Proposer, classifier Classifier, logger logging.Logger) (*Manager, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tracking parameters")
	}
	if proposer == nil {
		return nil, errors.New("a region proposer is required")
	}
	if classifier == nil {
		return nil, errors.New("a patch classifier is required")
	}
	return &Manager{
		params:      params,
		proposer:    proposer,
		classifier:  classifier,
		logger:      logger,
		trackRegion: medianflow.Track,
		prevGray:    gocv.NewMat(),
	}, nil
}

// Params returns the parameters the manager was built with.
func (m *Manager) Params() Params {
	return m.params
}

// Update processes the next frame of the stream and returns the detections to report,
// by descending confidence. With doTrack false every verified proposal of the frame is
// returned and the tracks are left untouched. Otherwise the result holds the confirmed
// tracks.
func (m *Manager) Update(ctx context.Context, frame gocv.Mat, doTrack bool) []DetectionInfo {
	m.newlyConfirmed = nil
	if frame.Empty() {
		m.logger.Warn("skipping empty frame")
		if !doTrack {
			return []DetectionInfo{}
		}
		return getConfirmedDetections(m.tracks, m.params.HangoverFrames)
	}
	if !doTrack {
		dets := m.proposeAndVerify(ctx, frame)
		sortByConfidence(dets)
		return dets
	}

	currGray := gocv.NewMat()
	if len(m.tracks) > 0 {
		toGray(frame, &currGray)
		m.continueTracks(ctx, frame, currGray)
	}

	newDets := m.proposeAndVerify(ctx, frame)
	if m.params.RefineDetections {
		newDets = m.refineAll(ctx, frame, newDets)
	}
	newDets = m.associate(newDets)
	m.age()
	m.spawn(newDets)
	out := getConfirmedDetections(m.tracks, m.params.HangoverFrames)

	m.prevGray.Close()
	if len(m.tracks) == 0 {
		currGray.Close()
		m.prevGray = gocv.NewMat()
		return out
	}
	if currGray.Empty() {
		toGray(frame, &currGray)
	}
	m.prevGray = currGray
	return out
}

// continueTracks follows every track into the current frame and re-verifies it there.
// Tracks the visual tracker loses are dropped immediately.
func (m *Manager) continueTracks(ctx context.Context, frame, currGray gocv.Mat) {
	if m.prevGray.Rows() != currGray.Rows() || m.prevGray.Cols() != currGray.Cols() {
		m.logger.Debugf("frame size changed from %dx%d to %dx%d, dropping %d tracks",
			m.prevGray.Cols(), m.prevGray.Rows(), currGray.Cols(), currGray.Rows(), len(m.tracks))
		m.tracks = nil
		return
	}

	kept := m.tracks[:0]
	for _, tr := range m.tracks {
		region := m.trackRegion(tr.region, m.prevGray, currGray)
		if region.Empty() {
			m.logger.Debugf("lost track %d at %v", tr.id, tr.region)
			continue
		}
		var conf float64
		var ok bool
		if m.params.RefineTracks {
			region, conf = m.refine(ctx, frame, region)
			ok = conf > 0
		} else {
			conf, ok = m.verify(ctx, frame, region)
		}
		if ok {
			tr.confirm(region, conf)
		} else {
			tr.age++
		}
		kept = append(kept, tr)
	}
	clear(m.tracks[len(kept):])
	m.tracks = kept
}

// proposeAndVerify returns the proposals of the frame that the classifier accepts.
func (m *Manager) proposeAndVerify(ctx context.Context, frame gocv.Mat) []DetectionInfo {
	opts := ProposeOptions{
		ScaleFactor: m.params.CascadeScaleFactor,
		MinSize:     m.params.MinWin,
		MaxSize:     m.params.MaxWin(),
		Group:       true,
	}
	rois, err := m.proposer.Propose(ctx, frame, opts)
	if err != nil {
		m.logger.Warnf("cannot propose regions: %v", err)
		rois = nil
	}
	m.rawProposals = rois

	dets := make([]DetectionInfo, 0, len(rois))
	for _, roi := range rois {
		if conf, ok := m.verify(ctx, frame, roi); ok {
			dets = append(dets, DetectionInfo{Region: roi, Confidence: conf})
		}
	}
	return dets
}

// verify classifies the patch of frame under region. It reports the confidence of the
// prediction and whether it is a foreground prediction above the threshold.
func (m *Manager) verify(ctx context.Context, frame gocv.Mat, region image.Rectangle) (float64, bool) {
	region = region.Intersect(bounds(frame))
	if region.Empty() {
		return 0, false
	}
	roi := frame.Region(region)
	defer roi.Close()
	patch := gocv.NewMat()
	defer patch.Close()
	gocv.Resize(roi, &patch, m.params.HOGWinSize, 0, 0, gocv.InterpolationLinear)

	pred, err := m.classifier.Classify(ctx, patch)
	if err != nil {
		m.logger.Warnf("cannot classify region %v: %v", region, err)
		return 0, false
	}
	conf := pred.Confidence()
	return conf, pred.Label == Foreground && conf > m.params.SVMThreshold
}

// associate merges detections into the tracks they overlap. Each track claims the first
// overlapping detection still available, in track order. The unclaimed detections are
// returned.
func (m *Manager) associate(dets []DetectionInfo) []DetectionInfo {
	for _, tr := range m.tracks {
		for i, det := range dets {
			if !Overlaps(tr.region, det.Region) {
				continue
			}
			tr.age = 0
			if det.Confidence > tr.confidence {
				tr.region = det.Region
				tr.confidence = det.Confidence
			}
			dets = slices.Delete(dets, i, i+1)
			break
		}
	}
	return dets
}

// age counts the frame for every track confirmed in it and drops the tracks that went
// unconfirmed for too long.
func (m *Manager) age() {
	hangover := m.params.HangoverFrames
	kept := m.tracks[:0]
	for _, tr := range m.tracks {
		if tr.age == 0 {
			wasConfirmed := tr.isConfirmed(hangover)
			tr.timesSeen++
			if !wasConfirmed && tr.isConfirmed(hangover) {
				m.newlyConfirmed = append(m.newlyConfirmed, tr.info())
			}
		} else if tr.age > tr.maxAge(m.params) {
			m.logger.Debugf("dropping track %d, unconfirmed for %d frames", tr.id, tr.age)
			continue
		}
		kept = append(kept, tr)
	}
	clear(m.tracks[len(kept):])
	m.tracks = kept
}

func (m *Manager) spawn(dets []DetectionInfo) {
	for _, det := range dets {
		m.nextID++
		tr := newTrack(m.nextID, det)
		if tr.isConfirmed(m.params.HangoverFrames) {
			m.newlyConfirmed = append(m.newlyConfirmed, tr.info())
		}
		m.tracks = append(m.tracks, tr)
	}
}

// TentativeTracks returns every active track, confirmed or not.
func (m *Manager) TentativeTracks() []DetectionInfo {
	return getAllDetections(m.tracks)
}

// RawProposals returns the proposals of the last frame, before classification.
func (m *Manager) RawProposals() []image.Rectangle {
	return slices.Clone(m.rawProposals)
}

// Tracks returns a snapshot of the active tracks.
func (m *Manager) Tracks() []Track {
	out := make([]Track, 0, len(m.tracks))
	for _, tr := range m.tracks {
		out = append(out, tr.snapshot())
	}
	return out
}

// NewlyConfirmed returns the tracks that became confirmed during the last Update.
func (m *Manager) NewlyConfirmed() []DetectionInfo {
	return slices.Clone(m.newlyConfirmed)
}

// Reset drops every track and the previous frame. Track ids keep increasing.
func (m *Manager) Reset() {
	m.tracks = nil
	m.rawProposals = nil
	m.newlyConfirmed = nil
	m.prevGray.Close()
	m.prevGray = gocv.NewMat()
}

// Close releases the frame buffer held by the manager.
func (m *Manager) Close() error {
	m.tracks = nil
	return m.prevGray.Close()
}

func toGray(frame gocv.Mat, dst *gocv.Mat) {
	switch frame.Channels() {
	case 1:
		frame.CopyTo(dst)
	case 4:
		gocv.CvtColor(frame, dst, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(frame, dst, gocv.ColorBGRToGray)
	}
}

func bounds(m gocv.Mat) image.Rectangle {
	return image.Rect(0, 0, m.Cols(), m.Rows())
}
