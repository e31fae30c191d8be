package fusion

import (
	"image"
	"sort"
)

// DetectionInfo is a region reported to the caller. TrackID is 0 for detections that do
// not belong to a track.
type DetectionInfo struct {
	Region     image.Rectangle
	Confidence float64
	TrackID    int
}

// Track is a snapshot of an active track.
type Track struct {
	ID         int
	Region     image.Rectangle
	Confidence float64
	Age        int
	TimesSeen  int
}

type track struct {
	id         int
	region     image.Rectangle
	confidence float64
	// age counts consecutive frames without a confirming update.
	age       int
	timesSeen int
}

func newTrack(id int, det DetectionInfo) *track {
	return &track{id: id, region: det.Region, confidence: det.Confidence, timesSeen: 1}
}

// confirm resets the age after a foreground update.
func (tr *track) confirm(region image.Rectangle, confidence float64) {
	tr.region = region
	tr.confidence = confidence
	tr.age = 0
}

func (tr *track) isConfirmed(hangover int) bool {
	return tr.timesSeen > hangover
}

// maxAge is the age limit that applies to the track.
func (tr *track) maxAge(p Params) int {
	if tr.timesSeen < p.HangoverFrames {
		return p.MaxAgePreConfirmation
	}
	return p.MaxAgePostConfirmation
}

func (tr *track) info() DetectionInfo {
	return DetectionInfo{Region: tr.region, Confidence: tr.confidence, TrackID: tr.id}
}

func (tr *track) snapshot() Track {
	return Track{ID: tr.id, Region: tr.region, Confidence: tr.confidence, Age: tr.age, TimesSeen: tr.timesSeen}
}

func getConfirmedDetections(tracks []*track, hangover int) []DetectionInfo {
	dets := make([]DetectionInfo, 0, len(tracks))
	for _, tr := range tracks {
		if tr.isConfirmed(hangover) {
			dets = append(dets, tr.info())
		}
	}
	sortByConfidence(dets)
	return dets
}

func getAllDetections(tracks []*track) []DetectionInfo {
	dets := make([]DetectionInfo, 0, len(tracks))
	for _, tr := range tracks {
		dets = append(dets, tr.info())
	}
	return dets
}

// sortByConfidence orders dets by descending confidence, keeping the order of ties.
func sortByConfidence(dets []DetectionInfo) {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Confidence > dets[j].Confidence })
}
