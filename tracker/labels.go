// Package tracker implements a sign tracker as a Viam vision service.
// This file contains methods that handle the label (or name) of a tracked sign
// Detections of the same track share a label of the format classname_N
// and logged signs carry the time of their confirmation, YYYYMMDD_HHMMSS
package tracker

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/viam-modules/sign-tracking/detector"
)

// GetTimestamp will retrieve and format a timestamp to be YYYYMMDD_HHMMSS
func GetTimestamp() string {
	return time.Now().Format("20060102_150405")
}

type trackedObject struct {
	FullLabel string
	Label     string
	Id        int
	Time      string
}

// newTrackedObject describes the sign followed by the given track, confirmed now.
func newTrackedObject(label string, trackID int) trackedObject {
	return trackedObject{
		FullLabel: detector.TrackLabel(label, trackID),
		Label:     label,
		Id:        trackID,
		Time:      GetTimestamp(),
	}
}

// parseTrackLabel splits a label of the format classname_N into the class name and the
// track id.
func parseTrackLabel(label string) (string, int, error) {
	idx := strings.LastIndex(label, "_")
	if idx < 0 {
		return "", 0, errors.Errorf("label %v has no track id", label)
	}
	id, err := strconv.Atoi(label[idx+1:])
	if err != nil {
		return "", 0, errors.Wrapf(err, "unable to parse label %v", label)
	}
	return label[:idx], id, nil
}
