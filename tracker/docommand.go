package tracker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/viam-modules/sign-tracking/fusion"
)

type benchmark struct {
	Slowest      float64
	Fastest      float64
	Average      float64
	StdDev       float64
	NumberOfRuns int
}

func newBenchmark(timeStats []time.Duration) benchmark {
	if len(timeStats) == 0 {
		return benchmark{}
	}
	durations := make([]float64, 0, len(timeStats))
	for _, tt := range timeStats {
		durations = append(durations, float64(tt))
	}
	mean, std := stat.MeanStdDev(durations, nil)
	if len(durations) < 2 {
		std = 0
	}
	return benchmark{
		Slowest:      floats.Max(durations),
		Fastest:      floats.Min(durations),
		Average:      mean,
		StdDev:       std,
		NumberOfRuns: len(durations),
	}
}

// DoCommand reports on the tracker:
//   - "benchmark": slowest, fastest and average time (ns) spent per frame, over the
//     latest maxTimeStats frames
//   - "logs": every sign confirmed so far, with the time of confirmation
//   - "tentative": all active tracks, confirmed or not
//   - "proposals": the raw region proposals of the latest frame, in camera coordinates
//   - "track": the active track with the given label, e.g. "sign_3"
func (t *myTracker) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	t.debug.mutex.RLock()
	defer t.debug.mutex.RUnlock()
	if cmd["benchmark"] != nil {
		out["benchmark"] = newBenchmark(t.debug.timeStats)
	}
	if cmd["logs"] != nil {
		t.allFreshObjects.mutex.RLock()
		out["logs"] = append([]trackedObject{}, t.allFreshObjects.objects...)
		t.allFreshObjects.mutex.RUnlock()
	}
	if cmd["tentative"] != nil {
		out["tentative"] = append([]fusion.Track{}, t.debug.tracks...)
	}
	if cmd["proposals"] != nil {
		out["proposals"] = t.debug.proposals
	}
	if label, ok := cmd["track"]; ok {
		s, ok := label.(string)
		if !ok {
			return nil, errors.Errorf("track label must be a string, got %v", label)
		}
		_, id, err := parseTrackLabel(s)
		if err != nil {
			return nil, err
		}
		for _, tr := range t.debug.tracks {
			if tr.ID == id {
				out["track"] = tr
				return out, nil
			}
		}
		return nil, errors.Errorf("no active track %v", s)
	}
	return out, nil
}
