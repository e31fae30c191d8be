package detector

import (
	"context"
	"image"
	"os"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/viam-modules/sign-tracking/fusion"
)

// groupEps is the relative distance under which grouped proposals are merged.
const groupEps = 0.2

// CascadeProposer proposes regions with a boosted cascade loaded from an OpenCV XML file.
type CascadeProposer struct {
	mu      sync.Mutex
	cascade gocv.CascadeClassifier
}

// NewCascadeProposer loads the cascade stored at path.
func NewCascadeProposer(path string) (*CascadeProposer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "unable to read cascade file %v", path)
	}
	cascade := gocv.NewCascadeClassifier()
	if !cascade.Load(path) {
		cascade.Close()
		return nil, errors.Errorf("unable to load cascade from %v", path)
	}
	return &CascadeProposer{cascade: cascade}, nil
}

// Propose scans the frame at every scale between opts.MinSize and opts.MaxSize. Raw
// hits are kept unless opts.Group asks for clusters of at least two hits to be merged.
func (p *CascadeProposer) Propose(ctx context.Context, frame gocv.Mat, opts fusion.ProposeOptions) ([]image.Rectangle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rects := p.cascade.DetectMultiScaleWithParams(frame, opts.ScaleFactor, 0, 0, opts.MinSize, opts.MaxSize)
	if opts.Group && len(rects) > 0 {
		rects = gocv.GroupRectangles(rects, 1, groupEps)
	}
	return rects, nil
}

// Close releases the cascade.
func (p *CascadeProposer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cascade.Close()
}
