package detector

import (
	"fmt"
	"image"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"

	"github.com/viam-modules/sign-tracking/fusion"
	"github.com/viam-modules/sign-tracking/preprocess"
)

// DefaultForegroundLabel is the classifier label of a sign.
const DefaultForegroundLabel = "sign"

// Size is a width and height in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s *Size) point(def image.Point) image.Point {
	if s == nil {
		return def
	}
	return image.Pt(s.Width, s.Height)
}

// Factors are relative width and height.
type Factors struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Config holds the attributes of a sign detection pipeline. The sign-tracker model
// reads the tracking attributes as well, the sign-detector model ignores them.
type Config struct {
	CameraName     string `json:"camera_name"`
	ClassifierName string `json:"classifier_name"`
	// Exactly one of CascadeFile and ProposerName picks the region proposer.
	CascadeFile     string             `json:"cascade_file,omitempty"`
	ProposerName    string             `json:"proposer_name,omitempty"`
	ProposerLabels  map[string]float64 `json:"proposer_labels,omitempty"`
	ForegroundLabel string             `json:"foreground_label,omitempty"`

	SVMThreshold       *float64 `json:"svm_threshold,omitempty"`
	CascadeScaleFactor float64  `json:"cascade_scale_factor,omitempty"`
	MinWinSize         *Size    `json:"min_win_size,omitempty"`
	MaxWinSizeFactor   int      `json:"max_win_size_factor,omitempty"`
	HOGWinSize         *Size    `json:"hog_win_size,omitempty"`
	RefineDetections   bool     `json:"refine_detections,omitempty"`
	RefineScale        float64  `json:"refine_scale,omitempty"`
	RefineStep         float64  `json:"refine_step,omitempty"`

	ScalingFactor   float64  `json:"scaling_factor,omitempty"`
	Flip            bool     `json:"flip,omitempty"`
	Transpose       bool     `json:"transpose,omitempty"`
	CroppingFactors *Factors `json:"cropping_factors,omitempty"`

	// tracking
	Track                  *bool    `json:"track,omitempty"`
	HangoverFrames         *int     `json:"hangover_frames,omitempty"`
	MaxAgePreConfirmation  *int     `json:"max_age_pre_confirmation,omitempty"`
	MaxAgePostConfirmation *int     `json:"max_age_post_confirmation,omitempty"`
	RefineTracks           bool     `json:"refine_tracks,omitempty"`
	MaxFrequency           float64  `json:"max_frequency_hz,omitempty"`
	TriggerCoolDown        *float64 `json:"trigger_cool_down_s,omitempty"`
}

// Validate validates the config and returns the camera, classifier and proposer
// services it depends on.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.ClassifierName == "" {
		return nil, fmt.Errorf(`expected "classifier_name" attribute for sign detector %q`, path)
	}
	if (cfg.CascadeFile == "") == (cfg.ProposerName == "") {
		return nil, fmt.Errorf(`expected exactly one of "cascade_file" and "proposer_name" attributes for sign detector %q`, path)
	}
	if cfg.MaxFrequency < 0 {
		return nil, errors.New("frequency(Hz) must be a positive number")
	}
	if cfg.TriggerCoolDown != nil && *cfg.TriggerCoolDown < 0 {
		return nil, errors.New("trigger_cool_down_s is a duration given in seconds and should be above 0")
	}
	if _, err := cfg.Params(); err != nil {
		return nil, err
	}
	if err := cfg.Preprocess().Validate(); err != nil {
		return nil, err
	}

	deps := []string{cfg.ClassifierName}
	if cfg.ProposerName != "" {
		deps = append(deps, cfg.ProposerName)
	}
	if cfg.CameraName != "" {
		deps = append(deps, cfg.CameraName)
	}
	return deps, nil
}

// Params returns the tracking parameters, with defaults for every attribute left out.
func (cfg *Config) Params() (fusion.Params, error) {
	p := fusion.DefaultParams()
	if cfg.SVMThreshold != nil {
		p.SVMThreshold = *cfg.SVMThreshold
	}
	if cfg.CascadeScaleFactor != 0 {
		p.CascadeScaleFactor = cfg.CascadeScaleFactor
	}
	p.MinWin = cfg.MinWinSize.point(p.MinWin)
	if cfg.MaxWinSizeFactor != 0 {
		p.MaxWinSizeFactor = cfg.MaxWinSizeFactor
	}
	p.HOGWinSize = cfg.HOGWinSize.point(p.HOGWinSize)
	if cfg.HangoverFrames != nil {
		p.HangoverFrames = *cfg.HangoverFrames
	}
	if cfg.MaxAgePreConfirmation != nil {
		p.MaxAgePreConfirmation = *cfg.MaxAgePreConfirmation
	}
	if cfg.MaxAgePostConfirmation != nil {
		p.MaxAgePostConfirmation = *cfg.MaxAgePostConfirmation
	}
	p.RefineDetections = cfg.RefineDetections
	p.RefineTracks = cfg.RefineTracks
	if cfg.RefineScale != 0 {
		p.RefineScale = cfg.RefineScale
	}
	if cfg.RefineStep != 0 {
		p.RefineStep = cfg.RefineStep
	}
	if err := p.Validate(); err != nil {
		return fusion.Params{}, err
	}
	return p, nil
}

// Preprocess returns the frame preprocessing steps.
func (cfg *Config) Preprocess() preprocess.Config {
	pc := preprocess.Config{
		ScalingFactor: cfg.ScalingFactor,
		Flip:          cfg.Flip,
		Transpose:     cfg.Transpose,
	}
	if cfg.CroppingFactors != nil {
		pc.CropWidth = cfg.CroppingFactors.Width
		pc.CropHeight = cfg.CroppingFactors.Height
	}
	return pc
}

// Tracking reports whether detections should be followed over time.
func (cfg *Config) Tracking() bool {
	return cfg.Track == nil || *cfg.Track
}

func (cfg *Config) foregroundLabel() string {
	if cfg.ForegroundLabel == "" {
		return DefaultForegroundLabel
	}
	return cfg.ForegroundLabel
}

// Collaborators are the proposer and classifier a Manager is built from.
type Collaborators struct {
	Proposer   fusion.Proposer
	Classifier fusion.Classifier
	Label      string
	cascade    *CascadeProposer
}

// NewCollaborators builds the proposer and classifier the config names.
func NewCollaborators(deps resource.Dependencies, cfg *Config, logger logging.Logger) (*Collaborators, error) {
	label := cfg.foregroundLabel()
	classifierSvc, err := vision.FromDependencies(deps, cfg.ClassifierName)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get classifier %v for sign detector", cfg.ClassifierName)
	}
	c := &Collaborators{
		Classifier: NewVisionClassifier(classifierSvc, label),
		Label:      label,
	}
	if cfg.CascadeFile != "" {
		c.cascade, err = NewCascadeProposer(cfg.CascadeFile)
		if err != nil {
			return nil, err
		}
		logger.Debugf("proposing regions with cascade %s", cfg.CascadeFile)
		c.Proposer = c.cascade
		return c, nil
	}
	proposerSvc, err := vision.FromDependencies(deps, cfg.ProposerName)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get proposer %v for sign detector", cfg.ProposerName)
	}
	c.Proposer = NewVisionProposer(proposerSvc, cfg.ProposerLabels)
	return c, nil
}

// NewManager returns a Manager over the collaborators.
func (c *Collaborators) NewManager(params fusion.Params, logger logging.Logger) (*fusion.Manager, error) {
	return fusion.NewManager(params, c.Proposer, c.Classifier, logger)
}

// Close releases the cascade, if any.
func (c *Collaborators) Close() error {
	if c.cascade == nil {
		return nil
	}
	return c.cascade.Close()
}
