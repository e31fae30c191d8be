// Package detector implements a stateless sign detector as a Viam vision service
package detector

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	vis "go.viam.com/rdk/vision"
	"go.viam.com/rdk/vision/classification"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"

	"github.com/viam-modules/sign-tracking/fusion"
	"github.com/viam-modules/sign-tracking/preprocess"
)

// ModelName is the name of the model
const ModelName = "sign-detector"

var (
	// Model is the colon-delimited-triplet of the model (viam:vision:sign-detector)
	Model            = resource.NewModel("viam", "vision", ModelName)
	errUnimplemented = errors.New("unimplemented")
)

func init() {
	resource.RegisterService(vision.API, Model, resource.Registration[vision.Service, *Config]{
		Constructor: newDetector,
	})
}

type signDetector struct {
	resource.Named
	resource.AlwaysRebuild
	logger logging.Logger

	// mu serializes the manager, which keeps per-frame state
	mu         sync.Mutex
	manager    *fusion.Manager
	collabs    *Collaborators
	preprocess preprocess.Config
	properties vision.Properties

	cam     camera.Camera
	camName string
}

func newDetector(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (vision.Service, error) {
	detConfig, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, errors.Errorf("Could not assert proper config for %s", ModelName)
	}
	params, err := detConfig.Params()
	if err != nil {
		return nil, err
	}
	collabs, err := NewCollaborators(deps, detConfig, logger)
	if err != nil {
		return nil, err
	}
	manager, err := collabs.NewManager(params, logger)
	if err != nil {
		collabs.Close()
		return nil, err
	}

	d := &signDetector{
		Named:      conf.ResourceName().AsNamed(),
		logger:     logger,
		manager:    manager,
		collabs:    collabs,
		preprocess: detConfig.Preprocess(),
		properties: vision.Properties{
			ClassificationSupported: false,
			DetectionSupported:      true,
			ObjectPCDsSupported:     false,
		},
		camName: detConfig.CameraName,
	}
	if detConfig.CameraName != "" {
		d.cam, err = camera.FromDependencies(deps, detConfig.CameraName)
		if err != nil {
			d.Close(ctx)
			return nil, errors.Wrapf(err, "unable to get camera %v for sign detector", detConfig.CameraName)
		}
	}
	return d, nil
}

// Detect preprocesses img, runs the stateless detection pass on it and returns the
// verified signs in img coordinates.
func Detect(ctx context.Context, m *fusion.Manager, pc preprocess.Config, img image.Image, label string) ([]objdet.Detection, error) {
	frame, err := preprocess.FromImage(img)
	if err != nil {
		return nil, err
	}
	defer frame.Close()
	prepared, err := pc.Apply(frame)
	if err != nil {
		return nil, err
	}
	defer prepared.Close()

	dets := m.Update(ctx, prepared, false)
	src := img.Bounds().Size()
	return ToDetections(dets, label, func(r image.Rectangle) image.Rectangle {
		return pc.ToSource(r, src).Add(img.Bounds().Min)
	}), nil
}

func (d *signDetector) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return Detect(ctx, d.manager, d.preprocess, img, d.collabs.Label)
}

// nextImage pulls a frame from the configured camera.
func (d *signDetector) nextImage(ctx context.Context, cameraName string) (image.Image, error) {
	if d.cam == nil {
		return nil, errors.Errorf("no camera configured for sign detector %v", d.Name().ShortName())
	}
	if cameraName != d.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, d.camName)
	}
	stream, err := d.cam.Stream(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer stream.Close(ctx)
	img, _, err := stream.Next(ctx)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, errors.New("got nil image")
	}
	return img, nil
}

func (d *signDetector) DetectionsFromCamera(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]objdet.Detection, error) {
	img, err := d.nextImage(ctx, cameraName)
	if err != nil {
		return nil, err
	}
	return d.Detections(ctx, img, extra)
}

func (d *signDetector) ClassificationsFromCamera(
	ctx context.Context,
	cameraName string,
	n int,
	extra map[string]interface{},
) (classification.Classifications, error) {
	return nil, errUnimplemented
}

func (d *signDetector) Classifications(ctx context.Context, img image.Image,
	n int, extra map[string]interface{},
) (classification.Classifications, error) {
	return nil, errUnimplemented
}

func (d *signDetector) GetProperties(ctx context.Context, extra map[string]interface{}) (*vision.Properties, error) {
	return &d.properties, nil
}

func (d *signDetector) GetObjectPointClouds(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]*vis.Object, error) {
	return nil, errUnimplemented
}

func (d *signDetector) CaptureAllFromCamera(
	ctx context.Context,
	cameraName string,
	opt viscapture.CaptureOptions,
	extra map[string]interface{},
) (viscapture.VisCapture, error) {
	img, err := d.nextImage(ctx, cameraName)
	if err != nil {
		return viscapture.VisCapture{}, err
	}
	var detections []objdet.Detection
	if opt.ReturnDetections {
		detections, err = d.Detections(ctx, img, extra)
		if err != nil {
			return viscapture.VisCapture{}, err
		}
	}
	if !opt.ReturnImage {
		img = nil
	}
	return viscapture.VisCapture{Image: img, Detections: detections}, nil
}

// DoCommand returns the raw proposals of the last image under "proposals".
func (d *signDetector) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if cmd["proposals"] != nil {
		d.mu.Lock()
		out["proposals"] = d.manager.RawProposals()
		d.mu.Unlock()
	}
	return out, nil
}

func (d *signDetector) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.manager.Close()
	if cerr := d.collabs.Close(); cerr != nil {
		err = cerr
	}
	return err
}
