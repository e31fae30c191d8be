// Package tracker implements a sign tracker as a Viam vision service
package tracker

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/gostream"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	vis "go.viam.com/rdk/vision"
	"go.viam.com/rdk/vision/classification"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/sign-tracking/detector"
	"github.com/viam-modules/sign-tracking/fusion"
	"github.com/viam-modules/sign-tracking/preprocess"
)

// ModelName is the name of the model
const (
	ModelName            = "sign-tracker"
	NewSignDetectedLabel = "new-sign-detected"
)

var (
	// Model is the colon-delimited-triplet of the model (viam:vision:sign-tracker)
	Model                  = resource.NewModel("viam", "vision", ModelName)
	errUnimplemented       = errors.New("unimplemented")
	DefaultMaxFrequency    = 10.0
	DefaultTriggerCoolDown = 5.0
)

type allObjects struct {
	mutex   sync.RWMutex
	objects []trackedObject
}

type currentDetections struct {
	mutex      sync.RWMutex
	detections []objdet.Detection
}

// debugState is what the run loop last saw, for DoCommand.
type debugState struct {
	mutex     sync.RWMutex
	tracks    []fusion.Track
	proposals []image.Rectangle
	timeStats []time.Duration
}

// maxTimeStats is how many per-frame durations the benchmark keeps.
const maxTimeStats = 1000

// record appends the duration of a frame, dropping the oldest beyond maxTimeStats.
func (d *debugState) record(took time.Duration) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if len(d.timeStats) >= maxTimeStats {
		d.timeStats = append(d.timeStats[:0], d.timeStats[len(d.timeStats)-maxTimeStats+1:]...)
	}
	d.timeStats = append(d.timeStats, took)
}

func init() {
	resource.RegisterService(vision.API, Model, resource.Registration[vision.Service, *detector.Config]{
		Constructor: newTracker,
	})
}

type myTracker struct {
	resource.Named
	resource.AlwaysRebuild
	logger        logging.Logger
	cancelFunc    context.CancelFunc
	cancelContext context.Context

	triggerCancelFunc context.CancelFunc
	triggerContext    context.Context

	activeBackgroundWorkers sync.WaitGroup
	currDetections          currentDetections
	currImg                 atomic.Pointer[image.Image]
	debug                   debugState

	allFreshObjects allObjects

	newInstance atomic.Bool
	coolDown    float64
	properties  vision.Properties

	cam        camera.Camera
	camName    string
	collabs    *detector.Collaborators
	manager    *fusion.Manager
	preprocess preprocess.Config
	doTrack    bool
	frequency  float64
}

func newTracker(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (vision.Service, error) {
	t := &myTracker{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		properties: vision.Properties{
			ClassificationSupported: true,
			DetectionSupported:      true,
			ObjectPCDsSupported:     false,
		},
		allFreshObjects: allObjects{
			objects: []trackedObject{},
		},
	}

	cancelableCtx, cancel := context.WithCancel(context.Background())
	t.cancelFunc = cancel
	t.cancelContext = cancelableCtx

	if err := t.configure(deps, conf); err != nil {
		t.cancelFunc()
		t.release()
		return nil, err
	}

	stream, err := t.cam.Stream(t.cancelContext, nil)
	if err != nil {
		t.cancelFunc()
		t.release()
		return nil, err
	}

	t.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		t.run(stream, t.cancelContext)
	}, func() {
		t.cancelFunc()
		stream.Close(context.Background())
		t.release()
		t.activeBackgroundWorkers.Done()
	})

	return t, nil
}

// configure reads the native config and builds the collaborators and the manager.
func (t *myTracker) configure(deps resource.Dependencies, conf resource.Config) error {
	trackerConfig, err := resource.NativeConfig[*detector.Config](conf)
	if err != nil {
		return errors.Errorf("Could not assert proper config for %s", ModelName)
	}
	if trackerConfig.CameraName == "" {
		return errors.Errorf(`expected "camera_name" attribute for sign tracker %q`, conf.ResourceName().ShortName())
	}

	t.frequency = trackerConfig.MaxFrequency
	if t.frequency == 0 {
		t.frequency = DefaultMaxFrequency
	}
	if trackerConfig.TriggerCoolDown != nil {
		t.coolDown = *trackerConfig.TriggerCoolDown
	} else {
		t.coolDown = DefaultTriggerCoolDown
	}
	t.doTrack = trackerConfig.Tracking()
	t.preprocess = trackerConfig.Preprocess()

	params, err := trackerConfig.Params()
	if err != nil {
		return err
	}
	t.camName = trackerConfig.CameraName
	t.cam, err = camera.FromDependencies(deps, trackerConfig.CameraName)
	if err != nil {
		return errors.Wrapf(err, "unable to get camera %v for sign tracker", trackerConfig.CameraName)
	}
	t.collabs, err = detector.NewCollaborators(deps, trackerConfig, t.logger)
	if err != nil {
		return err
	}
	t.manager, err = t.collabs.NewManager(params, t.logger)
	return err
}

// release frees what the manager and the collaborators hold. It runs once the run
// loop, their only user, is done.
func (t *myTracker) release() {
	if t.manager != nil {
		t.manager.Close()
	}
	if t.collabs != nil {
		t.collabs.Close()
	}
}

// run is a (cancelable) infinite loop that feeds camera frames to the manager, at most
// frequency times per second.
func (t *myTracker) run(stream gostream.VideoStream, cancelableCtx context.Context) {
	for {
		select {
		case <-cancelableCtx.Done():
			return
		default:
			start := time.Now()
			img, _, err := stream.Next(cancelableCtx)
			if err != nil {
				t.logger.Errorf("can't get image. got err: %s", err)
				continue
			}
			if img == nil {
				t.logger.Errorf("got nil image")
				continue
			}
			if err := t.processFrame(cancelableCtx, img); err != nil {
				t.logger.Errorf("can't process image. got err: %s", err)
				continue
			}

			took := time.Since(start)
			t.debug.record(took)
			waitFor := time.Duration((1/t.frequency)*float64(time.Second)) - took
			if waitFor > time.Microsecond {
				select {
				case <-cancelableCtx.Done():
					return
				case <-time.After(waitFor):
				}
			}
		}
	}
}

// processFrame runs one manager update on img and publishes its results.
func (t *myTracker) processFrame(ctx context.Context, img image.Image) error {
	frame, err := preprocess.FromImage(img)
	if err != nil {
		return err
	}
	defer frame.Close()
	prepared, err := t.preprocess.Apply(frame)
	if err != nil {
		return err
	}
	defer prepared.Close()

	dets := t.manager.Update(ctx, prepared, t.doTrack)
	bounds := img.Bounds()
	toSource := func(r image.Rectangle) image.Rectangle {
		return t.preprocess.ToSource(r, bounds.Size()).Add(bounds.Min)
	}

	if newlyConfirmed := t.manager.NewlyConfirmed(); len(newlyConfirmed) > 0 {
		//trigger classification and schedule "untrigger"
		t.trigger()

		t.allFreshObjects.mutex.Lock()
		for _, det := range newlyConfirmed {
			to := newTrackedObject(t.collabs.Label, det.TrackID)
			t.logger.Infof("new sign %s at %v", to.FullLabel, toSource(det.Region))
			t.allFreshObjects.objects = append(t.allFreshObjects.objects, to)
		}
		t.allFreshObjects.mutex.Unlock()
	}

	detections := detector.ToDetections(dets, t.collabs.Label, toSource)
	t.currDetections.mutex.Lock()
	t.currDetections.detections = detections
	t.currDetections.mutex.Unlock()
	t.currImg.Store(&img)

	t.debug.mutex.Lock()
	t.debug.tracks = t.manager.Tracks()
	for i := range t.debug.tracks {
		t.debug.tracks[i].Region = toSource(t.debug.tracks[i].Region)
	}
	t.debug.proposals = t.manager.RawProposals()
	for i := range t.debug.proposals {
		t.debug.proposals[i] = toSource(t.debug.proposals[i])
	}
	t.debug.mutex.Unlock()
	return nil
}

func (t *myTracker) trigger() {
	if t.triggerCancelFunc != nil {
		t.triggerCancelFunc()
	}
	triggerContext, triggerCancelFunc := context.WithCancel(t.cancelContext)
	t.triggerContext = triggerContext
	t.triggerCancelFunc = triggerCancelFunc

	t.newInstance.Store(true)
	t.activeBackgroundWorkers.Add(1)

	viamutils.ManagedGo(
		func() {
			coolDownTimer := time.After(time.Duration(t.coolDown * float64(time.Second)))
			select {
			case <-coolDownTimer:
				t.newInstance.Store(false)
				return
			case <-triggerContext.Done():
				return
			}
		},
		func() {
			t.activeBackgroundWorkers.Done()
		})
}

func (t *myTracker) latestDetections() []objdet.Detection {
	t.currDetections.mutex.RLock()
	defer t.currDetections.mutex.RUnlock()
	return t.currDetections.detections
}

func (t *myTracker) classifications() classification.Classifications {
	if newInstance := t.newInstance.Load(); newInstance {
		return []classification.Classification{classification.NewClassification(1, NewSignDetectedLabel)}
	}
	return []classification.Classification{}
}

func (t *myTracker) DetectionsFromCamera(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]objdet.Detection, error) {
	if cameraName != t.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, t.camName)
	}
	return t.Detections(ctx, nil, extra)
}

// Detections returns the signs found in the latest camera frame. The image argument is
// ignored: the tracker only follows its own camera.
func (t *myTracker) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	select {
	case <-t.cancelContext.Done():
		return nil, t.cancelContext.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return t.latestDetections(), nil
	}
}

func (t *myTracker) ClassificationsFromCamera(
	ctx context.Context,
	cameraName string,
	n int,
	extra map[string]interface{},
) (classification.Classifications, error) {
	if cameraName != t.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, t.camName)
	}
	return t.classifications(), nil
}

func (t *myTracker) Classifications(ctx context.Context, img image.Image,
	n int, extra map[string]interface{},
) (classification.Classifications, error) {
	return t.classifications(), nil
}

func (t *myTracker) GetProperties(ctx context.Context, extra map[string]interface{}) (*vision.Properties, error) {
	return &t.properties, nil
}

func (t *myTracker) GetObjectPointClouds(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]*vis.Object, error) {
	return nil, errUnimplemented
}

func (t *myTracker) CaptureAllFromCamera(
	ctx context.Context,
	cameraName string,
	opt viscapture.CaptureOptions,
	extra map[string]interface{},
) (viscapture.VisCapture, error) {
	var detections []objdet.Detection
	var classifications []classification.Classification
	var img image.Image
	select {
	case <-t.cancelContext.Done():
		return viscapture.VisCapture{}, t.cancelContext.Err()
	case <-ctx.Done():
		return viscapture.VisCapture{}, ctx.Err()
	default:
		if opt.ReturnImage {
			if cameraName != t.camName {
				return viscapture.VisCapture{}, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, t.camName)
			}
			if curr := t.currImg.Load(); curr != nil {
				img = *curr
			}
		}
		if opt.ReturnDetections {
			detections = t.latestDetections()
		}
		if opt.ReturnClassifications {
			classifications = t.classifications()
		}
	}
	return viscapture.VisCapture{Image: img, Detections: detections, Classifications: classifications}, nil
}

func (t *myTracker) Close(ctx context.Context) error {
	t.cancelFunc()
	t.activeBackgroundWorkers.Wait()
	return nil
}
