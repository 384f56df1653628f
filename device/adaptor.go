package device

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nasa-jpl/capseq/camera"
)

// Adaptor holds the devices currently bound to each role and merges their
// events into one sink.  Camera events are forwarded only while the camera is
// connected through ConnectCamera, so frames or errors from an earlier session
// never reach a new one.  The zero value is not usable, use NewAdaptor.
type Adaptor struct {
	mu sync.Mutex

	cam  camera.Camera
	fw   FilterWheel
	rot  Rotator
	mnt  Mount
	dome Dome
	dcap DustCap
	lb   LightBox

	// camOpen gates camera events
	camOpen bool

	sink Notifier
	log  *slog.Logger

	// RestartPolicy builds the backoff used by RestartCamera.
	// nil uses DefaultRestartPolicy.
	RestartPolicy func() backoff.BackOff
}

// DefaultRestartPolicy retries reconnecting for up to a minute
func DefaultRestartPolicy() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      time.Minute,
		Clock:               backoff.SystemClock}
}

// NewAdaptor returns an adaptor with nothing bound.  log may be nil.
func NewAdaptor(log *slog.Logger) *Adaptor {
	if log == nil {
		log = slog.Default()
	}
	return &Adaptor{log: log}
}

// SetSink sets the receiver of all device events.  The sink is called on the
// goroutine of the device reporting the event and must not block.
func (a *Adaptor) SetSink(n Notifier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = n
}

// Deliver forwards an event to the sink.  Devices that do not use
// SetNotifier may call it directly.
func (a *Adaptor) Deliver(e Event) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink != nil {
		sink(e)
	}
}

// deliverFrom forwards an event only if dev is still bound to role
func (a *Adaptor) deliverFrom(role Role, dev interface{}, e Event) {
	a.mu.Lock()
	bound := a.bound(role)
	open := role != RoleCamera || a.camOpen
	sink := a.sink
	a.mu.Unlock()
	if bound != dev || !open {
		return
	}
	if sink != nil {
		sink(e)
	}
}

// bound returns the device bound to role, caller holds mu
func (a *Adaptor) bound(role Role) interface{} {
	switch role {
	case RoleCamera:
		if a.cam != nil {
			return a.cam
		}
	case RoleFilterWheel:
		if a.fw != nil {
			return a.fw
		}
	case RoleRotator:
		if a.rot != nil {
			return a.rot
		}
	case RoleMount:
		if a.mnt != nil {
			return a.mnt
		}
	case RoleDome:
		if a.dome != nil {
			return a.dome
		}
	case RoleDustCap:
		if a.dcap != nil {
			return a.dcap
		}
	case RoleLightBox:
		if a.lb != nil {
			return a.lb
		}
	}
	return nil
}

// Bind makes dev the active device for role, replacing any previous one.
// The previous device is unsubscribed but not disconnected.
func (a *Adaptor) Bind(role Role, dev interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ok bool
	switch role {
	case RoleCamera:
		var c camera.Camera
		if c, ok = dev.(camera.Camera); ok {
			if a.cam != nil {
				a.cam.SetListener(nil)
			}
			a.cam = c
			a.camOpen = false
			c.SetListener(&cameraListener{a: a, cam: c})
		}
	case RoleFilterWheel:
		var d FilterWheel
		if d, ok = dev.(FilterWheel); ok {
			a.swap(a.fw, d, role)
			a.fw = d
		}
	case RoleRotator:
		var d Rotator
		if d, ok = dev.(Rotator); ok {
			a.swap(a.rot, d, role)
			a.rot = d
		}
	case RoleMount:
		var d Mount
		if d, ok = dev.(Mount); ok {
			a.swap(a.mnt, d, role)
			a.mnt = d
		}
	case RoleDome:
		var d Dome
		if d, ok = dev.(Dome); ok {
			a.swap(a.dome, d, role)
			a.dome = d
		}
	case RoleDustCap:
		var d DustCap
		if d, ok = dev.(DustCap); ok {
			a.swap(a.dcap, d, role)
			a.dcap = d
		}
	case RoleLightBox:
		var d LightBox
		if d, ok = dev.(LightBox); ok {
			a.swap(a.lb, d, role)
			a.lb = d
		}
	}
	if !ok {
		return ErrWrongType
	}
	a.log.Debug("device bound", "role", role.String())
	return nil
}

func (a *Adaptor) swap(old, next Notifying, role Role) {
	if old != nil {
		old.SetNotifier(nil)
	}
	next.SetNotifier(func(e Event) { a.deliverFrom(role, next, e) })
}

// Unbind removes the device from role
func (a *Adaptor) Unbind(role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch role {
	case RoleCamera:
		if a.cam != nil {
			a.cam.SetListener(nil)
		}
		a.cam = nil
		a.camOpen = false
	case RoleFilterWheel:
		if a.fw != nil {
			a.fw.SetNotifier(nil)
		}
		a.fw = nil
	case RoleRotator:
		if a.rot != nil {
			a.rot.SetNotifier(nil)
		}
		a.rot = nil
	case RoleMount:
		if a.mnt != nil {
			a.mnt.SetNotifier(nil)
		}
		a.mnt = nil
	case RoleDome:
		if a.dome != nil {
			a.dome.SetNotifier(nil)
		}
		a.dome = nil
	case RoleDustCap:
		if a.dcap != nil {
			a.dcap.SetNotifier(nil)
		}
		a.dcap = nil
	case RoleLightBox:
		if a.lb != nil {
			a.lb.SetNotifier(nil)
		}
		a.lb = nil
	}
}

// Has returns true if a device is bound to role
func (a *Adaptor) Has(role Role) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bound(role) != nil
}

// Camera returns the bound camera, or nil
func (a *Adaptor) Camera() camera.Camera {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cam
}

// ConnectCamera connects the camera driver if needed and starts forwarding its events
func (a *Adaptor) ConnectCamera() error {
	c := a.Camera()
	if c == nil {
		return ErrNoCamera
	}
	if !c.IsConnected() {
		if err := c.Connect(); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.camOpen = a.cam == c
	a.mu.Unlock()
	return nil
}

// DisconnectCamera stops forwarding camera events.  The driver connection
// itself is left up for other clients.
func (a *Adaptor) DisconnectCamera() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.camOpen = false
}

// CameraConnected returns true if camera events are being forwarded
func (a *Adaptor) CameraConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.camOpen
}

// RestartCamera reconnects the camera driver on a separate goroutine,
// retrying with the restart policy, and then delivers KindDriverRestarted
// with the outcome
func (a *Adaptor) RestartCamera() {
	c := a.Camera()
	if c == nil {
		a.Deliver(Event{Kind: KindDriverRestarted, Err: ErrNoCamera})
		return
	}
	policy := a.RestartPolicy
	if policy == nil {
		policy = DefaultRestartPolicy
	}
	a.DisconnectCamera()
	go func() {
		op := func() error {
			if c.IsConnected() {
				if err := c.Disconnect(); err != nil {
					a.log.Warn("camera disconnect during restart failed", "err", err)
				}
			}
			return c.Connect()
		}
		err := backoff.Retry(op, policy())
		if err == nil {
			a.mu.Lock()
			a.camOpen = a.cam == c
			a.mu.Unlock()
		}
		a.Deliver(Event{Kind: KindDriverRestarted, On: err == nil, Err: err})
	}()
}

type cameraListener struct {
	a   *Adaptor
	cam camera.Camera
}

func (l *cameraListener) ExposureProgress(remaining float64, status camera.ExposureStatus) {
	l.a.deliverFrom(RoleCamera, l.cam, Event{Kind: KindExposureProgress, Remaining: remaining, Status: status})
}

func (l *cameraListener) NewImage(img *camera.Image) {
	l.a.deliverFrom(RoleCamera, l.cam, Event{Kind: KindNewImage, Image: img})
}

func (l *cameraListener) CaptureError(err error) {
	l.a.deliverFrom(RoleCamera, l.cam, Event{Kind: KindCaptureError, Err: err})
}

func (l *cameraListener) TemperatureChanged(celsius float64) {
	l.a.deliverFrom(RoleCamera, l.cam, Event{Kind: KindCameraTemperature, Value: celsius})
}
