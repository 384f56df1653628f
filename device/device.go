/*Package device binds the hardware roles the capture sequencer drives and
funnels their asynchronous notifications into a single event stream.

Concrete drivers live elsewhere; this package only describes the controls the
sequencer needs from each role and routes their events.
*/
package device

import (
	"errors"
	"fmt"

	"github.com/nasa-jpl/capseq/camera"
)

var (
	// ErrNoCamera is generated when a camera command is issued with no camera bound
	ErrNoCamera = errors.New("no camera bound")

	// ErrNoDevice is generated when a command is issued to a role with nothing bound
	ErrNoDevice = errors.New("no device bound to role")

	// ErrWrongType is generated when Bind is given a device that does not implement the role
	ErrWrongType = errors.New("device does not implement role")
)

// Role is a logical device role in the optical train
type Role int

const (
	// RoleCamera is the imaging camera
	RoleCamera Role = iota

	// RoleFilterWheel is the filter wheel
	RoleFilterWheel

	// RoleRotator is the field rotator
	RoleRotator

	// RoleMount is the telescope mount
	RoleMount

	// RoleDome is the observatory dome
	RoleDome

	// RoleDustCap is the motorized dust cap
	RoleDustCap

	// RoleLightBox is the flat field light source
	RoleLightBox
)

func (r Role) String() string {
	switch r {
	case RoleCamera:
		return "camera"
	case RoleFilterWheel:
		return "filter wheel"
	case RoleRotator:
		return "rotator"
	case RoleMount:
		return "mount"
	case RoleDome:
		return "dome"
	case RoleDustCap:
		return "dust cap"
	case RoleLightBox:
		return "light box"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Kind discriminates Event
type Kind int

const (
	// KindExposureProgress carries Remaining and Status
	KindExposureProgress Kind = iota

	// KindNewImage carries Image
	KindNewImage

	// KindCaptureError carries Err
	KindCaptureError

	// KindCameraTemperature carries Value in Celsius
	KindCameraTemperature

	// KindFilterChanged carries Position and Name
	KindFilterChanged

	// KindRotatorAngle carries Value in degrees
	KindRotatorAngle

	// KindMountParked carries On, true when parked
	KindMountParked

	// KindMountSlewDone reports that a slew to the calibration wall finished
	KindMountSlewDone

	// KindDomeParked carries On, true when parked
	KindDomeParked

	// KindCapParked carries On, true when parked
	KindCapParked

	// KindLightChanged carries On, true when the light is lit
	KindLightChanged

	// KindDriverRestarted carries On, true if the camera came back, and Err otherwise
	KindDriverRestarted
)

func (k Kind) String() string {
	switch k {
	case KindExposureProgress:
		return "exposure-progress"
	case KindNewImage:
		return "new-image"
	case KindCaptureError:
		return "capture-error"
	case KindCameraTemperature:
		return "camera-temperature"
	case KindFilterChanged:
		return "filter-changed"
	case KindRotatorAngle:
		return "rotator-angle"
	case KindMountParked:
		return "mount-parked"
	case KindMountSlewDone:
		return "mount-slew-done"
	case KindDomeParked:
		return "dome-parked"
	case KindCapParked:
		return "cap-parked"
	case KindLightChanged:
		return "light-changed"
	case KindDriverRestarted:
		return "driver-restarted"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event is a notification from a device.  Which fields are meaningful
// depends on Kind.
type Event struct {
	Kind      Kind
	Remaining float64
	Status    camera.ExposureStatus
	Image     *camera.Image
	Err       error
	Value     float64
	Position  int
	Name      string
	On        bool
}

// Notifier receives device events
type Notifier func(Event)

// Connector is a device with a managed connection
type Connector interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
}

// Notifying is a device that reports asynchronous status changes
type Notifying interface {
	// SetNotifier registers the receiver of events.  nil unregisters.
	SetNotifier(Notifier)
}

// FilterWheel selects filters by 1-based position
type FilterWheel interface {
	Connector
	Notifying

	// Position returns the current filter position
	Position() (int, error)

	// SetPosition begins moving to a filter, KindFilterChanged follows
	SetPosition(int) error

	// Names returns the filter names, index 0 is position 1
	Names() []string
}

// Rotator turns the camera about the optical axis
type Rotator interface {
	Connector
	Notifying

	// Angle returns the position angle in degrees
	Angle() (float64, error)

	// SetAngle begins a move, KindRotatorAngle updates follow
	SetAngle(float64) error
}

// Mount is the telescope mount, as far as calibration frames care about it
type Mount interface {
	Connector
	Notifying
	Parked() bool
	Park() error

	// SlewAltAz points the telescope at a fixed horizontal position, e.g. a flat field wall
	SlewAltAz(az, alt float64) error
}

// Dome is the observatory enclosure
type Dome interface {
	Connector
	Notifying
	Parked() bool
	Park() error
}

// DustCap covers the aperture
type DustCap interface {
	Connector
	Notifying
	Parked() bool
	Park() error
	Unpark() error
}

// LightBox is a flat field illuminator, possibly built into a dust cap
type LightBox interface {
	Connector
	Notifying
	LightOn() bool
	SetLight(bool) error
}
