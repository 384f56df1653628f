/*Package camera describes the camera role used by the capture sequencer

The Camera interface contains the controls the sequencer drives: exposures,
upload and encoding settings, the fast exposure (driver looping) mode, and
cooling.  Results arrive asynchronously through a Listener; nothing in this
interface blocks for the duration of an exposure.

The package also holds the value types that travel with a frame (frame type,
binning, area of interest, image metadata) and FITS encoding of frames.
*/
package camera

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotConnected is generated when a command is sent to a camera that is not connected
var ErrNotConnected = errors.New("camera is not connected")

// FrameType is the kind of frame being captured
type FrameType string

const (
	// FrameLight is a science frame
	FrameLight FrameType = "Light"

	// FrameDark is a dark calibration frame, shutter closed
	FrameDark FrameType = "Dark"

	// FrameFlat is a flat field calibration frame
	FrameFlat FrameType = "Flat"

	// FrameBias is a zero-length dark
	FrameBias FrameType = "Bias"

	// FrameVideo is a video stream
	FrameVideo FrameType = "Video"

	// FrameNone is an unset frame type
	FrameNone FrameType = "None"
)

// ParseFrameType converts a case-insensitive name to a FrameType
func ParseFrameType(s string) (FrameType, error) {
	for _, ft := range []FrameType{FrameLight, FrameDark, FrameFlat, FrameBias, FrameVideo, FrameNone} {
		if strings.EqualFold(s, string(ft)) {
			return ft, nil
		}
	}
	return FrameNone, fmt.Errorf("unknown frame type %q", s)
}

// UploadMode determines where the camera driver delivers images
type UploadMode string

const (
	// UploadClient sends the image to the client (us)
	UploadClient UploadMode = "client"

	// UploadLocal saves the image on the machine running the driver
	UploadLocal UploadMode = "local"

	// UploadBoth does both
	UploadBoth UploadMode = "both"
)

// ExposureStatus is the state reported with exposure progress updates
type ExposureStatus int

const (
	// ExposureIdle means no exposure is running
	ExposureIdle ExposureStatus = iota

	// ExposureBusy means the sensor is integrating
	ExposureBusy

	// ExposureDownloading means integration finished and the frame is being read out
	ExposureDownloading

	// ExposureOK means the frame has been delivered
	ExposureOK

	// ExposureAlert means the exposure failed
	ExposureAlert
)

func (s ExposureStatus) String() string {
	switch s {
	case ExposureIdle:
		return "idle"
	case ExposureBusy:
		return "busy"
	case ExposureDownloading:
		return "downloading"
	case ExposureOK:
		return "ok"
	case ExposureAlert:
		return "alert"
	}
	return fmt.Sprintf("ExposureStatus(%d)", int(s))
}

// AOI describes an area of interest on the camera
type AOI struct {
	// X is the left pixel index
	X int `json:"x" yaml:"x"`

	// Y is the top pixel index
	Y int `json:"y" yaml:"y"`

	// Width is the width in pixels
	Width int `json:"width" yaml:"width"`

	// Height is the height in pixels
	Height int `json:"height" yaml:"height"`
}

// Empty returns true if the AOI does not restrict the frame
func (a AOI) Empty() bool {
	return a.Width == 0 || a.Height == 0
}

// Binning encapsulates information about pixel addition on camera
type Binning struct {
	// X is the horizontal binning factor
	X int `json:"x" yaml:"x"`

	// Y is the vertical binning factor
	Y int `json:"y" yaml:"y"`
}

func (b Binning) String() string {
	return fmt.Sprintf("%dx%d", b.X, b.Y)
}

// Exposure is a request to integrate one frame
type Exposure struct {
	// Duration is the integration time in seconds
	Duration float64

	// FrameType is the kind of frame
	FrameType FrameType

	// Binning is the binning to apply
	Binning Binning

	// AOI is the subframe; an empty AOI is the full frame
	AOI AOI

	// Filter is informational, the name of the filter in the beam
	Filter string

	// Preview marks frames that are not to be stored
	Preview bool
}

// Image is a frame delivered by a camera, with metadata the driver or
// client side processing computed for it
type Image struct {
	// BitDepth is the number of bits per pixel
	BitDepth int

	// Width and Height are the frame dimensions
	Width, Height int

	// Min, Max and Mean are pixel statistics, Mean is the ADU used by flat calibration
	Min, Max, Mean float64

	// HFR is the median half flux radius of detected stars, 0 if not computed
	HFR float64

	// Stars is the number of detected stars, -1 if not computed
	Stars int

	// Pixels holds the frame when it was uploaded to the client, strided by Width
	Pixels []uint16

	// RemotePath is the path of the frame on the driver host when it was stored there
	RemotePath string

	// Exposure, FrameType and Filter describe how the frame was taken
	Exposure  float64
	FrameType FrameType
	Filter    string
}

// Saturated returns true if the frame carries almost no dynamic range,
// which happens for fully saturated (or fully black) frames
func (i *Image) Saturated() bool {
	return i.Max-i.Min < 10
}

// MaxValue returns the largest representable pixel value for the bit depth,
// or 0 for unsupported depths
func MaxValue(bitDepth int) float64 {
	switch bitDepth {
	case 8:
		return 255
	case 16:
		return 65535
	case 32:
		return 4294967295
	}
	return 0
}

// Stats computes the minimum, maximum and mean of a frame
func Stats(pixels []uint16) (min, max, mean float64) {
	if len(pixels) == 0 {
		return 0, 0, 0
	}
	lo, hi := pixels[0], pixels[0]
	var sum float64
	for _, p := range pixels {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
		sum += float64(p)
	}
	return float64(lo), float64(hi), sum / float64(len(pixels))
}

// Listener receives asynchronous notifications from a camera.  Calls may
// arrive on any goroutine.
type Listener interface {
	// ExposureProgress reports the remaining exposure time in seconds and the exposure status
	ExposureProgress(remaining float64, status ExposureStatus)

	// NewImage delivers a finished frame
	NewImage(img *Image)

	// CaptureError reports a failed exposure or download
	CaptureError(err error)

	// TemperatureChanged reports a new sensor temperature in Celsius
	TemperatureChanged(celsius float64)
}

// Camera describes the controls the capture sequencer needs from a camera driver.
// Every method returns promptly; results are reported to the Listener.
type Camera interface {
	// Connect establishes the connection to the driver
	Connect() error

	// Disconnect drops the connection to the driver
	Disconnect() error

	// IsConnected returns true if the driver connection is up
	IsConnected() bool

	// SetListener registers the receiver of asynchronous notifications.  nil unregisters.
	SetListener(Listener)

	// StartExposure begins integrating a frame
	StartExposure(Exposure) error

	// AbortExposure aborts the running exposure, if any
	AbortExposure() error

	// UploadMode returns where images are delivered
	UploadMode() UploadMode

	// SetUploadMode changes where images are delivered
	SetUploadMode(UploadMode) error

	// EncodingFormat returns the image encoding, e.g. FITS
	EncodingFormat() string

	// SetEncodingFormat sets the image encoding
	SetEncodingFormat(string) error

	// FastExposureSupported returns true if the driver can loop exposures itself
	FastExposureSupported() bool

	// FastExposureEnabled returns true if driver looping is on
	FastExposureEnabled() bool

	// SetFastExposure toggles driver looping, count is the number of frames to repeat
	SetFastExposure(enabled bool, count int) error

	// HasCooler returns true if the sensor temperature can be regulated
	HasCooler() bool

	// Temperature returns the current sensor temperature in Celsius
	Temperature() (float64, error)

	// SetTemperature sets the sensor temperature setpoint in Celsius
	SetTemperature(float64) error
}
