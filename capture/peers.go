package capture

import (
	"context"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/script"
	"github.com/nasa-jpl/capseq/sequence"
)

// Devices is the hardware the sequencer drives.  device.Adaptor implements it.
type Devices interface {
	sequence.Devices

	ConnectCamera() error
	DisconnectCamera()
	StartExposure(camera.Exposure) error
	AbortExposure() error
	UploadMode() (camera.UploadMode, error)
	SetUploadMode(camera.UploadMode) error
	SetEncodingFormat(string) error
	FastExposureSupported() bool
	FastExposureEnabled() bool
	SetFastExposure(enabled bool, count int) error

	// RestartCamera reconnects the camera driver and reports KindDriverRestarted
	RestartCamera()
}

// Guider is the autoguider.  Results come back through Process.SetGuideState.
type Guider interface {
	Dither() error
	Suspend() error
	Resume() error
}

// Focuser runs autofocus.  Results come back through Process.SetFocusState.
type Focuser interface {
	Autofocus(reason FocusReason) error
	Abort() error
}

// FlipController performs meridian flips.  It requests a flip through
// Process.SetMeridianFlipStage(FlipRequested) and is told when capture
// is ready for it.
type FlipController interface {
	FlipReady()
}

// ScriptRunner runs job and capture scripts.  done may be called on any goroutine.
type ScriptRunner interface {
	Run(ctx context.Context, s script.Script, done func(exitCode int, err error))
}

// FrameRecorder stores frames delivered to the client
type FrameRecorder interface {
	Save(job *sequence.Job, seq int, img *camera.Image) (string, error)

	// NextSequenceID returns the first unused frame number for a signature
	NextSequenceID(signature string) int
}
