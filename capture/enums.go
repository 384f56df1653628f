package capture

import "fmt"

// CaptureState is the state of the capture sequence
type CaptureState int

const (
	StateIdle CaptureState = iota
	StateProgress
	StateWaiting
	StateCapturing
	StateDithering
	StateFocusing
	StateSettingTemperature
	StateSettingRotator
	StateGuiderDrift
	StateChangingFilter
	StateSuspended
	StatePausePlanned
	StatePaused
	StateAborted
	StateComplete
	StateImageReceived
)

var captureStateNames = [...]string{
	"Idle", "In Progress", "Waiting", "Capturing", "Dithering", "Focusing",
	"Setting Temperature", "Setting Rotator", "Guider Drift", "Changing Filter",
	"Suspended", "Pause Planned", "Paused", "Aborted", "Complete", "Image Received",
}

func (s CaptureState) String() string {
	if s >= 0 && int(s) < len(captureStateNames) {
		return captureStateNames[s]
	}
	return fmt.Sprintf("CaptureState(%d)", int(s))
}

// Running returns true for states in which a sequence is under way
func (s CaptureState) Running() bool {
	switch s {
	case StateIdle, StatePaused, StateAborted, StateComplete, StateSuspended:
		return false
	}
	return true
}

// GuideState is the state of the autoguider as reported to the sequencer
type GuideState int

const (
	GuideIdle GuideState = iota
	GuideGuiding
	GuideCalibrating
	GuideCalibrationError
	GuideSuspended
	GuideDithering
	GuideDitheringSuccess
	GuideDitheringError
	GuideAborted
	GuideLost
)

var guideStateNames = [...]string{
	"idle", "guiding", "calibrating", "calibration error", "suspended",
	"dithering", "dithering success", "dithering error", "aborted", "lost",
}

func (s GuideState) String() string {
	if s >= 0 && int(s) < len(guideStateNames) {
		return guideStateNames[s]
	}
	return fmt.Sprintf("GuideState(%d)", int(s))
}

// activelyGuiding is true while the guider corrects the mount
func (s GuideState) activelyGuiding() bool {
	switch s {
	case GuideGuiding, GuideDithering, GuideDitheringSuccess, GuideDitheringError:
		return true
	}
	return false
}

// FocusState is the state of the autofocus process
type FocusState int

const (
	FocusIdle FocusState = iota
	FocusProgress
	FocusComplete
	FocusFailed
	FocusAborted
)

func (s FocusState) String() string {
	switch s {
	case FocusIdle:
		return "idle"
	case FocusProgress:
		return "in progress"
	case FocusComplete:
		return "complete"
	case FocusFailed:
		return "failed"
	case FocusAborted:
		return "aborted"
	}
	return fmt.Sprintf("FocusState(%d)", int(s))
}

// FlipStage is the stage of a meridian flip
type FlipStage int

const (
	FlipNone FlipStage = iota
	FlipRequested
	FlipReady
	FlipInitiated
	FlipFlipping
	FlipCompleted
	FlipAligning
	FlipGuiding
)

func (s FlipStage) String() string {
	switch s {
	case FlipNone:
		return "none"
	case FlipRequested:
		return "requested"
	case FlipReady:
		return "ready"
	case FlipInitiated:
		return "initiated"
	case FlipFlipping:
		return "flipping"
	case FlipCompleted:
		return "completed"
	case FlipAligning:
		return "aligning"
	case FlipGuiding:
		return "guiding"
	}
	return fmt.Sprintf("FlipStage(%d)", int(s))
}

// flipActive is true from the moment the sequencer agreed to a flip until
// the mount is aligned again
func (s FlipStage) flipActive() bool {
	return s >= FlipReady && s <= FlipAligning
}

// ContinueAction is what a paused sequence does when resumed
type ContinueAction int

const (
	ContinueNone ContinueAction = iota
	ContinueNextExposure
	ContinueCaptureComplete
)

func (c ContinueAction) String() string {
	switch c {
	case ContinueNone:
		return "none"
	case ContinueNextExposure:
		return "next exposure"
	case ContinueCaptureComplete:
		return "capture complete"
	}
	return fmt.Sprintf("ContinueAction(%d)", int(c))
}

// Readiness is the outcome of a gating check
type Readiness int

const (
	// ReadyOK permits the next exposure
	ReadyOK Readiness = iota

	// ReadyBusy means something must finish first, retry later
	ReadyBusy

	// ReadyAlert means the sequence must not continue
	ReadyAlert

	// ReadyIdle means there is nothing to do
	ReadyIdle
)

func (r Readiness) String() string {
	switch r {
	case ReadyOK:
		return "ok"
	case ReadyBusy:
		return "busy"
	case ReadyAlert:
		return "alert"
	case ReadyIdle:
		return "idle"
	}
	return fmt.Sprintf("Readiness(%d)", int(r))
}

// FocusReason is why an autofocus run was requested
type FocusReason int

const (
	FocusReasonNone FocusReason = iota
	FocusReasonTime
	FocusReasonTemperature
	FocusReasonPostFlip
	FocusReasonHFR
	FocusReasonFrameCount
)

func (r FocusReason) String() string {
	switch r {
	case FocusReasonNone:
		return "none"
	case FocusReasonTime:
		return "elapsed time"
	case FocusReasonTemperature:
		return "temperature change"
	case FocusReasonPostFlip:
		return "meridian flip"
	case FocusReasonHFR:
		return "HFR increase"
	case FocusReasonFrameCount:
		return "frame count"
	}
	return fmt.Sprintf("FocusReason(%d)", int(r))
}
