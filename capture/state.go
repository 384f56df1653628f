package capture

import (
	"time"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/sequence"
)

// State is the aggregate state of a capture sequence: the job queue and the
// active job, the states of cooperating modules, and the counters the
// orchestration consults.  It is owned by a Process and only touched on its
// loop goroutine.
type State struct {
	queue  *sequence.Queue
	active *sequence.Job

	captureState CaptureState
	guideState   GuideState
	focusState   FocusState
	flipStage    FlipStage

	// ditherCounter counts down light frames to the next dither
	ditherCounter   int
	ditheringActive bool

	// refocus bookkeeping
	refocusFrameCounter int
	lastFocusTime       time.Time
	focusTemperature    float64
	hasFocusTemperature bool
	referenceHFR        float64
	lastHFR             float64
	refocusAfterFlip    bool
	temperature         float64
	hasTemperature      bool

	captureTimeoutCounter int
	deviceRestartCounter  int

	// download time running mean
	downloadCount   int
	downloadMean    float64
	downloadStarted time.Time

	// capturedFrames maps signatures to frames already on disk, set by a scheduler
	capturedFrames map[string]int

	continueAction       ContinueAction
	lightBoxOwned        bool
	rememberFastExposure bool
	nextSequenceID       int
	lastSignature        string

	// guide deviation bookkeeping
	startGuideOK          bool
	startGuideWarned      bool
	guideDeviationSpikes  int
	guideDeviationTripped bool
	guideSuspendedByUs    bool
}

func newState(q *sequence.Queue) *State {
	if q == nil {
		q = sequence.NewQueue()
	}
	return &State{queue: q, nextSequenceID: 1}
}

// FindNextPendingJob returns the first idle or aborted job in queue order
// that did not give up during this run, or nil
func (s *State) FindNextPendingJob() *sequence.Job {
	for _, j := range s.queue.Jobs() {
		if j.Abandoned {
			continue
		}
		if j.Status == sequence.StatusIdle || j.Status == sequence.StatusAborted {
			return j
		}
	}
	return nil
}

// Busy returns true while a sequence runs, is paused or suspended, or
// still holds an active job.  The queue may only be replaced when not busy.
func (s *State) Busy() bool {
	switch s.captureState {
	case StatePaused, StateSuspended:
		return true
	}
	return s.captureState.Running() || s.active != nil
}

// Reset returns every job to idle and forgets the captured frame counts
func (s *State) Reset() {
	s.ClearCapturedFramesMap()
	s.queue.Reset()
}

// SetCapturedFramesMap installs the frame counts a scheduler found on disk
func (s *State) SetCapturedFramesMap(m map[string]int) {
	s.capturedFrames = make(map[string]int, len(m))
	for k, v := range m {
		s.capturedFrames[k] = v
	}
}

// ClearCapturedFramesMap forgets the frame counts
func (s *State) ClearCapturedFramesMap() {
	s.capturedFrames = nil
}

// HasCapturedFramesMap returns true if a scheduler supplied frame counts
func (s *State) HasCapturedFramesMap() bool {
	return s.capturedFrames != nil
}

// CapturedFramesCount returns the frames on record for a signature
func (s *State) CapturedFramesCount(signature string) int {
	return s.capturedFrames[signature]
}

func (s *State) addCapturedFrame(signature string) {
	if s.capturedFrames == nil {
		return
	}
	s.capturedFrames[signature]++
}

// SetDarkFlatExposure copies the exposure of the first flat job in the
// queue that matches the filter and binning of the dark flat job and, for
// ADU flats, the target ADU.  A flat whose exposure is searched by ADU only
// matches once its search completed in this session; exposures found in an
// earlier session are not remembered.
func (s *State) SetDarkFlatExposure(j *sequence.Job) bool {
	for _, f := range s.queue.Jobs() {
		if f.FrameType != camera.FrameFlat {
			continue
		}
		if j.Filter.Name != "" && f.Filter.Name != j.Filter.Name {
			continue
		}
		if f.Binning != j.Binning {
			continue
		}
		if f.FlatDuration == sequence.FlatADU {
			if j.FlatDuration == sequence.FlatADU && f.TargetADU != j.TargetADU {
				continue
			}
			if f.Calibration != sequence.CalibrationComplete {
				continue
			}
		}
		j.SetCurrentExposure(f.CurrentExposure())
		return true
	}
	return false
}

func (s *State) addDownloadTime(secs float64) {
	s.downloadCount++
	s.downloadMean += (secs - s.downloadMean) / float64(s.downloadCount)
}

// AverageDownloadTime returns the mean download time in seconds
func (s *State) AverageDownloadTime() float64 {
	return s.downloadMean
}

// EstimatedTimeLeft estimates the time to finish the queue from the
// exposures, delays and the average download time
func (s *State) EstimatedTimeLeft() time.Duration {
	var secs float64
	for _, j := range s.queue.Jobs() {
		if j.Abandoned || j.Status == sequence.StatusDone {
			continue
		}
		per := j.CurrentExposure() + float64(j.DelayMs)/1000 + s.downloadMean
		secs += float64(j.Remaining()) * per
	}
	return time.Duration(secs * float64(time.Second))
}

// checkSeqBoundary resets the frame numbering when the output target changes
func (s *State) checkSeqBoundary(j *sequence.Job, rec FrameRecorder) {
	sig := j.Signature()
	if sig == s.lastSignature {
		return
	}
	s.lastSignature = sig
	s.nextSequenceID = 1
	if rec != nil {
		s.nextSequenceID = rec.NextSequenceID(sig)
	}
}

// Snapshot is a copy of the state for display
type Snapshot struct {
	CaptureState          string   `json:"captureState"`
	GuideState            string   `json:"guideState"`
	FocusState            string   `json:"focusState"`
	FlipStage             string   `json:"flipStage"`
	ActiveJob             *JobInfo `json:"activeJob,omitempty"`
	ActiveStage           string   `json:"activeStage,omitempty"`
	DitherCounter         int      `json:"ditherCounter"`
	CaptureTimeoutCounter int      `json:"captureTimeoutCounter"`
	DeviceRestartCounter  int      `json:"deviceRestartCounter"`
	AverageDownloadTime   float64  `json:"averageDownloadTime"`
	EstimatedTimeLeft     float64  `json:"estimatedTimeLeft"`
	ContinueAction        string   `json:"continueAction"`
	NextSequenceID        int      `json:"nextSequenceID"`
}

// Snapshot copies the state
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		CaptureState:          s.captureState.String(),
		GuideState:            s.guideState.String(),
		FocusState:            s.focusState.String(),
		FlipStage:             s.flipStage.String(),
		ActiveJob:             infoOf(s.active),
		DitherCounter:         s.ditherCounter,
		CaptureTimeoutCounter: s.captureTimeoutCounter,
		DeviceRestartCounter:  s.deviceRestartCounter,
		AverageDownloadTime:   s.downloadMean,
		EstimatedTimeLeft:     s.EstimatedTimeLeft().Seconds(),
		ContinueAction:        s.continueAction.String(),
		NextSequenceID:        s.nextSequenceID,
	}
	if s.active != nil {
		snap.ActiveStage = s.active.Stage().String()
	}
	return snap
}

// Queue returns the job queue
func (s *State) Queue() *sequence.Queue { return s.queue }

// ActiveJob returns the job being executed, or nil
func (s *State) ActiveJob() *sequence.Job { return s.active }

// CaptureState returns the state of the sequence
func (s *State) CaptureState() CaptureState { return s.captureState }

// GuideState returns the last reported guider state
func (s *State) GuideState() GuideState { return s.guideState }

// FocusState returns the last reported autofocus state
func (s *State) FocusState() FocusState { return s.focusState }

// FlipStage returns the meridian flip stage
func (s *State) FlipStage() FlipStage { return s.flipStage }

// DitherCounter returns the light frames left before the next dither
func (s *State) DitherCounter() int { return s.ditherCounter }

// CaptureTimeoutCounter returns the consecutive lost exposures
func (s *State) CaptureTimeoutCounter() int { return s.captureTimeoutCounter }

// DeviceRestartCounter returns the driver restarts since the last good frame
func (s *State) DeviceRestartCounter() int { return s.deviceRestartCounter }

// ContinueAction returns what resuming a paused sequence will do
func (s *State) ContinueAction() ContinueAction { return s.continueAction }
