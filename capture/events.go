package capture

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/sequence"
)

// EventKind discriminates Event
type EventKind int

const (
	EventJobPrepared EventKind = iota
	EventCaptureStarted
	EventExposureProgress
	EventImageReceived
	EventJobComplete
	EventJobAborted
	EventSequenceComplete
	EventStateChanged
	EventCaptureError
	EventDriverTimeout
	EventDriverRestart
	EventLog
	EventDitherRequested
	EventAutofocusRequested
	EventFlipReady
	EventGuideDeviation
)

var eventNames = [...]string{
	"job-prepared", "capture-started", "exposure-progress", "image-received",
	"job-complete", "job-aborted", "sequence-complete", "state-changed",
	"capture-error", "driver-timeout", "driver-restart", "log", "dither-requested",
	"autofocus-requested", "flip-ready", "guide-deviation",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// JobInfo is a copy of the fields of a job observers care about, safe to
// hand to other goroutines
type JobInfo struct {
	ID        string
	FrameType camera.FrameType
	Filter    string
	Exposure  float64
	Completed int
	Count     int
	Status    sequence.Status
	Preview   bool

	// Calibrating is set while the frames only serve to find the flat exposure
	Calibrating bool
}

func infoOf(j *sequence.Job) *JobInfo {
	if j == nil {
		return nil
	}
	return &JobInfo{
		ID:        j.ID,
		FrameType: j.FrameType,
		Filter:    j.Filter.Name,
		Exposure:  j.CurrentExposure(),
		Completed: j.Completed,
		Count:     j.Count,
		Status:    j.Status,
		Preview:   j.IsPreview(),

		Calibrating: j.Calibration == sequence.Calibrating,
	}
}

// Event is emitted to observers of a Process.  Which fields are meaningful
// depends on Kind:
//
//	EventExposureProgress  Value is the remaining exposure in seconds
//	EventImageReceived     Image, Value is the download time in seconds, Path if it was recorded
//	EventStateChanged      State
//	EventLog               Message and Level
//	EventCaptureError      Err
//	EventGuideDeviation    Value is the deviation in arcseconds
type Event struct {
	Kind    EventKind
	Time    time.Time
	Job     *JobInfo
	State   CaptureState
	Value   float64
	Image   *camera.Image
	Path    string
	Err     error
	Message string
	Level   slog.Level
}

// Observer receives events on the loop goroutine and must not block
type Observer func(Event)
