/*Package sequence contains the capture job model: a job describes one kind
of frame to capture (type, exposure, filter, binning, count, calibration
settings), tracks its own progress, and prepares the hardware for each of its
exposures.  Jobs are kept in an ordered Queue which may be saved to and loaded
from YAML.
*/
package sequence

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nasa-jpl/capseq/camera"
)

var (
	// ErrBadCount is generated when a batch job asks for no frames
	ErrBadCount = errors.New("batch job count must be positive")

	// ErrBadExposure is generated when a job has a non-positive exposure
	ErrBadExposure = errors.New("exposure must be positive")
)

// Status is the execution status of a job
type Status int

const (
	// StatusIdle jobs have not run, or were reset
	StatusIdle Status = iota

	// StatusBusy is the active job
	StatusBusy

	// StatusDone jobs captured all their frames
	StatusDone

	// StatusAborted jobs were stopped before finishing
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusBusy:
		return "In Progress"
	case StatusDone:
		return "Complete"
	case StatusAborted:
		return "Aborted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Type distinguishes how a job came to be
type Type int

const (
	// TypeBatch is a normal queued job
	TypeBatch Type = iota

	// TypePreview is a single frame that is not kept in the queue
	TypePreview

	// TypeDarkFlat is a dark taken with the exposure of a matching flat
	TypeDarkFlat
)

func (t Type) String() string {
	switch t {
	case TypeBatch:
		return "batch"
	case TypePreview:
		return "preview"
	case TypeDarkFlat:
		return "darkflat"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// FlatDuration selects how flat exposures are determined
type FlatDuration int

const (
	// FlatManual uses the configured exposure
	FlatManual FlatDuration = iota

	// FlatADU searches for the exposure that yields the target ADU
	FlatADU
)

// CalibrationStage tracks the flat ADU search of a job
type CalibrationStage int

const (
	// CalibrationNone means the search has not started
	CalibrationNone CalibrationStage = iota

	// Calibrating means preview frames are being taken to converge on the target ADU
	Calibrating

	// CalibrationComplete means the exposure has been found
	CalibrationComplete
)

func (c CalibrationStage) String() string {
	switch c {
	case CalibrationNone:
		return "none"
	case Calibrating:
		return "calibrating"
	case CalibrationComplete:
		return "complete"
	}
	return fmt.Sprintf("CalibrationStage(%d)", int(c))
}

// PreAction is a bitmask of things to do before taking calibration frames
type PreAction uint8

const (
	// PreActionWall slews the mount to a flat field wall
	PreActionWall PreAction = 1 << iota

	// PreActionParkMount parks the mount
	PreActionParkMount

	// PreActionParkDome parks the dome
	PreActionParkDome

	// PreActionNone is no action
	PreActionNone PreAction = 0
)

// Has returns true if all bits of o are set in p
func (p PreAction) Has(o PreAction) bool {
	return p&o == o && o != 0
}

// Filter is a filter target by wheel position and name.  Position 0 means
// no filter change is requested.
type Filter struct {
	Position int    `yaml:"position"`
	Name     string `yaml:"name"`
}

// Wall is a horizontal position for flat fields
type Wall struct {
	Az  float64 `yaml:"az"`
	Alt float64 `yaml:"alt"`
}

// Scripts are executables run around a job or each capture
type Scripts struct {
	PreJob      string `yaml:"preJob,omitempty"`
	PostJob     string `yaml:"postJob,omitempty"`
	PreCapture  string `yaml:"preCapture,omitempty"`
	PostCapture string `yaml:"postCapture,omitempty"`
}

// Sample is one (exposure, ADU) observation of the flat ADU search
type Sample struct {
	Exposure float64
	ADU      float64
}

// Job is one frame specification with its progress.  A Job is not safe for
// concurrent use; the capture loop owns it while running.
type Job struct {
	ID          string
	Type        Type
	FrameType   camera.FrameType
	Target      string
	Exposure    float64
	Filter      Filter
	Binning     camera.Binning
	ROI         camera.AOI
	Count       int
	Completed   int
	DelayMs     int
	UploadMode  camera.UploadMode
	Encoding    string
	LocalDir    string
	Placeholder string

	// Temperature is the sensor setpoint, enforced if EnforceTemperature
	Temperature        float64
	EnforceTemperature bool

	// Rotation is the rotator angle, enforced if EnforceRotation
	Rotation        float64
	EnforceRotation bool

	PreActions PreAction
	Wall       Wall

	FlatDuration FlatDuration
	TargetADU    float64
	ADUTolerance float64

	// UseLightBox takes flats from the light box, otherwise the sky
	UseLightBox bool

	Properties map[string]map[string]float64
	Scripts    Scripts

	Status      Status
	Calibration CalibrationStage
	Samples     []Sample

	// Retries counts consecutive capture failures
	Retries int

	// Abandoned marks a job that gave up during the current run
	Abandoned bool

	prep         preparation
	capturing    bool
	flatExposure float64
}

// NewJob returns a light job with the defaults of an empty editor
func NewJob() *Job {
	return &Job{
		ID:           uuid.NewString(),
		FrameType:    camera.FrameLight,
		Exposure:     1,
		Binning:      camera.Binning{X: 1, Y: 1},
		Count:        1,
		UploadMode:   camera.UploadClient,
		Encoding:     "FITS",
		Placeholder:  DefaultPlaceholder,
		TargetADU:    30000,
		ADUTolerance: 1000,
	}
}

// Clone returns a deep copy of the job with a new ID and reset progress
func (j *Job) Clone() *Job {
	c := *j
	c.ID = uuid.NewString()
	c.Samples = nil
	if j.Properties != nil {
		c.Properties = make(map[string]map[string]float64, len(j.Properties))
		for k, v := range j.Properties {
			inner := make(map[string]float64, len(v))
			for kk, vv := range v {
				inner[kk] = vv
			}
			c.Properties[k] = inner
		}
	}
	c.Reset()
	return &c
}

// Validate checks the job configuration
func (j *Job) Validate() error {
	if j.Exposure <= 0 {
		return fmt.Errorf("%w: %g", ErrBadExposure, j.Exposure)
	}
	if j.Type != TypePreview && j.Count <= 0 {
		return fmt.Errorf("%w: %d", ErrBadCount, j.Count)
	}
	if j.FlatDuration == FlatADU && j.TargetADU <= 0 {
		return fmt.Errorf("target ADU must be positive, got %g", j.TargetADU)
	}
	return nil
}

// Reset returns the job to Idle, clearing its progress
func (j *Job) Reset() {
	j.Status = StatusIdle
	j.Completed = 0
	j.Retries = 0
	j.Abandoned = false
	j.ResetCalibration()
	j.prep = preparation{}
	j.capturing = false
}

// ResetCalibration forgets the flat ADU search
func (j *Job) ResetCalibration() {
	j.Calibration = CalibrationNone
	j.Samples = nil
	j.flatExposure = 0
}

// CurrentExposure is the exposure of the next frame.  It differs from
// Exposure once the flat ADU search has started, and is never saved.
func (j *Job) CurrentExposure() float64 {
	if j.flatExposure > 0 {
		return j.flatExposure
	}
	return j.Exposure
}

// SetCurrentExposure sets the exposure found by the flat ADU search, or
// copied from a matching flat for a dark flat
func (j *Job) SetCurrentExposure(secs float64) {
	j.flatExposure = secs
}

// IsPreview returns true for single preview frames
func (j *Job) IsPreview() bool {
	return j.Type == TypePreview
}

// NeedsADUCalibration returns true if the exposure of this job is found by the flat ADU search
func (j *Job) NeedsADUCalibration() bool {
	return j.FrameType == camera.FrameFlat && j.FlatDuration == FlatADU
}

// Remaining returns the number of frames left to capture
func (j *Job) Remaining() int {
	if r := j.Count - j.Completed; r > 0 {
		return r
	}
	return 0
}

// Request returns the exposure request for the next frame of the job
func (j *Job) Request() camera.Exposure {
	return camera.Exposure{
		Duration:  j.CurrentExposure(),
		FrameType: j.FrameType,
		Binning:   j.Binning,
		AOI:       j.ROI,
		Filter:    j.Filter.Name,
		Preview:   j.IsPreview() || j.Calibration == Calibrating,
	}
}

// AddSample records an observation of the flat ADU search
func (j *Job) AddSample(exposure, adu float64) {
	j.Samples = append(j.Samples, Sample{Exposure: exposure, ADU: adu})
}
