package capture

import (
	"time"

	"github.com/nasa-jpl/capseq/sequence"
)

// Options are the policy parameters of the sequencer.  The zero value is not
// useful, start from DefaultOptions.
type Options struct {
	// Prepare holds the temperature and rotator tolerances of job preparation
	Prepare sequence.PrepareOptions `yaml:"prepare" koanf:"prepare"`

	// PendingPoll is how often a busy gate is re-evaluated
	PendingPoll time.Duration `yaml:"pendingPoll" koanf:"pendingPoll"`

	// CaptureTimeout is added to the exposure time before an exposure is considered lost
	CaptureTimeout time.Duration `yaml:"captureTimeout" koanf:"captureTimeout"`

	// LocalTimeoutRetries is how many lost exposures are retried before the driver is restarted
	LocalTimeoutRetries int `yaml:"localTimeoutRetries" koanf:"localTimeoutRetries"`

	// DeviceRestartLimit is how many driver restarts are attempted before aborting
	DeviceRestartLimit int `yaml:"deviceRestartLimit" koanf:"deviceRestartLimit"`

	// CaptureRetryLimit is how many consecutive capture failures abandon a job
	CaptureRetryLimit int `yaml:"captureRetryLimit" koanf:"captureRetryLimit"`

	// MinExposure and MaxExposure bound flat exposures, in seconds
	MinExposure float64 `yaml:"minExposure" koanf:"minExposure"`
	MaxExposure float64 `yaml:"maxExposure" koanf:"maxExposure"`

	// FlatSaturation is the fraction of full scale above which a flat is saturated
	FlatSaturation float64 `yaml:"flatSaturation" koanf:"flatSaturation"`

	// FlatSaturatedFactor scales the exposure after a saturated flat
	FlatSaturatedFactor float64 `yaml:"flatSaturatedFactor" koanf:"flatSaturatedFactor"`

	// FlatCollapsedFactor scales the exposure after a flat with no dynamic range
	FlatCollapsedFactor float64 `yaml:"flatCollapsedFactor" koanf:"flatCollapsedFactor"`

	// FlatHardCap is the longest exposure the flat search trusts, in seconds
	FlatHardCap float64 `yaml:"flatHardCap" koanf:"flatHardCap"`

	// FlatStep is the fractional step used when the fit cannot be trusted
	FlatStep float64 `yaml:"flatStep" koanf:"flatStep"`

	// FlatLinearSamples and FlatPolySamples are the sample counts for linear and quadratic fits
	FlatLinearSamples int `yaml:"flatLinearSamples" koanf:"flatLinearSamples"`
	FlatPolySamples   int `yaml:"flatPolySamples" koanf:"flatPolySamples"`

	// GuideDeviationReps is how many consecutive samples over the limit suspend an exposure
	GuideDeviationReps int `yaml:"guideDeviationReps" koanf:"guideDeviationReps"`

	// GuideDeviationTimeout aborts the sequence if guiding does not recover in time
	GuideDeviationTimeout time.Duration `yaml:"guideDeviationTimeout" koanf:"guideDeviationTimeout"`

	// GuideSettle is waited after dithering and after guiding recovers
	GuideSettle time.Duration `yaml:"guideSettle" koanf:"guideSettle"`

	// SuspendGuidingOnDownload pauses guiding while the frame is read out
	SuspendGuidingOnDownload bool `yaml:"suspendGuidingOnDownload" koanf:"suspendGuidingOnDownload"`

	// refocus triggers, a zero value disables the trigger
	RefocusEveryMinutes     float64 `yaml:"refocusEveryMinutes" koanf:"refocusEveryMinutes"`
	RefocusEveryFrames      int     `yaml:"refocusEveryFrames" koanf:"refocusEveryFrames"`
	RefocusTemperatureDelta float64 `yaml:"refocusTemperatureDelta" koanf:"refocusTemperatureDelta"`
	RefocusHFRPercent       float64 `yaml:"refocusHFRPercent" koanf:"refocusHFRPercent"`
	RefocusAfterFlip        bool    `yaml:"refocusAfterFlip" koanf:"refocusAfterFlip"`

	// AbortOnFocusFailure stops the sequence when autofocus fails instead of continuing
	AbortOnFocusFailure bool `yaml:"abortOnFocusFailure" koanf:"abortOnFocusFailure"`

	// ProgressInterval is the minimum time between exposure progress events
	ProgressInterval time.Duration `yaml:"progressInterval" koanf:"progressInterval"`
}

// DefaultOptions returns the stock policy
func DefaultOptions() Options {
	return Options{
		Prepare:               sequence.DefaultPrepareOptions(),
		PendingPoll:           time.Second,
		CaptureTimeout:        60 * time.Second,
		LocalTimeoutRetries:   1,
		DeviceRestartLimit:    3,
		CaptureRetryLimit:     3,
		MinExposure:           0.001,
		MaxExposure:           3600,
		FlatSaturation:        0.95,
		FlatSaturatedFactor:   0.1,
		FlatCollapsedFactor:   0.5,
		FlatHardCap:           180,
		FlatStep:              0.25,
		FlatLinearSamples:     2,
		FlatPolySamples:       5,
		GuideDeviationReps:    3,
		GuideDeviationTimeout: 5 * time.Minute,
		GuideSettle:           5 * time.Second,
		ProgressInterval:      time.Second,
	}
}
