/*Package capture drives a camera and its cooperating devices through a
queue of capture jobs.

A Process is the orchestrator.  It never blocks: every wait for hardware is
either an event from the device layer or a timer, and every piece of work
runs on the goroutine of a Scheduler (normally a Loop).  Commands (Start,
Stop, Pause, Abort), device events (HandleEvent) and peer module inputs
(SetGuideState, SetFocusState, ...) must all be called on that goroutine;
Sink returns a device notifier that posts there.
*/
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/device"
	"github.com/nasa-jpl/capseq/script"
	"github.com/nasa-jpl/capseq/sequence"
	"github.com/nasa-jpl/capseq/util"
)

var (
	// ErrAlreadyRunning is generated when Start is called on a running sequence
	ErrAlreadyRunning = errors.New("capture sequence already running")

	// ErrNotRunning is generated when a command needs a running sequence
	ErrNotRunning = errors.New("capture sequence is not running")

	// ErrNoPendingJobs is generated when Start finds nothing to do
	ErrNoPendingJobs = errors.New("no pending jobs")

	// ErrNoDevices is generated by New without a device adaptor
	ErrNoDevices = errors.New("capture needs devices")

	// ErrNoScheduler is generated by New without a scheduler
	ErrNoScheduler = errors.New("capture needs a scheduler")
)

// Config wires a Process.  Devices and Scheduler are required, the rest is optional.
type Config struct {
	Devices   Devices
	Scheduler Scheduler
	Queue     *sequence.Queue
	Options   Options

	Guider   Guider
	Focuser  Focuser
	Flip     FlipController
	Scripts  ScriptRunner
	Recorder FrameRecorder

	// JobFactory creates a job from the current settings when Start finds an empty queue
	JobFactory func() *sequence.Job

	Log *slog.Logger
}

// Process executes a capture sequence
type Process struct {
	state *State
	opts  Options

	dev     Devices
	sched   Scheduler
	guider  Guider
	focuser Focuser
	flip    FlipController
	scripts ScriptRunner
	rec     FrameRecorder
	factory func() *sequence.Job
	log     *slog.Logger

	observers []Observer
	progress  *rate.Limiter

	pollTimer    Timer
	delayTimer   Timer
	timeoutTimer Timer
	settleTimer  Timer
	driftTimer   Timer
	resumeTimer  Timer

	// exposing is true from the start of an exposure until its image or error arrives
	exposing bool

	focusRequested bool
	preCaptureDone bool

	scriptType   script.Type
	scriptGen    int
	scriptCancel context.CancelFunc
}

// New creates a Process
func New(cfg Config) (*Process, error) {
	if cfg.Devices == nil {
		return nil, ErrNoDevices
	}
	if cfg.Scheduler == nil {
		return nil, ErrNoScheduler
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Scripts == nil {
		cfg.Scripts = &script.Runner{Log: cfg.Log}
	}
	if cfg.Options == (Options{}) {
		cfg.Options = DefaultOptions()
	}
	return &Process{
		state:    newState(cfg.Queue),
		opts:     cfg.Options,
		dev:      cfg.Devices,
		sched:    cfg.Scheduler,
		guider:   cfg.Guider,
		focuser:  cfg.Focuser,
		flip:     cfg.Flip,
		scripts:  cfg.Scripts,
		rec:      cfg.Recorder,
		factory:  cfg.JobFactory,
		log:      cfg.Log,
		progress: rate.NewLimiter(rate.Every(cfg.Options.ProgressInterval), 1),
	}, nil
}

// State returns the sequence state
func (p *Process) State() *State {
	return p.state
}

// Options returns the policy in use
func (p *Process) Options() Options {
	return p.opts
}

// Subscribe registers an observer of process events
func (p *Process) Subscribe(o Observer) {
	p.observers = append(p.observers, o)
}

// Sink returns a device notifier that hands events to the process on its scheduler
func (p *Process) Sink() device.Notifier {
	return func(e device.Event) {
		p.sched.Post(func() { p.HandleEvent(e) })
	}
}

func (p *Process) emit(e Event) {
	e.Time = p.sched.Now()
	if e.State == 0 {
		e.State = p.state.captureState
	}
	for _, o := range p.observers {
		o(e)
	}
}

func (p *Process) logAt(level slog.Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	attrs := []interface{}{"state", p.state.captureState.String()}
	if j := p.state.active; j != nil {
		attrs = append(attrs, "job", j.ID)
	}
	p.log.Log(context.Background(), level, msg, attrs...)
	p.emit(Event{Kind: EventLog, Message: msg, Level: level, Job: infoOf(p.state.active)})
}

func (p *Process) newLog(format string, args ...interface{}) {
	p.logAt(slog.LevelInfo, format, args...)
}

func (p *Process) warnLog(format string, args ...interface{}) {
	p.logAt(slog.LevelWarn, format, args...)
}

func (p *Process) errorLog(format string, args ...interface{}) {
	p.logAt(slog.LevelError, format, args...)
}

// setState changes the capture state.  A planned pause is kept until a
// checkpoint consumes it, so ordinary progress does not overwrite it.
func (p *Process) setState(st CaptureState) {
	if p.state.captureState == StatePausePlanned && st.Running() {
		return
	}
	p.forceState(st)
}

func (p *Process) forceState(st CaptureState) {
	if p.state.captureState == st {
		return
	}
	p.log.Debug("capture state changed", "from", p.state.captureState.String(), "to", st.String())
	p.state.captureState = st
	p.emit(Event{Kind: EventStateChanged, State: st, Job: infoOf(p.state.active)})
}

func (p *Process) stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (p *Process) stopAllTimers() {
	p.stopTimer(&p.pollTimer)
	p.stopTimer(&p.delayTimer)
	p.stopTimer(&p.timeoutTimer)
	p.stopTimer(&p.settleTimer)
	p.stopTimer(&p.driftTimer)
	p.stopTimer(&p.resumeTimer)
}

// Start runs the queue from the first pending job.  A paused sequence is
// resumed where it paused; a suspended one restarts its active job.
func (p *Process) Start() error {
	s := p.state
	switch s.captureState {
	case StatePaused:
		return p.resume()
	case StateSuspended:
		if s.active != nil {
			return p.resumeSuspended()
		}
	}
	if s.captureState.Running() {
		return ErrAlreadyRunning
	}
	s.queue.ClearAbandoned()
	if s.FindNextPendingJob() == nil && (s.queue.Len() > 0 || p.factory == nil) {
		p.newLog("No pending jobs found. Please add a job to the sequence queue.")
		return ErrNoPendingJobs
	}
	s.captureTimeoutCounter = 0
	s.deviceRestartCounter = 0
	s.continueAction = ContinueNone
	s.ditherCounter = s.queue.Options.DitherEvery
	s.refocusFrameCounter = p.opts.RefocusEveryFrames
	s.lastFocusTime = p.sched.Now()
	s.guideDeviationSpikes = 0
	s.guideDeviationTripped = false
	if err := p.dev.ConnectCamera(); err != nil {
		p.errorLog("Unable to connect camera: %v", err)
		return err
	}
	return p.startNextPendingJob()
}

func (p *Process) resume() error {
	s := p.state
	if err := p.dev.ConnectCamera(); err != nil {
		p.errorLog("Unable to connect camera: %v", err)
		return err
	}
	p.newLog("Sequence resumed.")
	p.forceState(StateProgress)
	action := s.continueAction
	s.continueAction = ContinueNone
	switch action {
	case ContinueCaptureComplete:
		p.resumeSequence()
	default:
		p.startNextExposure()
	}
	return nil
}

func (p *Process) resumeSuspended() error {
	if err := p.dev.ConnectCamera(); err != nil {
		p.errorLog("Unable to connect camera: %v", err)
		return err
	}
	p.newLog("Resuming suspended sequence.")
	p.forceState(StateProgress)
	p.prepareActiveJobStage2()
	return nil
}

// Stop ends the sequence, the active job returns to idle
func (p *Process) Stop() error {
	if !p.state.captureState.Running() && p.state.captureState != StatePaused && p.state.captureState != StateSuspended {
		return ErrNotRunning
	}
	p.stopCapturing(StateIdle)
	return nil
}

// Abort ends the sequence, the active job is marked aborted
func (p *Process) Abort() error {
	if !p.state.captureState.Running() && p.state.captureState != StatePaused && p.state.captureState != StateSuspended {
		return ErrNotRunning
	}
	p.stopCapturing(StateAborted)
	return nil
}

// Suspend stops capturing but keeps the active job, Start continues it
func (p *Process) Suspend() error {
	if !p.state.captureState.Running() {
		return ErrNotRunning
	}
	p.stopCapturing(StateSuspended)
	return nil
}

// Pause requests a pause at the next safe point: before the next exposure
// starts or once the current one completes.  A running exposure is never
// aborted by a pause.
func (p *Process) Pause() error {
	s := p.state
	if !s.captureState.Running() {
		return ErrNotRunning
	}
	if s.captureState == StatePausePlanned {
		return nil
	}
	p.newLog("Sequence shall be paused after current exposure is complete.")
	p.forceState(StatePausePlanned)
	return nil
}

// StartPreview captures a single frame that is not kept in the queue
func (p *Process) StartPreview(j *sequence.Job) error {
	if p.state.Busy() {
		return ErrAlreadyRunning
	}
	j.Type = sequence.TypePreview
	j.Count = 1
	j.Reset()
	if err := p.dev.ConnectCamera(); err != nil {
		p.errorLog("Unable to connect camera: %v", err)
		return err
	}
	p.prepareJob(j)
	return nil
}

// LoadQueue replaces the jobs and options of the queue with those of in.
// The state is reset as for ResetQueue.
func (p *Process) LoadQueue(in *sequence.Queue) error {
	s := p.state
	if s.Busy() {
		return ErrAlreadyRunning
	}
	q := s.queue
	q.Clear()
	q.Options = in.Options
	for _, j := range in.Jobs() {
		q.Add(j)
	}
	s.Reset()
	q.MarkClean()
	p.newLog("Sequence queue loaded with %d job(s).", q.Len())
	return nil
}

// ResetQueue returns every job to idle and forgets the frames a scheduler
// reported as captured
func (p *Process) ResetQueue() error {
	s := p.state
	if s.Busy() {
		return ErrAlreadyRunning
	}
	s.Reset()
	return nil
}

// checkPausing pauses if a pause was planned and remembers how to continue
func (p *Process) checkPausing(action ContinueAction) bool {
	s := p.state
	if s.captureState != StatePausePlanned {
		return false
	}
	p.newLog("Sequence paused.")
	p.forceState(StatePaused)
	p.dev.DisconnectCamera()
	s.continueAction = action
	return true
}

func (p *Process) startNextPendingJob() error {
	s := p.state
	if s.queue.Len() == 0 && p.factory != nil {
		j := p.factory()
		s.queue.Add(j)
		p.newLog("Created a %s job from the current settings.", j.FrameType)
	}
	next := s.FindNextPendingJob()
	if next == nil {
		p.newLog("No pending jobs found. Please add a job to the sequence queue.")
		return ErrNoPendingJobs
	}
	p.prepareJob(next)
	return nil
}

// prepareJob makes j the active job, accounts for frames already captured
// and starts its preparation
func (p *Process) prepareJob(j *sequence.Job) {
	s := p.state
	s.active = j
	j.Status = sequence.StatusBusy
	j.Retries = 0
	if j.Calibration == sequence.Calibrating {
		j.ResetCalibration()
	}
	p.setState(StateProgress)
	if j.IsPreview() {
		p.prepareActiveJobStage1()
		return
	}
	s.queue.Updated(j)

	if j.Type == sequence.TypeDarkFlat {
		if s.SetDarkFlatExposure(j) {
			p.newLog("Dark flat exposure set to %s seconds from a matching flat.", util.FormatSecs(j.CurrentExposure()))
		} else {
			p.warnLog("No flat frame matches the dark flat job, using its exposure of %s seconds.", util.FormatSecs(j.Exposure))
		}
	}

	sig := j.Signature()
	if count := s.CapturedFramesCount(sig); count > 0 {
		// earlier jobs of the same signature already account for some of these frames
		for _, other := range s.queue.Jobs() {
			if other == j {
				break
			}
			if other.Signature() == sig {
				count -= other.Completed
			}
		}
		if count < 0 {
			count = 0
		}
		j.Completed = count
	} else if s.HasCapturedFramesMap() {
		j.Completed = 0
	}

	if j.Completed >= j.Count {
		j.Completed = j.Count
		p.newLog("Job requires %s-second %s images, has already %d/%d captures and does not need to run.",
			util.FormatSecs(j.CurrentExposure()), j.FrameType, j.Completed, j.Count)
		p.processJobCompletion2()
		return
	}
	p.newLog("Job requires %s-second %s images, has %d/%d frames captured and will be processed.",
		util.FormatSecs(j.CurrentExposure()), j.FrameType, j.Completed, j.Count)
	s.checkSeqBoundary(j, p.rec)
	p.prepareActiveJobStage1()
}

// prepareActiveJobStage1 runs the pre-job script on a fresh job
func (p *Process) prepareActiveJobStage1() {
	j := p.state.active
	if j == nil {
		return
	}
	if j.Scripts.PreJob != "" && j.Completed == 0 && !j.IsPreview() {
		p.runScript(script.PreJob, j.Scripts.PreJob, j)
		return
	}
	p.prepareActiveJobStage2()
}

// prepareActiveJobStage2 asks the job to get the hardware ready
func (p *Process) prepareActiveJobStage2() {
	s := p.state
	j := s.active
	if j == nil {
		return
	}
	s.startGuideOK = false
	s.startGuideWarned = false
	p.setState(StateProgress)
	if err := j.PrepareCapture(p.dev, p.opts.Prepare, p.executeJob); err != nil {
		p.errorLog("Preparing the job failed: %v", err)
		p.stopCapturing(StateAborted)
		return
	}
	p.updatePrepareState()
}

// updatePrepareState reflects the outstanding preparation in the capture state
func (p *Process) updatePrepareState() {
	j := p.state.active
	if j == nil {
		return
	}
	switch j.Stage() {
	case sequence.StageFilterChange:
		p.setState(StateChangingFilter)
	case sequence.StageTemperatureSetting:
		p.setState(StateSettingTemperature)
	case sequence.StageRotatorSetting:
		p.setState(StateSettingRotator)
	case sequence.StageCalibrationSetup:
		p.setState(StateWaiting)
	}
}

// executeJob runs once the hardware is prepared
func (p *Process) executeJob() {
	s := p.state
	j := s.active
	if j == nil {
		return
	}
	if j.LightTurnedOn() {
		s.lightBoxOwned = true
	}
	p.emit(Event{Kind: EventJobPrepared, Job: infoOf(j)})
	if j.NeedsADUCalibration() && !j.IsPreview() && j.Calibration == sequence.CalibrationNone {
		if j.Encoding != "" && j.Encoding != "FITS" && j.Encoding != "XISF" {
			p.errorLog("Cannot calculate ADU levels in non-FITS images.")
			p.stopCapturing(StateAborted)
			return
		}
		j.ResetCalibration()
		j.Calibration = sequence.Calibrating
		p.newLog("Calibrating flat exposure for a target ADU of %.0f.", j.TargetADU)
	}
	p.setState(StateProgress)
	p.startNextExposure()
}

// startNextExposure starts the next frame of the active job once nothing
// else has to happen first, otherwise it polls
func (p *Process) startNextExposure() Readiness {
	s := p.state
	p.stopTimer(&p.pollTimer)
	j := s.active
	if j == nil {
		return ReadyIdle
	}
	if p.exposing {
		return ReadyBusy
	}
	var r Readiness
	if j.FrameType == camera.FrameLight {
		r = p.CheckLightFramePendingTasks()
	} else if s.captureState == StatePaused || p.checkPausing(ContinueNextExposure) {
		r = ReadyBusy
	}
	switch r {
	case ReadyBusy:
		if s.captureState != StatePaused && s.captureState.Running() {
			p.pollTimer = p.sched.AfterFunc(p.opts.PendingPoll, func() {
				p.pollTimer = nil
				p.startNextExposure()
			})
		}
		return r
	case ReadyAlert, ReadyIdle:
		return r
	}
	if j.Scripts.PreCapture != "" && !p.preCaptureDone && !j.IsPreview() && j.Calibration != sequence.Calibrating {
		p.runScript(script.PreCapture, j.Scripts.PreCapture, j)
		return ReadyBusy
	}
	return p.captureImage()
}

func (p *Process) armCaptureTimeout(secs float64) {
	p.stopTimer(&p.timeoutTimer)
	p.timeoutTimer = p.sched.AfterFunc(util.SecsToDuration(secs)+p.opts.CaptureTimeout, func() {
		p.timeoutTimer = nil
		p.captureTimedOut()
	})
}

// captureImage starts the exposure of the next frame
func (p *Process) captureImage() Readiness {
	s := p.state
	j := s.active
	if j == nil {
		return ReadyIdle
	}
	p.stopTimer(&p.timeoutTimer)
	p.stopTimer(&p.delayTimer)
	p.stopTimer(&p.pollTimer)
	p.preCaptureDone = false

	if p.dev.FastExposureEnabled() {
		if rem := j.Remaining(); rem > 1 {
			if err := p.dev.SetFastExposure(true, rem); err != nil {
				p.warnLog("Setting the fast exposure count failed: %v", err)
			}
		}
	}
	want := j.UploadMode
	if j.IsPreview() || j.Calibration == sequence.Calibrating || want == "" {
		want = camera.UploadClient
	}
	if cur, err := p.dev.UploadMode(); err == nil && cur != want {
		if err = p.dev.SetUploadMode(want); err != nil {
			p.warnLog("Setting the upload mode failed: %v", err)
		}
	}
	if want != camera.UploadLocal {
		s.checkSeqBoundary(j, p.rec)
	}
	if s.rememberFastExposure {
		s.rememberFastExposure = false
		if err := p.dev.SetFastExposure(true, j.Remaining()); err != nil {
			p.warnLog("Re-enabling fast exposure failed: %v", err)
		}
	}
	if j.Encoding != "" {
		if err := p.dev.SetEncodingFormat(j.Encoding); err != nil {
			p.warnLog("Setting the encoding format failed: %v", err)
		}
	}

	p.setState(StateCapturing)
	j.SetCapturing(true)
	req := j.Request()
	if err := p.dev.StartExposure(req); err != nil {
		p.captureError(err)
		return ReadyAlert
	}
	p.exposing = true
	s.downloadStarted = time.Time{}
	p.emit(Event{Kind: EventCaptureStarted, Job: infoOf(j), Value: req.Duration})
	p.newLog("Capturing %s-second %s image...", util.FormatSecs(req.Duration), j.FrameType)
	p.armCaptureTimeout(req.Duration)
	return ReadyOK
}

func (p *Process) runScript(t script.Type, path string, j *sequence.Job) {
	p.scriptGen++
	gen := p.scriptGen
	ctx, cancel := context.WithCancel(context.Background())
	p.scriptType = t
	p.scriptCancel = cancel
	p.newLog("Executing %s script %s", t, path)
	p.scripts.Run(ctx, script.Script{Type: t, Path: path, Args: ScriptArgs(j)}, func(code int, err error) {
		p.sched.Post(func() {
			if gen != p.scriptGen {
				return
			}
			p.ScriptFinished(code, err)
		})
	})
}

func (p *Process) cancelScript() {
	if p.scriptCancel != nil {
		p.scriptCancel()
		p.scriptCancel = nil
	}
	p.scriptType = script.None
	p.scriptGen++
}

// ScriptFinished continues the sequence after a job or capture script exits.
// A failing script is logged and the sequence goes on.
func (p *Process) ScriptFinished(exitCode int, err error) {
	t := p.scriptType
	if t == script.None {
		return
	}
	if p.scriptCancel != nil {
		p.scriptCancel()
		p.scriptCancel = nil
	}
	p.scriptType = script.None
	switch {
	case err != nil:
		p.warnLog("The %s script failed: %v", t, err)
	case exitCode != 0:
		p.warnLog("The %s script finished with code %d.", t, exitCode)
	default:
		p.newLog("The %s script finished with code %d.", t, exitCode)
	}
	switch t {
	case script.PreJob:
		p.prepareActiveJobStage2()
	case script.PreCapture:
		p.preCaptureDone = true
		p.startNextExposure()
	case script.PostCapture:
		p.afterCapture()
	case script.PostJob:
		p.processJobCompletion2()
	}
}

// ScriptArgs are the arguments handed to job and capture scripts
func ScriptArgs(j *sequence.Job) []string {
	return []string{
		"--job", j.ID,
		"--target", j.Target,
		"--type", string(j.FrameType),
		"--exposure", util.FormatSecs(j.CurrentExposure()),
		"--filter", j.Filter.Name,
		"--completed", fmt.Sprint(j.Completed),
		"--count", fmt.Sprint(j.Count),
	}
}
