package capture

import (
	"fmt"
	"time"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/device"
	"github.com/nasa-jpl/capseq/script"
	"github.com/nasa-jpl/capseq/sequence"
	"github.com/nasa-jpl/capseq/util"
)

// HandleEvent processes an event from the device layer
func (p *Process) HandleEvent(e device.Event) {
	s := p.state
	switch e.Kind {
	case device.KindExposureProgress:
		p.exposureProgress(e.Remaining, e.Status)
		return
	case device.KindNewImage:
		p.imageReceived(e.Image)
		return
	case device.KindCaptureError:
		if p.exposing {
			p.captureError(e.Err)
		}
		return
	case device.KindDriverRestarted:
		p.driverRestarted(e.On, e.Err)
		return
	}

	j := s.active
	if j == nil {
		return
	}
	var err error
	switch e.Kind {
	case device.KindCameraTemperature:
		err = j.UpdateTemperature(e.Value)
	case device.KindFilterChanged:
		err = j.UpdateFilter(e.Position)
	case device.KindRotatorAngle:
		err = j.UpdateRotator(e.Value)
	case device.KindMountSlewDone:
		err = j.UpdateWallReached()
	case device.KindMountParked:
		err = j.UpdateMountParked(e.On)
	case device.KindDomeParked:
		err = j.UpdateDomeParked(e.On)
	case device.KindCapParked:
		err = j.UpdateCapParked(e.On)
	case device.KindLightChanged:
		err = j.UpdateLight(e.On)
	default:
		return
	}
	if err != nil {
		p.errorLog("Preparing the job failed: %v", err)
		p.stopCapturing(StateAborted)
		return
	}
	if p.state.active == j && j.Stage() != sequence.StagePrepareComplete && j.Stage() != sequence.StageCapturing && j.Stage() != sequence.StageNone {
		p.updatePrepareState()
	}
}

func (p *Process) exposureProgress(remaining float64, status camera.ExposureStatus) {
	s := p.state
	j := s.active
	if j == nil || !p.exposing {
		return
	}
	if status == camera.ExposureAlert {
		p.captureError(fmt.Errorf("camera reported an exposure failure with %s remaining", util.FormatSecs(remaining)))
		return
	}
	now := p.sched.Now()
	if (status == camera.ExposureDownloading || status == camera.ExposureOK) && s.downloadStarted.IsZero() {
		s.downloadStarted = now
		// a slow download is not a lost exposure
		p.armCaptureTimeout(0)
		p.suspendGuidingForDownload(j)
	}
	if status == camera.ExposureBusy && !p.progress.AllowN(now, 1) {
		return
	}
	p.emit(Event{Kind: EventExposureProgress, Value: remaining, Job: infoOf(j)})
}

// imageReceived takes a frame the camera delivered
func (p *Process) imageReceived(img *camera.Image) {
	s := p.state
	j := s.active
	if j == nil || !p.exposing || img == nil {
		p.log.Debug("ignoring an image without an exposure in progress")
		return
	}
	p.exposing = false
	p.stopTimer(&p.timeoutTimer)
	j.SetCapturing(false)
	p.setState(StateImageReceived)

	var download float64
	if !s.downloadStarted.IsZero() {
		download = p.sched.Now().Sub(s.downloadStarted).Seconds()
		s.addDownloadTime(download)
		s.downloadStarted = time.Time{}
	}
	if j.FrameType == camera.FrameLight && img.HFR > 0 {
		s.lastHFR = img.HFR
	}

	if j.Calibration == sequence.Calibrating && j.NeedsADUCalibration() {
		p.emit(Event{Kind: EventImageReceived, Image: img, Value: download, Job: infoOf(j)})
		p.checkFlatCalibration(img)
		return
	}

	j.Retries = 0
	s.captureTimeoutCounter = 0
	s.deviceRestartCounter = 0

	var path string
	if !j.IsPreview() {
		path = p.record(j, img)
	}
	p.emit(Event{Kind: EventImageReceived, Image: img, Value: download, Path: path, Job: infoOf(j)})

	if !p.processCaptureCompleted() {
		return
	}
	if j.Scripts.PostCapture != "" {
		p.runScript(script.PostCapture, j.Scripts.PostCapture, j)
		return
	}
	p.afterCapture()
}

// record stores a frame delivered to the client
func (p *Process) record(j *sequence.Job, img *camera.Image) string {
	s := p.state
	if j.UploadMode == camera.UploadLocal {
		s.nextSequenceID++
		return img.RemotePath
	}
	if p.rec == nil || img.Pixels == nil {
		return img.RemotePath
	}
	path, err := p.rec.Save(j, s.nextSequenceID, img)
	if err != nil {
		p.warnLog("Saving the image failed: %v", err)
		return ""
	}
	s.nextSequenceID++
	p.newLog("Image saved to %s", path)
	return path
}

// processCaptureCompleted books a finished frame.  A preview ends the
// sequence here and false is returned.
func (p *Process) processCaptureCompleted() bool {
	s := p.state
	j := s.active
	if j.IsPreview() {
		j.Status = sequence.StatusDone
		s.active = nil
		p.stopCapturing(StateComplete)
		return false
	}
	p.updateCompletedCaptureCounters()
	p.newLog("Received image %d out of %d.", j.Completed, j.Count)
	return true
}

func (p *Process) updateCompletedCaptureCounters() {
	s := p.state
	j := s.active
	if j.Completed < j.Count {
		j.Completed++
	}
	s.refocusFrameCounter--
	if j.FrameType == camera.FrameLight && s.flipStage < FlipFlipping && s.ditherCounter > 0 {
		s.ditherCounter--
	}
	s.addCapturedFrame(j.Signature())
	s.queue.Updated(j)
}

// afterCapture pauses if a pause was planned, else continues the sequence
func (p *Process) afterCapture() {
	if p.checkPausing(ContinueCaptureComplete) {
		return
	}
	p.resumeSequence()
}

// resumeSequence continues after a frame: the job completes, or the next
// frame follows after the job delay.  In fast exposure mode the camera
// takes the next frame by itself unless a pending task needs the gap.
func (p *Process) resumeSequence() Readiness {
	s := p.state
	j := s.active
	if j == nil {
		p.startNextJob()
		return ReadyOK
	}
	if j.Completed >= j.Count {
		p.processJobCompletion1()
		return ReadyOK
	}
	if s.guideSuspendedByUs && !s.flipStage.flipActive() {
		p.resumeGuiding()
	}
	if p.dev.FastExposureEnabled() {
		if j.FrameType == camera.FrameLight && p.CheckLightFramePendingTasks() != ReadyOK {
			if err := p.dev.SetFastExposure(false, 0); err != nil {
				p.warnLog("Disabling fast exposure failed: %v", err)
			}
			p.dev.AbortExposure()
			s.rememberFastExposure = true
		} else {
			p.exposing = true
			j.SetCapturing(true)
			s.downloadStarted = time.Time{}
			p.setState(StateCapturing)
			p.emit(Event{Kind: EventCaptureStarted, Job: infoOf(j), Value: j.CurrentExposure()})
			p.armCaptureTimeout(j.CurrentExposure())
			return ReadyOK
		}
	}
	p.stopTimer(&p.delayTimer)
	p.delayTimer = p.sched.AfterFunc(time.Duration(j.DelayMs)*time.Millisecond, func() {
		p.delayTimer = nil
		p.startNextExposure()
	})
	return ReadyOK
}

// processJobCompletion1 runs the post-job script of a finished job
func (p *Process) processJobCompletion1() {
	j := p.state.active
	if j == nil {
		return
	}
	if p.dev.FastExposureEnabled() {
		if err := p.dev.SetFastExposure(false, 0); err != nil {
			p.warnLog("Disabling fast exposure failed: %v", err)
		}
		p.dev.AbortExposure()
	}
	if j.Scripts.PostJob != "" {
		p.runScript(script.PostJob, j.Scripts.PostJob, j)
		return
	}
	p.processJobCompletion2()
}

// processJobCompletion2 marks the active job done and moves on
func (p *Process) processJobCompletion2() {
	s := p.state
	j := s.active
	if j == nil {
		return
	}
	if j.Completed > j.Count {
		j.Completed = j.Count
	}
	j.Status = sequence.StatusDone
	j.SetCapturing(false)
	s.queue.Updated(j)
	p.newLog("Job complete, %d %s-second %s frames.", j.Completed, util.FormatSecs(j.CurrentExposure()), j.FrameType)
	p.emit(Event{Kind: EventJobComplete, Job: infoOf(j)})
	s.active = nil
	p.startNextJob()
}

func (p *Process) startNextJob() {
	if next := p.state.FindNextPendingJob(); next != nil {
		p.prepareJob(next)
		return
	}
	p.finishSequence()
}

// finishSequence ends a sequence that ran out of jobs.  It ends aborted if
// any job gave up.
func (p *Process) finishSequence() {
	s := p.state
	abandoned := 0
	for _, j := range s.queue.Jobs() {
		if j.Abandoned {
			abandoned++
		}
	}
	if abandoned > 0 {
		p.errorLog("Capture sequence finished, %d job(s) aborted.", abandoned)
		p.stopCapturing(StateAborted)
	} else {
		p.newLog("Capture sequence complete.")
		p.stopCapturing(StateComplete)
	}
	p.emit(Event{Kind: EventSequenceComplete})
}

// captureError retries a failed frame, and abandons the job after
// CaptureRetryLimit consecutive failures
func (p *Process) captureError(err error) {
	s := p.state
	j := s.active
	if j == nil {
		return
	}
	p.exposing = false
	p.stopTimer(&p.timeoutTimer)
	j.SetCapturing(false)
	j.Retries++
	p.emit(Event{Kind: EventCaptureError, Err: err, Job: infoOf(j)})
	p.errorLog("Capture failed: %v", err)
	if j.Retries < p.opts.CaptureRetryLimit {
		p.newLog("Restarting capture attempt #%d", j.Retries)
		p.startNextExposure()
		return
	}
	p.errorLog("Job aborted after %d failed capture attempts.", j.Retries)
	j.Status = sequence.StatusAborted
	j.Abandoned = true
	j.AbortPreparation()
	if !j.IsPreview() {
		s.queue.Updated(j)
	}
	p.emit(Event{Kind: EventJobAborted, Job: infoOf(j)})
	s.active = nil
	if j.IsPreview() {
		p.stopCapturing(StateAborted)
		return
	}
	p.startNextJob()
}

// captureTimedOut handles an exposure whose image never arrived: retry
// locally, then restart the driver, then give up
func (p *Process) captureTimedOut() {
	s := p.state
	j := s.active
	if j == nil || !p.exposing {
		return
	}
	s.captureTimeoutCounter++
	p.emit(Event{Kind: EventDriverTimeout, Job: infoOf(j), Value: float64(s.captureTimeoutCounter)})

	if s.deviceRestartCounter >= p.opts.DeviceRestartLimit {
		p.errorLog("Exposure timeout. Aborting...")
		p.stopCapturing(StateAborted)
		return
	}
	p.abortExposure()
	if s.captureTimeoutCounter > p.opts.LocalTimeoutRetries {
		s.deviceRestartCounter++
		p.warnLog("Exposure timeout. More than %d have been detected, will restart the driver.", p.opts.LocalTimeoutRetries)
		p.emit(Event{Kind: EventDriverRestart, Job: infoOf(j), Value: float64(s.deviceRestartCounter)})
		p.setState(StateWaiting)
		p.dev.RestartCamera()
		return
	}
	p.warnLog("Exposure timeout. Restarting exposure...")
	p.captureImage()
}

// driverRestarted continues after a camera driver restart
func (p *Process) driverRestarted(ok bool, err error) {
	s := p.state
	if s.active == nil || !s.captureState.Running() {
		return
	}
	if !ok {
		p.errorLog("Restarting the camera driver failed: %v. Aborting...", err)
		p.stopCapturing(StateAborted)
		return
	}
	p.newLog("Camera driver restarted, restarting the exposure.")
	p.captureImage()
}

// stopCapturing ends the sequence in the target state: idle, complete,
// aborted or suspended.  It overrides a planned pause.
func (p *Process) stopCapturing(target CaptureState) {
	s := p.state
	j := s.active
	p.stopAllTimers()
	p.cancelScript()
	wasExposing := p.exposing
	p.exposing = false
	if j != nil {
		j.AbortPreparation()
		j.SetCapturing(false)
		if j.Calibration == sequence.Calibrating {
			j.Samples = nil
		}
		if j.Status == sequence.StatusBusy {
			switch target {
			case StateSuspended:
				p.newLog("CCD capture suspended")
			case StateComplete:
				j.Status = sequence.StatusDone
				p.newLog("CCD capture complete")
			case StateAborted:
				j.Status = sequence.StatusAborted
				p.newLog("CCD capture aborted")
			default:
				j.Status = sequence.StatusIdle
				p.newLog("CCD capture stopped")
			}
			if !j.IsPreview() {
				s.queue.Updated(j)
			}
			if target == StateAborted {
				p.emit(Event{Kind: EventJobAborted, Job: infoOf(j)})
			}
		}
		if target != StateSuspended {
			s.active = nil
		}
	}

	if p.focusRequested {
		p.focusRequested = false
		if p.focuser != nil && target == StateAborted {
			if err := p.focuser.Abort(); err != nil {
				p.warnLog("Aborting autofocus failed: %v", err)
			}
		}
	}
	s.ditheringActive = false
	s.guideDeviationTripped = false
	s.guideDeviationSpikes = 0
	s.continueAction = ContinueNone
	p.preCaptureDone = false

	p.forceState(target)

	if s.guideSuspendedByUs && !s.flipStage.flipActive() {
		p.resumeGuiding()
	}
	if s.lightBoxOwned || (j != nil && j.LightTurnedOn()) {
		s.lightBoxOwned = false
		if err := p.dev.SetLight(false); err != nil {
			p.warnLog("Turning off the light box failed: %v", err)
		}
	}
	if wasExposing || p.dev.FastExposureEnabled() {
		if err := p.dev.AbortExposure(); err != nil {
			p.warnLog("Aborting the exposure failed: %v", err)
		}
	}
	p.dev.DisconnectCamera()
}
