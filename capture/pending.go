package capture

import (
	"math"
	"time"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/sequence"
)

// CheckLightFramePendingTasks decides whether the next light frame may
// start.  The checks run in a fixed order and the first one that holds
// decides: an aborted sequence, a pause, a meridian flip, the start-of-job
// guide deviation, dithering, autofocus.  ReadyBusy means the caller has to
// come back later.
func (p *Process) CheckLightFramePendingTasks() Readiness {
	s := p.state

	if s.captureState == StateAborted {
		return ReadyAlert
	}

	if s.captureState == StatePaused || p.checkPausing(ContinueNextExposure) {
		return ReadyBusy
	}

	if s.flipStage.flipActive() || p.checkMeridianFlipReady() {
		return ReadyBusy
	}

	if s.captureState == StateProgress && s.guideState == GuideGuiding &&
		s.queue.Options.EnforceStartGuideDeviation && s.flipStage != FlipGuiding && !s.startGuideOK {
		return ReadyBusy
	}

	if s.ditheringActive || p.checkDithering() {
		return ReadyBusy
	}

	if p.focusRequested || p.startFocusIfRequired() {
		return ReadyBusy
	}

	if s.guideSuspendedByUs {
		p.resumeGuiding()
	}
	return ReadyOK
}

// checkMeridianFlipReady answers a pending flip request.  Flats taken at a
// wall position hold the flip off until they are done.
func (p *Process) checkMeridianFlipReady() bool {
	s := p.state
	if s.flipStage != FlipRequested {
		return false
	}
	if j := s.active; j != nil && j.FrameType == camera.FrameFlat && j.PreActions.Has(sequence.PreActionWall) {
		return false
	}
	p.setFlipReady()
	return true
}

func (p *Process) setFlipReady() {
	p.state.flipStage = FlipReady
	p.newLog("Meridian flip ready to start, capture is waiting.")
	p.emit(Event{Kind: EventFlipReady, Job: infoOf(p.state.active)})
	if p.flip != nil {
		p.flip.FlipReady()
	}
}

func (p *Process) checkDithering() bool {
	s := p.state
	j := s.active
	if j == nil || j.IsPreview() || j.FrameType != camera.FrameLight || p.guider == nil {
		return false
	}
	if s.queue.Options.DitherEvery <= 0 || s.flipStage == FlipGuiding || s.guideState != GuideGuiding {
		return false
	}
	if s.ditherCounter > 0 {
		return false
	}
	s.ditherCounter = s.queue.Options.DitherEvery
	p.newLog("Dithering...")
	p.setState(StateDithering)
	s.ditheringActive = true
	p.emit(Event{Kind: EventDitherRequested, Job: infoOf(j)})
	if err := p.guider.Dither(); err != nil {
		p.warnLog("Dither request failed: %v", err)
		s.ditheringActive = false
		p.setState(StateProgress)
		return false
	}
	return true
}

func (p *Process) ditheringFinished() {
	p.stopTimer(&p.settleTimer)
	p.state.ditheringActive = false
	p.setState(StateProgress)
	p.startNextExposure()
}

// checkFocusRequired returns the first refocus trigger that fired
func (p *Process) checkFocusRequired() FocusReason {
	s := p.state
	o := p.opts
	if o.RefocusEveryMinutes > 0 && !s.lastFocusTime.IsZero() {
		due := time.Duration(o.RefocusEveryMinutes * float64(time.Minute))
		if p.sched.Now().Sub(s.lastFocusTime) >= due {
			return FocusReasonTime
		}
	}
	if o.RefocusTemperatureDelta > 0 && s.hasFocusTemperature && s.hasTemperature &&
		math.Abs(s.temperature-s.focusTemperature) > o.RefocusTemperatureDelta {
		return FocusReasonTemperature
	}
	if o.RefocusAfterFlip && s.refocusAfterFlip {
		return FocusReasonPostFlip
	}
	if o.RefocusHFRPercent > 0 && s.referenceHFR > 0 && s.lastHFR > s.referenceHFR*(1+o.RefocusHFRPercent/100) {
		return FocusReasonHFR
	}
	if o.RefocusEveryFrames > 0 && s.refocusFrameCounter <= 0 {
		return FocusReasonFrameCount
	}
	return FocusReasonNone
}

func (p *Process) startFocusIfRequired() bool {
	s := p.state
	j := s.active
	if j == nil || j.IsPreview() || j.FrameType != camera.FrameLight || p.focuser == nil {
		return false
	}
	reason := p.checkFocusRequired()
	if reason == FocusReasonNone {
		return false
	}
	s.refocusAfterFlip = false
	p.newLog("Autofocus requested, reason: %s.", reason)
	p.setState(StateFocusing)
	s.focusState = FocusProgress
	p.focusRequested = true
	p.emit(Event{Kind: EventAutofocusRequested, Job: infoOf(j), Message: reason.String()})
	if err := p.focuser.Autofocus(reason); err != nil {
		p.warnLog("Autofocus request failed: %v", err)
		p.focusFinished(false, 0)
		return s.captureState == StateAborted
	}
	return true
}

// focusFinished books an autofocus run.  A failed run restarts the refocus
// triggers as well, so the same trigger does not fire again at once.
func (p *Process) focusFinished(ok bool, hfr float64) {
	s := p.state
	p.focusRequested = false
	s.lastFocusTime = p.sched.Now()
	s.refocusFrameCounter = p.opts.RefocusEveryFrames
	s.lastHFR = 0
	if s.hasTemperature {
		s.focusTemperature = s.temperature
		s.hasFocusTemperature = true
	}
	if ok {
		if hfr > 0 {
			s.referenceHFR = hfr
		}
		p.newLog("Autofocus complete.")
		return
	}
	if p.opts.AbortOnFocusFailure {
		p.errorLog("Autofocus failed. Aborting sequence...")
		p.stopCapturing(StateAborted)
		return
	}
	p.warnLog("Autofocus failed, continuing the sequence.")
}

// SetFocusState receives the autofocus state.  The final state of a run the
// sequence asked for continues the sequence; hfr is the focused star size,
// if known.
func (p *Process) SetFocusState(fs FocusState, hfr float64) {
	s := p.state
	s.focusState = fs
	if !p.focusRequested {
		return
	}
	switch fs {
	case FocusComplete:
		p.focusFinished(true, hfr)
	case FocusFailed, FocusAborted:
		p.focusFinished(false, 0)
	default:
		return
	}
	if s.captureState == StateAborted || !s.captureState.Running() {
		return
	}
	p.setState(StateProgress)
	p.startNextExposure()
}

// SetTemperature receives the ambient temperature used by the refocus trigger
func (p *Process) SetTemperature(celsius float64) {
	p.state.temperature = celsius
	p.state.hasTemperature = true
}

// SetMeridianFlipStage receives the meridian flip stage from the mount
func (p *Process) SetMeridianFlipStage(stage FlipStage) {
	s := p.state
	prev := s.flipStage
	s.flipStage = stage
	if stage == prev {
		return
	}
	switch stage {
	case FlipRequested:
		p.newLog("Meridian flip requested.")
		if !s.captureState.Running() || s.active == nil {
			p.setFlipReady()
		}
	case FlipCompleted:
		p.newLog("Meridian flip completed.")
		if p.opts.RefocusAfterFlip {
			s.refocusAfterFlip = true
		}
	}
}

// SetGuideState receives the guider state
func (p *Process) SetGuideState(gs GuideState) {
	s := p.state
	prev := s.guideState
	s.guideState = gs
	switch gs {
	case GuideDitheringSuccess, GuideDitheringError:
		if !s.ditheringActive {
			return
		}
		if gs == GuideDitheringSuccess {
			p.newLog("Dithering succeeded.")
		} else {
			p.warnLog("Warning: Dithering failed.")
		}
		if p.opts.GuideSettle > 0 {
			p.newLog("Resuming in %s...", p.opts.GuideSettle)
			p.stopTimer(&p.settleTimer)
			p.settleTimer = p.sched.AfterFunc(p.opts.GuideSettle, func() {
				p.settleTimer = nil
				p.ditheringFinished()
			})
			return
		}
		p.ditheringFinished()
	case GuideAborted, GuideCalibrationError, GuideLost:
		p.processGuidingFailed(prev)
	case GuideGuiding:
		if prev == GuideSuspended {
			s.guideSuspendedByUs = false
		}
	}
}

// processGuidingFailed aborts a light job when guiding stops under it
func (p *Process) processGuidingFailed(prev GuideState) {
	s := p.state
	if !prev.activelyGuiding() {
		return
	}
	switch s.captureState {
	case StatePaused, StatePausePlanned, StateSuspended:
		return
	}
	if !s.captureState.Running() {
		return
	}
	if s.flipStage.flipActive() || s.flipStage == FlipRequested {
		p.newLog("Autoguiding stopped. Waiting for the meridian flip to complete...")
		return
	}
	j := s.active
	if j == nil || j.FrameType != camera.FrameLight || j.Status != sequence.StatusBusy {
		return
	}
	p.errorLog("Autoguiding stopped. Aborting...")
	p.stopCapturing(StateAborted)
}

func (p *Process) resumeGuiding() {
	s := p.state
	s.guideSuspendedByUs = false
	if p.guider == nil {
		return
	}
	if err := p.guider.Resume(); err != nil {
		p.warnLog("Resuming autoguiding failed: %v", err)
	}
}

// SetGuideDeviation receives the guiding RMS error in arcseconds.  At the
// start of a job it releases the start-guide check; during a light
// exposure repeated excursions over the limit abort the exposure until
// guiding recovers.
func (p *Process) SetGuideDeviation(rms float64) {
	s := p.state
	o := s.queue.Options
	p.emit(Event{Kind: EventGuideDeviation, Value: rms, Job: infoOf(s.active)})
	j := s.active
	if j == nil {
		return
	}

	if s.flipStage == FlipGuiding {
		if !o.EnforceGuideDeviation || rms < o.GuideDeviation {
			p.newLog("Post meridian flip guiding settled.")
			s.flipStage = FlipNone
		}
		return
	}

	if s.captureState == StateProgress && !s.startGuideOK && s.flipStage == FlipNone {
		if !o.EnforceStartGuideDeviation {
			s.startGuideOK = true
			return
		}
		if rms < o.StartGuideDeviation {
			s.startGuideOK = true
			p.newLog("Initial guiding deviation %.3f below limit value of %g arcsecs.", rms, o.StartGuideDeviation)
		} else if !s.startGuideWarned {
			s.startGuideWarned = true
			p.newLog("Initial guiding deviation %.3f exceeded limit value of %g arcsecs, waiting for it to drop.", rms, o.StartGuideDeviation)
		}
		return
	}

	if s.captureState == StateGuiderDrift {
		if rms <= o.GuideDeviation {
			if p.resumeTimer != nil {
				return
			}
			p.stopTimer(&p.driftTimer)
			p.newLog("Guiding deviation %.3f is now lower than limit value of %g arcsecs, resuming exposure in %s.",
				rms, o.GuideDeviation, p.opts.GuideSettle)
			p.resumeTimer = p.sched.AfterFunc(p.opts.GuideSettle, func() {
				p.resumeTimer = nil
				s.guideDeviationTripped = false
				p.setState(StateProgress)
				p.startNextExposure()
			})
		} else if p.resumeTimer != nil {
			p.stopTimer(&p.resumeTimer)
			p.newLog("Guiding deviation %.3f is still higher than limit value of %g arcsecs.", rms, o.GuideDeviation)
			p.armDriftTimeout()
		}
		return
	}

	if !o.EnforceGuideDeviation || j.IsPreview() || j.FrameType != camera.FrameLight ||
		j.Status != sequence.StatusBusy || !p.exposing {
		return
	}
	if rms <= o.GuideDeviation {
		s.guideDeviationSpikes = 0
		return
	}
	s.guideDeviationSpikes++
	if s.guideDeviationSpikes < p.opts.GuideDeviationReps {
		return
	}
	s.guideDeviationSpikes = 0
	p.warnLog("Guiding deviation %.3f exceeded limit value of %g arcsecs for %d consecutive samples, suspending exposure and waiting for the guider up to %s.",
		rms, o.GuideDeviation, p.opts.GuideDeviationReps, p.opts.GuideDeviationTimeout)
	p.abortExposure()
	s.guideDeviationTripped = true
	p.setState(StateGuiderDrift)
	if p.checkMeridianFlipReady() {
		s.guideDeviationTripped = false
		p.setState(StateProgress)
		p.startNextExposure()
		return
	}
	p.armDriftTimeout()
}

func (p *Process) armDriftTimeout() {
	p.stopTimer(&p.driftTimer)
	p.driftTimer = p.sched.AfterFunc(p.opts.GuideDeviationTimeout, func() {
		p.driftTimer = nil
		p.errorLog("Guiding deviation did not recover within %s. Aborting...", p.opts.GuideDeviationTimeout)
		p.stopCapturing(StateAborted)
	})
}

// abortExposure stops the exposure in flight without counting it as a failure
func (p *Process) abortExposure() {
	p.stopTimer(&p.timeoutTimer)
	if !p.exposing {
		return
	}
	p.exposing = false
	if j := p.state.active; j != nil {
		j.SetCapturing(false)
	}
	if err := p.dev.AbortExposure(); err != nil {
		p.warnLog("Aborting the exposure failed: %v", err)
	}
}

// suspendGuidingForDownload suspends the guider while a light frame is read out
func (p *Process) suspendGuidingForDownload(j *sequence.Job) {
	s := p.state
	if !p.opts.SuspendGuidingOnDownload || p.guider == nil || s.guideState != GuideGuiding ||
		j.FrameType != camera.FrameLight || s.guideSuspendedByUs {
		return
	}
	if err := p.guider.Suspend(); err != nil {
		p.warnLog("Suspending autoguiding failed: %v", err)
		return
	}
	s.guideSuspendedByUs = true
	p.log.Debug("autoguiding suspended until the frame is downloaded")
}
