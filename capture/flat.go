package capture

import (
	"math"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/mathx"
	"github.com/nasa-jpl/capseq/sequence"
	"github.com/nasa-jpl/capseq/util"
)

// CalculateFlatExpTime records the exposure of the current flat and the
// ADU it produced on the job and predicts the exposure for the target ADU.
//
// Two samples give a linear fit of ADU over exposure, enough samples a
// quadratic fit of exposure over ADU.  The quadratic prediction is only
// used if it moves the exposure in the direction the ADU has to move and
// the search is not stuck on one exposure.  A prediction that is zero or
// beyond FlatHardCap is replaced by a fixed step towards the target.
func (o Options) CalculateFlatExpTime(j *sequence.Job, currentADU float64) float64 {
	exp := j.CurrentExposure()
	j.AddSample(exp, currentADU)
	target := j.TargetADU

	var next float64
	if n := len(j.Samples); n >= o.FlatLinearSamples && n >= 2 {
		exps := make([]float64, n)
		adus := make([]float64, n)
		for i, smp := range j.Samples {
			exps[i] = smp.Exposure
			adus[i] = smp.ADU
		}
		fitted := false
		if n >= o.FlatPolySamples && !stuck(j.Samples) {
			if poly, err := mathx.Polyfit(adus, exps, 2); err == nil {
				cand := poly.Eval(target)
				if mathx.IsFinite(cand) && cand > 0 && towards(cand, exp, target, currentADU) {
					next = cand
					fitted = true
				}
			}
		}
		if !fitted {
			if a, b, err := mathx.LinearFit(exps, adus); err == nil && a != 0 {
				next = (target - b) / a
				if next < 0 {
					next = 0
				}
			}
		}
	}

	if next == 0 || next > o.FlatHardCap {
		if currentADU < target {
			next = exp * (1 + o.FlatStep)
		} else {
			next = exp * (1 - o.FlatStep)
		}
	}
	return next
}

// towards is true if next moves away from exp the way the ADU has to move
func towards(next, exp, target, adu float64) bool {
	switch {
	case target > adu:
		return next > exp
	case target < adu:
		return next < exp
	}
	return true
}

// stuck is true if the last three samples were taken at the same exposure
func stuck(samples []sequence.Sample) bool {
	n := len(samples)
	if n < 3 {
		return false
	}
	a, b, c := samples[n-3].Exposure, samples[n-2].Exposure, samples[n-1].Exposure
	tol := 1e-3 * math.Max(a, math.Max(b, c))
	return util.NearlyEqual(a, b, tol) && util.NearlyEqual(b, c, tol)
}

// checkFlatCalibration evaluates a frame of the flat exposure search.
// Search frames are never counted; the search either continues with a new
// exposure, completes and lets the job start its real frames, or aborts
// the sequence.
func (p *Process) checkFlatCalibration(img *camera.Image) Readiness {
	s := p.state
	j := s.active
	o := p.opts
	adu := img.Mean

	maxV := camera.MaxValue(img.BitDepth)
	if maxV > 0 && j.TargetADU > maxV-10 {
		p.errorLog("Flat calibration failed. Captured image is only %d-bit while requested ADU is %.0f.", img.BitDepth, j.TargetADU)
		p.stopCapturing(StateAborted)
		return ReadyAlert
	}

	if maxV > 0 && adu/maxV > o.FlatSaturation {
		next := util.Clamp(j.CurrentExposure()*o.FlatSaturatedFactor, o.MinExposure, o.MaxExposure)
		p.newLog("Current image is saturated (%.0f). Next exposure is %.6f seconds.", adu, next)
		p.nextCalibrationExposure(next)
		return ReadyBusy
	}

	if math.Abs(adu-j.TargetADU) <= j.ADUTolerance {
		p.newLog("Current ADU %.0f within target ADU tolerance range.", adu)
		j.Calibration = sequence.CalibrationComplete
		if j.UploadMode != "" && j.UploadMode != camera.UploadClient {
			if err := p.dev.SetUploadMode(j.UploadMode); err != nil {
				p.warnLog("Restoring the upload mode failed: %v", err)
			}
		}
		s.checkSeqBoundary(j, p.rec)
		p.startNextExposure()
		return ReadyBusy
	}

	var next float64
	if img.Saturated() {
		next = j.CurrentExposure() * o.FlatCollapsedFactor
	} else {
		next = o.CalculateFlatExpTime(j, adu)
	}
	if !(next > 0) || !mathx.IsFinite(next) {
		p.errorLog("Unable to calculate optimal exposure settings, please capture the flats manually.")
		p.stopCapturing(StateAborted)
		return ReadyAlert
	}
	next = util.Clamp(next, o.MinExposure, o.MaxExposure)
	p.newLog("Current ADU is %.0f. Next exposure is %.6f seconds.", adu, next)
	p.nextCalibrationExposure(next)
	return ReadyBusy
}

func (p *Process) nextCalibrationExposure(secs float64) {
	j := p.state.active
	j.Calibration = sequence.Calibrating
	j.SetCurrentExposure(secs)
	p.startNextExposure()
}
