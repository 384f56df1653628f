package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/capseq/sequence"
)

func TestAbortedStateAlwaysAlerts(t *testing.T) {
	j := lightJob(3, 5)
	h := newHarness(t, testOptions(), j)
	s := h.p.State()
	s.active = j
	s.captureState = StateAborted
	s.flipStage = FlipRequested
	s.guideState = GuideGuiding
	s.queue.Options.DitherEvery = 1
	s.ditherCounter = 0
	h.p.opts.RefocusEveryFrames = 1

	assert.Equal(t, ReadyAlert, h.p.CheckLightFramePendingTasks())
	assert.Equal(t, FlipRequested, s.FlipStage(), "no flip was granted")
	assert.Zero(t, h.flip.readies)
	assert.Zero(t, h.guider.dithers)
	assert.Empty(t, h.focuser.reasons)
}

func TestGateOrder(t *testing.T) {
	j := lightJob(3, 5)
	h := newHarness(t, testOptions(), j)
	s := h.p.State()
	s.active = j
	s.captureState = StateImageReceived
	s.flipStage = FlipRequested
	s.guideState = GuideGuiding
	s.queue.Options.DitherEvery = 1
	h.p.opts.RefocusEveryFrames = 1

	// the flip goes first
	assert.Equal(t, ReadyBusy, h.p.CheckLightFramePendingTasks())
	assert.Equal(t, FlipReady, s.FlipStage())
	assert.Equal(t, 1, h.flip.readies)
	assert.Zero(t, h.guider.dithers)

	// then dithering
	s.flipStage = FlipNone
	assert.Equal(t, ReadyBusy, h.p.CheckLightFramePendingTasks())
	assert.Equal(t, 1, h.guider.dithers)
	assert.Empty(t, h.focuser.reasons)
	assert.Equal(t, 1, s.DitherCounter())

	// then autofocus
	s.ditheringActive = false
	assert.Equal(t, ReadyBusy, h.p.CheckLightFramePendingTasks())
	assert.Equal(t, []FocusReason{FocusReasonFrameCount}, h.focuser.reasons)

	p := h.p
	p.focusRequested = false
	s.refocusFrameCounter = 1
	assert.Equal(t, ReadyOK, p.CheckLightFramePendingTasks())
}

func TestPausePlannedWinsOverFlip(t *testing.T) {
	j := lightJob(3, 5)
	h := newHarness(t, testOptions(), j)
	s := h.p.State()
	s.active = j
	s.captureState = StatePausePlanned
	s.flipStage = FlipRequested

	assert.Equal(t, ReadyBusy, h.p.CheckLightFramePendingTasks())
	assert.Equal(t, StatePaused, s.CaptureState())
	assert.Equal(t, FlipRequested, s.FlipStage())
}

func TestMeridianFlipHoldsSequence(t *testing.T) {
	j := lightJob(2, 5)
	j.DelayMs = 1000
	h := newHarness(t, testOptions(), j)
	require.NoError(t, h.p.Start())
	h.clk.Advance(5 * time.Second)

	h.p.SetMeridianFlipStage(FlipRequested)
	assert.Zero(t, h.flip.readies, "the request waits for the next checkpoint")
	h.clk.Advance(time.Second)
	assert.Equal(t, 1, h.flip.readies)
	assert.Equal(t, FlipReady, h.p.State().FlipStage())

	h.p.SetMeridianFlipStage(FlipFlipping)
	h.p.SetMeridianFlipStage(FlipCompleted)
	h.clk.Advance(10 * time.Second)
	assert.Len(t, h.dev.exposures, 1)

	h.p.SetMeridianFlipStage(FlipNone)
	h.clk.Advance(time.Minute)
	assert.Len(t, h.dev.exposures, 2)
	assert.Equal(t, sequence.StatusDone, j.Status)
}

func TestFlipRequestWhileIdle(t *testing.T) {
	h := newHarness(t, testOptions())
	h.p.SetMeridianFlipStage(FlipRequested)
	assert.Equal(t, FlipReady, h.p.State().FlipStage())
	assert.Equal(t, 1, h.flip.readies)
}

func TestDitherEveryFrame(t *testing.T) {
	j := lightJob(3, 5)
	h := newHarness(t, testOptions(), j)
	h.q.Options.DitherEvery = 1
	h.p.SetGuideState(GuideGuiding)
	require.NoError(t, h.p.Start())

	h.clk.Advance(5 * time.Second)
	assert.Equal(t, 1, h.guider.dithers)
	assert.Equal(t, StateDithering, h.state())
	assert.Len(t, h.dev.exposures, 1)

	h.clk.Advance(3 * time.Second)
	assert.Len(t, h.dev.exposures, 1, "waiting for the guider")

	h.p.SetGuideState(GuideDitheringSuccess)
	h.p.SetGuideState(GuideGuiding)
	h.clk.Drain()
	assert.Len(t, h.dev.exposures, 2)

	h.clk.Advance(5 * time.Second)
	assert.Equal(t, 2, h.guider.dithers)
}

func TestDitherSettle(t *testing.T) {
	j := lightJob(2, 5)
	o := testOptions()
	o.GuideSettle = 10 * time.Second
	h := newHarness(t, o, j)
	h.q.Options.DitherEvery = 1
	h.p.SetGuideState(GuideGuiding)
	require.NoError(t, h.p.Start())
	h.clk.Advance(5 * time.Second)
	require.Equal(t, 1, h.guider.dithers)

	h.p.SetGuideState(GuideDitheringError)
	h.clk.Advance(9 * time.Second)
	assert.Len(t, h.dev.exposures, 1)
	h.clk.Advance(time.Second)
	assert.Len(t, h.dev.exposures, 2, "a failed dither continues after settling")
}

func TestRefocusAfterFrames(t *testing.T) {
	j := lightJob(3, 5)
	o := testOptions()
	o.RefocusEveryFrames = 2
	h := newHarness(t, o, j)
	require.NoError(t, h.p.Start())

	h.clk.Advance(10 * time.Second)
	assert.Len(t, h.dev.exposures, 2)
	assert.Equal(t, []FocusReason{FocusReasonFrameCount}, h.focuser.reasons)
	assert.Equal(t, StateFocusing, h.state())

	h.p.SetFocusState(FocusComplete, 2.5)
	h.clk.Advance(time.Minute)
	assert.Len(t, h.dev.exposures, 3)
	assert.Equal(t, sequence.StatusDone, j.Status)
	assert.Len(t, h.focuser.reasons, 1)
}

func TestFocusFailurePolicy(t *testing.T) {
	for _, abort := range []bool{false, true} {
		j := lightJob(3, 5)
		o := testOptions()
		o.RefocusEveryFrames = 1
		o.AbortOnFocusFailure = abort
		h := newHarness(t, o, j)
		require.NoError(t, h.p.Start())
		h.clk.Advance(5 * time.Second)
		require.Len(t, h.focuser.reasons, 1)

		h.p.SetFocusState(FocusFailed, 0)
		h.clk.Drain()
		if abort {
			assert.Equal(t, StateAborted, h.state())
			assert.Equal(t, sequence.StatusAborted, j.Status)
		} else {
			assert.Len(t, h.dev.exposures, 2, "capture continues after a failed autofocus")
		}
	}
}

func TestAbortDuringFocusAbortsFocuser(t *testing.T) {
	j := lightJob(3, 5)
	o := testOptions()
	o.RefocusEveryFrames = 1
	h := newHarness(t, o, j)
	require.NoError(t, h.p.Start())
	h.clk.Advance(5 * time.Second)
	require.NoError(t, h.p.Abort())
	assert.Equal(t, 1, h.focuser.aborts)
}

func TestCheckFocusRequired(t *testing.T) {
	cases := []struct {
		name  string
		setup func(p *Process)
		want  FocusReason
	}{
		{"nothing", func(p *Process) {}, FocusReasonNone},
		{"time", func(p *Process) {
			p.opts.RefocusEveryMinutes = 30
			p.state.lastFocusTime = p.sched.Now().Add(-31 * time.Minute)
		}, FocusReasonTime},
		{"time not yet", func(p *Process) {
			p.opts.RefocusEveryMinutes = 30
			p.state.lastFocusTime = p.sched.Now().Add(-29 * time.Minute)
		}, FocusReasonNone},
		{"temperature", func(p *Process) {
			p.opts.RefocusTemperatureDelta = 1
			p.state.focusTemperature, p.state.hasFocusTemperature = 10, true
			p.SetTemperature(8.5)
		}, FocusReasonTemperature},
		{"post flip", func(p *Process) {
			p.opts.RefocusAfterFlip = true
			p.SetMeridianFlipStage(FlipCompleted)
		}, FocusReasonPostFlip},
		{"hfr", func(p *Process) {
			p.opts.RefocusHFRPercent = 10
			p.state.referenceHFR = 2
			p.state.lastHFR = 2.3
		}, FocusReasonHFR},
		{"hfr within limit", func(p *Process) {
			p.opts.RefocusHFRPercent = 10
			p.state.referenceHFR = 2
			p.state.lastHFR = 2.1
		}, FocusReasonNone},
		{"frames", func(p *Process) {
			p.opts.RefocusEveryFrames = 5
			p.state.refocusFrameCounter = 0
		}, FocusReasonFrameCount},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, testOptions())
			c.setup(h.p)
			assert.Equal(t, c.want, h.p.checkFocusRequired())
		})
	}
}

func TestStartGuideDeviation(t *testing.T) {
	j := lightJob(1, 5)
	h := newHarness(t, testOptions(), j)
	h.q.Options.EnforceStartGuideDeviation = true
	h.q.Options.StartGuideDeviation = 1
	h.p.SetGuideState(GuideGuiding)
	require.NoError(t, h.p.Start())

	h.clk.Advance(3 * time.Second)
	assert.Empty(t, h.dev.exposures)
	h.p.SetGuideDeviation(2.5)
	h.clk.Advance(2 * time.Second)
	assert.Empty(t, h.dev.exposures)

	h.p.SetGuideDeviation(0.4)
	h.clk.Advance(time.Second)
	assert.Len(t, h.dev.exposures, 1)
}

func TestGuideDeviationSuspendsExposure(t *testing.T) {
	j := lightJob(2, 60)
	h := newHarness(t, testOptions(), j)
	h.dev.auto = nil
	h.q.Options.EnforceGuideDeviation = true
	h.q.Options.GuideDeviation = 2
	h.p.SetGuideState(GuideGuiding)
	require.NoError(t, h.p.Start())
	require.Len(t, h.dev.exposures, 1)

	h.p.SetGuideDeviation(1)
	h.p.SetGuideDeviation(3)
	h.p.SetGuideDeviation(3)
	assert.Equal(t, StateCapturing, h.state(), "a short excursion is tolerated")
	h.p.SetGuideDeviation(3)
	assert.Equal(t, StateGuiderDrift, h.state())
	assert.Equal(t, 1, h.dev.aborts)

	h.p.SetGuideDeviation(1.5)
	h.clk.Drain()
	assert.Len(t, h.dev.exposures, 2)
	assert.Equal(t, StateCapturing, h.state())
}

func TestGuideDeviationTimeoutAborts(t *testing.T) {
	j := lightJob(2, 60)
	h := newHarness(t, testOptions(), j)
	h.dev.auto = nil
	h.q.Options.EnforceGuideDeviation = true
	h.q.Options.GuideDeviation = 2
	h.p.SetGuideState(GuideGuiding)
	require.NoError(t, h.p.Start())
	for i := 0; i < 3; i++ {
		h.p.SetGuideDeviation(4)
	}
	require.Equal(t, StateGuiderDrift, h.state())

	h.clk.Advance(5 * time.Minute)
	assert.Equal(t, StateAborted, h.state())
	assert.Equal(t, sequence.StatusAborted, j.Status)
}

func TestGuidingLostAbortsLightJob(t *testing.T) {
	j := lightJob(2, 60)
	h := newHarness(t, testOptions(), j)
	h.p.SetGuideState(GuideGuiding)
	require.NoError(t, h.p.Start())
	h.p.SetGuideState(GuideLost)
	assert.Equal(t, StateAborted, h.state())
}

func TestGuidingLostIgnoredWhilePaused(t *testing.T) {
	j := lightJob(2, 5)
	j.DelayMs = 1000
	h := newHarness(t, testOptions(), j)
	h.p.SetGuideState(GuideGuiding)
	require.NoError(t, h.p.Start())
	h.clk.Advance(5 * time.Second)
	require.NoError(t, h.p.Pause())
	h.clk.Advance(time.Second)
	require.Equal(t, StatePaused, h.state())

	h.p.SetGuideState(GuideAborted)
	assert.Equal(t, StatePaused, h.state())
	assert.Equal(t, sequence.StatusBusy, j.Status)
}

func TestGuidingSuspendedForDownload(t *testing.T) {
	j := lightJob(2, 5)
	o := testOptions()
	o.SuspendGuidingOnDownload = true
	h := newHarness(t, o, j)
	h.p.SetGuideState(GuideGuiding)
	require.NoError(t, h.p.Start())
	h.clk.Advance(time.Minute)

	assert.Equal(t, 2, h.guider.suspends)
	assert.Equal(t, 2, h.guider.resumes)
}
