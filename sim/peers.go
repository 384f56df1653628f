package sim

import (
	"math/rand"
	"sync"
	"time"

	"github.com/nasa-jpl/capseq/capture"
)

// Guider is a simulated autoguider.  It reports its state and, while
// guiding, its RMS error through the attached Reporter.
type Guider struct {
	clk  clock
	cfg  Config
	link *link

	mu      sync.Mutex
	rng     *rand.Rand
	guiding bool
	ticker  *time.Timer
	spike   float64
}

// Start begins guiding
func (g *Guider) Start() {
	g.mu.Lock()
	g.guiding = true
	g.schedule()
	g.mu.Unlock()
	g.link.send(func(r Reporter) { r.SetGuideState(capture.GuideGuiding) })
}

// Stop ends guiding
func (g *Guider) Stop() {
	g.mu.Lock()
	g.guiding = false
	if g.ticker != nil {
		g.ticker.Stop()
	}
	g.mu.Unlock()
	g.link.send(func(r Reporter) { r.SetGuideState(capture.GuideIdle) })
}

// Spike adds rms arcseconds to the next deviation reports, 0 clears it
func (g *Guider) Spike(rms float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spike = rms
}

// schedule is called with mu held
func (g *Guider) schedule() {
	if g.cfg.GuideInterval <= 0 || !g.guiding {
		return
	}
	g.ticker = g.clk.after(g.cfg.GuideInterval, g.report)
}

func (g *Guider) report() {
	g.mu.Lock()
	if !g.guiding {
		g.mu.Unlock()
		return
	}
	rms := g.cfg.GuideRMS*(0.8+0.4*g.rng.Float64()) + g.spike
	g.schedule()
	g.mu.Unlock()
	g.link.send(func(r Reporter) { r.SetGuideDeviation(rms) })
}

// Dither moves the guide star and reports success once settled
func (g *Guider) Dither() error {
	g.link.send(func(r Reporter) { r.SetGuideState(capture.GuideDithering) })
	g.clk.after(g.cfg.DitherSettle, func() {
		g.link.send(func(r Reporter) {
			r.SetGuideState(capture.GuideDitheringSuccess)
			r.SetGuideState(capture.GuideGuiding)
		})
	})
	return nil
}

// Suspend pauses corrections
func (g *Guider) Suspend() error {
	g.link.send(func(r Reporter) { r.SetGuideState(capture.GuideSuspended) })
	return nil
}

// Resume restarts corrections
func (g *Guider) Resume() error {
	g.link.send(func(r Reporter) { r.SetGuideState(capture.GuideGuiding) })
	return nil
}

// Focuser is a simulated autofocuser.  Star size grows by HFRDrift with
// every light frame and is reset by an autofocus run.
type Focuser struct {
	clk  clock
	cfg  Config
	link *link

	mu   sync.Mutex
	hfr  float64
	runs int
	gen  int

	// Fail makes autofocus runs fail
	Fail bool
}

// frame returns the star size of a new light frame
func (f *Focuser) frame() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hfr
	f.hfr += f.cfg.HFRDrift
	return h
}

// Runs returns the number of autofocus runs started
func (f *Focuser) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// Autofocus runs for FocusTime and reports the result
func (f *Focuser) Autofocus(reason capture.FocusReason) error {
	f.mu.Lock()
	f.runs++
	f.gen++
	gen := f.gen
	f.mu.Unlock()
	f.link.send(func(r Reporter) { r.SetFocusState(capture.FocusProgress, 0) })
	f.clk.after(f.cfg.FocusTime, func() {
		f.mu.Lock()
		if gen != f.gen {
			f.mu.Unlock()
			return
		}
		fail := f.Fail
		if !fail {
			f.hfr = f.cfg.BestHFR
		}
		hfr := f.hfr
		f.mu.Unlock()
		if fail {
			f.link.send(func(r Reporter) { r.SetFocusState(capture.FocusFailed, 0) })
			return
		}
		f.link.send(func(r Reporter) { r.SetFocusState(capture.FocusComplete, hfr) })
	})
	return nil
}

// Abort cancels a running autofocus
func (f *Focuser) Abort() error {
	f.mu.Lock()
	f.gen++
	f.mu.Unlock()
	f.link.send(func(r Reporter) { r.SetFocusState(capture.FocusAborted, 0) })
	return nil
}

// Flip is a simulated meridian flip controller
type Flip struct {
	clk      clock
	flipTime float64
	link     *link
}

// Request asks the sequencer for a flip
func (f *Flip) Request() {
	f.link.send(func(r Reporter) { r.SetMeridianFlipStage(capture.FlipRequested) })
}

// FlipReady flips the mount once the sequencer agreed to it
func (f *Flip) FlipReady() {
	f.link.send(func(r Reporter) { r.SetMeridianFlipStage(capture.FlipFlipping) })
	f.clk.after(f.flipTime, func() {
		f.link.send(func(r Reporter) {
			r.SetMeridianFlipStage(capture.FlipCompleted)
			r.SetMeridianFlipStage(capture.FlipNone)
		})
	})
}
