package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/device"
	"github.com/nasa-jpl/capseq/script"
	"github.com/nasa-jpl/capseq/sequence"
	"github.com/nasa-jpl/capseq/util"
)

type fakeTimer struct {
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// fakeClock is a manual Scheduler.  The test goroutine plays the loop.
type fakeClock struct {
	now    time.Time
	posted []func()
	timers []*fakeTimer
	seq    int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Post(f func()) { c.posted = append(c.posted, f) }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.seq++
	t := &fakeTimer{at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// next removes and returns the earliest live timer due by limit
func (c *fakeClock) next(limit time.Time) *fakeTimer {
	bi := -1
	for i, t := range c.timers {
		if t.stopped || t.at.After(limit) {
			continue
		}
		if bi < 0 || t.at.Before(c.timers[bi].at) || (t.at.Equal(c.timers[bi].at) && t.seq < c.timers[bi].seq) {
			bi = i
		}
	}
	if bi < 0 {
		return nil
	}
	t := c.timers[bi]
	c.timers = append(c.timers[:bi], c.timers[bi+1:]...)
	return t
}

func (c *fakeClock) run(limit time.Time) {
	for i := 0; i < 100000; i++ {
		if len(c.posted) > 0 {
			f := c.posted[0]
			c.posted = c.posted[1:]
			f()
			continue
		}
		t := c.next(limit)
		if t == nil {
			return
		}
		if t.at.After(c.now) {
			c.now = t.at
		}
		t.stopped = true
		t.f()
	}
	panic("fake clock did not settle")
}

// Drain runs posted work and due timers without moving the clock
func (c *fakeClock) Drain() { c.run(c.now) }

// Advance moves the clock forward, running everything that falls due
func (c *fakeClock) Advance(d time.Duration) {
	end := c.now.Add(d)
	c.run(end)
	c.now = end
}

// fakeDevices is a recording observatory.  Commands take effect at once
// and report back through the process sink; exposures end after their
// duration when auto is set, else the test delivers images by hand.
type fakeDevices struct {
	clk    *fakeClock
	notify device.Notifier

	hasWheel, hasCooler, hasCap, hasLight bool

	filter    int
	temp      float64
	capParked bool
	lightOn   bool

	connected     bool
	upload        camera.UploadMode
	encoding      string
	fastEnabled   bool
	fastRemaining int

	exposures    []camera.Exposure
	gen          int
	aborts       int
	restarts     int
	failStart    int
	restartFails bool

	auto  func(camera.Exposure) *camera.Image
	calls []string
}

func (f *fakeDevices) post(e device.Event) {
	if f.notify != nil {
		f.notify(e)
	}
}

func (f *fakeDevices) FilterPosition() (int, bool) { return f.filter, f.hasWheel }
func (f *fakeDevices) SetFilter(pos int) error {
	f.calls = append(f.calls, "filter")
	f.filter = pos
	f.post(device.Event{Kind: device.KindFilterChanged, Position: pos})
	return nil
}
func (f *fakeDevices) Temperature() (float64, bool) { return f.temp, f.hasCooler }
func (f *fakeDevices) SetTemperature(c float64) error {
	f.calls = append(f.calls, "temperature")
	f.clk.AfterFunc(30*time.Second, func() {
		f.temp = c
		f.post(device.Event{Kind: device.KindCameraTemperature, Value: c})
	})
	return nil
}
func (f *fakeDevices) RotatorAngle() (float64, bool) { return 0, false }
func (f *fakeDevices) SetRotatorAngle(float64) error { return nil }
func (f *fakeDevices) MountParked() (bool, bool) { return false, false }
func (f *fakeDevices) ParkMount() error { return nil }
func (f *fakeDevices) SlewToWall(float64, float64) error { return nil }
func (f *fakeDevices) DomeParked() (bool, bool) { return false, false }
func (f *fakeDevices) ParkDome() error { return nil }
func (f *fakeDevices) CapParked() (bool, bool) { return f.capParked, f.hasCap }
func (f *fakeDevices) ParkCap() error {
	f.calls = append(f.calls, "park cap")
	f.capParked = true
	f.post(device.Event{Kind: device.KindCapParked, On: true})
	return nil
}
func (f *fakeDevices) UnparkCap() error {
	f.calls = append(f.calls, "unpark cap")
	f.capParked = false
	f.post(device.Event{Kind: device.KindCapParked, On: false})
	return nil
}
func (f *fakeDevices) LightOn() (bool, bool) { return f.lightOn, f.hasLight }
func (f *fakeDevices) SetLight(on bool) error {
	if on {
		f.calls = append(f.calls, "light on")
	} else {
		f.calls = append(f.calls, "light off")
	}
	f.lightOn = on
	f.post(device.Event{Kind: device.KindLightChanged, On: on})
	return nil
}

func (f *fakeDevices) ConnectCamera() error { f.connected = true; return nil }
func (f *fakeDevices) DisconnectCamera() { f.connected = false }
func (f *fakeDevices) StartExposure(e camera.Exposure) error {
	if f.failStart > 0 {
		f.failStart--
		return errors.New("exposure rejected")
	}
	f.exposures = append(f.exposures, e)
	f.gen++
	if f.auto != nil {
		f.schedule(f.gen, e)
	}
	return nil
}
func (f *fakeDevices) schedule(gen int, e camera.Exposure) {
	f.clk.AfterFunc(util.SecsToDuration(e.Duration), func() {
		if gen != f.gen || !f.connected {
			return
		}
		f.post(device.Event{Kind: device.KindExposureProgress, Status: camera.ExposureDownloading})
		f.post(device.Event{Kind: device.KindNewImage, Image: f.auto(e)})
		if f.fastEnabled {
			f.fastRemaining--
			if f.fastRemaining > 0 {
				f.schedule(gen, e)
			}
		}
	})
}
func (f *fakeDevices) AbortExposure() error {
	f.aborts++
	f.gen++
	return nil
}
func (f *fakeDevices) UploadMode() (camera.UploadMode, error) { return f.upload, nil }
func (f *fakeDevices) SetUploadMode(m camera.UploadMode) error {
	f.upload = m
	return nil
}
func (f *fakeDevices) SetEncodingFormat(s string) error { f.encoding = s; return nil }
func (f *fakeDevices) FastExposureSupported() bool { return true }
func (f *fakeDevices) FastExposureEnabled() bool { return f.fastEnabled }
func (f *fakeDevices) SetFastExposure(enabled bool, count int) error {
	f.fastEnabled = enabled
	f.fastRemaining = count
	return nil
}
func (f *fakeDevices) RestartCamera() {
	f.restarts++
	ok := !f.restartFails
	var err error
	if !ok {
		err = errors.New("driver did not come back")
	}
	f.post(device.Event{Kind: device.KindDriverRestarted, On: ok, Err: err})
}

func lightImage(e camera.Exposure) *camera.Image {
	return &camera.Image{BitDepth: 16, Width: 8, Height: 8, Min: 200, Max: 4000, Mean: 900,
		Exposure: e.Duration, FrameType: e.FrameType, Filter: e.Filter}
}

// linearFlats returns flats whose mean ADU grows by perSecond with exposure
func linearFlats(perSecond float64) func(camera.Exposure) *camera.Image {
	return func(e camera.Exposure) *camera.Image {
		mean := perSecond * e.Duration
		return &camera.Image{BitDepth: 16, Width: 8, Height: 8, Min: mean * 0.9, Max: mean * 1.1, Mean: mean,
			Exposure: e.Duration, FrameType: e.FrameType}
	}
}

type fakeGuider struct {
	dithers, suspends, resumes int
}

func (g *fakeGuider) Dither() error { g.dithers++; return nil }
func (g *fakeGuider) Suspend() error { g.suspends++; return nil }
func (g *fakeGuider) Resume() error { g.resumes++; return nil }

type fakeFocuser struct {
	reasons []FocusReason
	aborts  int
}

func (f *fakeFocuser) Autofocus(r FocusReason) error { f.reasons = append(f.reasons, r); return nil }
func (f *fakeFocuser) Abort() error { f.aborts++; return nil }

type fakeFlip struct{ readies int }

func (f *fakeFlip) FlipReady() { f.readies++ }

type fakeScripts struct {
	ran  []script.Type
	code int
}

func (s *fakeScripts) Run(ctx context.Context, sc script.Script, done func(int, error)) {
	s.ran = append(s.ran, sc.Type)
	done(s.code, nil)
}

type fakeRecorder struct {
	saved []int
	next  int
}

func (r *fakeRecorder) Save(j *sequence.Job, seq int, img *camera.Image) (string, error) {
	r.saved = append(r.saved, seq)
	return j.FilePath(seq) + ".fits", nil
}
func (r *fakeRecorder) NextSequenceID(string) int {
	if r.next == 0 {
		return 1
	}
	return r.next
}

type harness struct {
	clk     *fakeClock
	dev     *fakeDevices
	guider  *fakeGuider
	focuser *fakeFocuser
	flip    *fakeFlip
	scripts *fakeScripts
	rec     *fakeRecorder
	q       *sequence.Queue
	p       *Process
	events  []Event

	// busyViolations counts queue notifications seen with more than one busy job
	busyViolations int
}

func testOptions() Options {
	o := DefaultOptions()
	o.GuideSettle = 0
	return o
}

func newHarness(t *testing.T, opts Options, jobs ...*sequence.Job) *harness {
	clk := newFakeClock()
	h := &harness{
		clk:     clk,
		dev:     &fakeDevices{clk: clk, upload: camera.UploadClient, encoding: "FITS", auto: lightImage},
		guider:  &fakeGuider{},
		focuser: &fakeFocuser{},
		flip:    &fakeFlip{},
		scripts: &fakeScripts{},
		rec:     &fakeRecorder{},
		q:       sequence.NewQueue(),
	}
	for _, j := range jobs {
		h.q.Add(j)
	}
	h.q.Subscribe(func(sequence.QueueEvent) {
		busy := 0
		for _, j := range h.q.Jobs() {
			if j.Status == sequence.StatusBusy {
				busy++
			}
		}
		if busy > 1 {
			h.busyViolations++
		}
	})
	p, err := New(Config{
		Devices:   h.dev,
		Scheduler: clk,
		Queue:     h.q,
		Options:   opts,
		Guider:    h.guider,
		Focuser:   h.focuser,
		Flip:      h.flip,
		Scripts:   h.scripts,
		Recorder:  h.rec,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.dev.notify = p.Sink()
	p.Subscribe(func(e Event) { h.events = append(h.events, e) })
	h.p = p
	return h
}

func (h *harness) count(k EventKind) int {
	n := 0
	for _, e := range h.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func (h *harness) sawState(st CaptureState) bool {
	for _, e := range h.events {
		if e.Kind == EventStateChanged && e.State == st {
			return true
		}
	}
	return false
}

func (h *harness) state() CaptureState { return h.p.State().CaptureState() }

func lightJob(count int, exposure float64) *sequence.Job {
	j := sequence.NewJob()
	j.Target = "M42"
	j.Count = count
	j.Exposure = exposure
	return j
}

func flatJob(count int) *sequence.Job {
	j := sequence.NewJob()
	j.FrameType = camera.FrameFlat
	j.Count = count
	j.Exposure = 1
	j.FlatDuration = sequence.FlatADU
	j.TargetADU = 30000
	j.ADUTolerance = 1000
	return j
}
