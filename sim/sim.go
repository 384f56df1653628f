// Package sim provides a simulated observatory: a camera with a cooler, a
// filter wheel, a rotator, a mount, a dome, a dust cap with a light box, an
// autoguider, a focuser and a meridian flip controller.
//
// Devices answer every command at once and report the outcome later from
// timer goroutines, like real drivers.  Every simulated delay is multiplied
// by Config.Scale, so tests can run a night in milliseconds.
package sim

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/capture"
	"github.com/nasa-jpl/capseq/device"
	"github.com/nasa-jpl/capseq/util"
)

// Config holds the physics of the simulation.  Times are in seconds.
type Config struct {
	// Scale multiplies every delay; 1 is real time
	Scale float64 `yaml:"scale" koanf:"scale"`

	// Seed seeds the pixel noise
	Seed int64 `yaml:"seed" koanf:"seed"`

	// Width and Height are the unbinned sensor size
	Width  int `yaml:"width" koanf:"width"`
	Height int `yaml:"height" koanf:"height"`

	// Bias is the pedestal of every frame, Noise the peak to peak noise, both in ADU
	Bias  float64 `yaml:"bias" koanf:"bias"`
	Noise float64 `yaml:"noise" koanf:"noise"`

	// SkyRate, FlatRate and DarkRate are the signal in ADU/s for the sky,
	// the lit light box and the dark current
	SkyRate  float64 `yaml:"skyRate" koanf:"skyRate"`
	FlatRate float64 `yaml:"flatRate" koanf:"flatRate"`
	DarkRate float64 `yaml:"darkRate" koanf:"darkRate"`

	DownloadTime float64 `yaml:"downloadTime" koanf:"downloadTime"`

	// Ambient is the sensor temperature with the cooler off, CoolingRate in C/s
	Ambient     float64 `yaml:"ambient" koanf:"ambient"`
	CoolingRate float64 `yaml:"coolingRate" koanf:"coolingRate"`

	Filters        []string `yaml:"filters" koanf:"filters"`
	FilterMoveTime float64  `yaml:"filterMoveTime" koanf:"filterMoveTime"`

	// RotatorSpeed is in deg/s
	RotatorSpeed float64 `yaml:"rotatorSpeed" koanf:"rotatorSpeed"`

	SlewTime float64 `yaml:"slewTime" koanf:"slewTime"`
	ParkTime float64 `yaml:"parkTime" koanf:"parkTime"`

	// GuideRMS is the guiding error in arcseconds, reported every GuideInterval; 0 disables reports
	GuideRMS      float64 `yaml:"guideRMS" koanf:"guideRMS"`
	GuideInterval float64 `yaml:"guideInterval" koanf:"guideInterval"`
	DitherSettle  float64 `yaml:"ditherSettle" koanf:"ditherSettle"`

	// FocusTime is the duration of an autofocus run, BestHFR its result and
	// HFRDrift the growth of the star size per light frame afterwards
	FocusTime float64 `yaml:"focusTime" koanf:"focusTime"`
	BestHFR   float64 `yaml:"bestHFR" koanf:"bestHFR"`
	HFRDrift  float64 `yaml:"hfrDrift" koanf:"hfrDrift"`

	FlipTime float64 `yaml:"flipTime" koanf:"flipTime"`
}

// DefaultConfig returns a small, well behaved observatory running in real time
func DefaultConfig() Config {
	return Config{
		Scale:          1,
		Seed:           1,
		Width:          64,
		Height:         48,
		Bias:           500,
		Noise:          40,
		SkyRate:        200,
		FlatRate:       7000,
		DarkRate:       0.5,
		DownloadTime:   0.5,
		Ambient:        15,
		CoolingRate:    1,
		Filters:        []string{"Luminance", "Red", "Green", "Blue", "Ha"},
		FilterMoveTime: 2,
		RotatorSpeed:   10,
		SlewTime:       5,
		ParkTime:       3,
		GuideRMS:       0.8,
		GuideInterval:  2,
		DitherSettle:   5,
		FocusTime:      30,
		BestHFR:        2.2,
		HFRDrift:       0.01,
		FlipTime:       60,
	}
}

// clock schedules the delayed half of every simulated command
type clock struct {
	scale float64
}

// after runs f on its own goroutine once secs of simulated time passed
func (c clock) after(secs float64, f func()) *time.Timer {
	if secs < 0 {
		secs = 0
	}
	return time.AfterFunc(util.SecsToDuration(secs*c.scale), f)
}

// notifier holds the receiver of device events
type notifier struct {
	mu sync.Mutex
	n  device.Notifier
}

// SetNotifier registers the receiver of events.  nil unregisters.
func (n *notifier) SetNotifier(f device.Notifier) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.n = f
}

func (n *notifier) notify(e device.Event) {
	n.mu.Lock()
	f := n.n
	n.mu.Unlock()
	if f != nil {
		f(e)
	}
}

// connection is the connected flag shared by every simulated device
type connection struct {
	mu        sync.Mutex
	connected bool
}

// Connect establishes the connection
func (c *connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

// Disconnect drops the connection
func (c *connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

// IsConnected returns true if the connection is up
func (c *connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Reporter receives what the guider, focuser and flip controller have to
// say.  capture.Process implements it.
type Reporter interface {
	SetGuideState(capture.GuideState)
	SetGuideDeviation(rms float64)
	SetFocusState(fs capture.FocusState, hfr float64)
	SetMeridianFlipStage(capture.FlipStage)
}

// link posts reports onto the goroutine owning the Reporter
type link struct {
	mu   sync.Mutex
	rep  Reporter
	post func(func())
}

func (l *link) send(f func(Reporter)) {
	l.mu.Lock()
	rep, post := l.rep, l.post
	l.mu.Unlock()
	if rep == nil || post == nil {
		return
	}
	post(func() { f(rep) })
}

// Observatory is a complete simulated setup
type Observatory struct {
	Camera  *Camera
	Wheel   *FilterWheel
	Rotator *Rotator
	Mount   *Mount
	Dome    *Dome
	Cap     *DustCap
	Light   *LightBox
	Guider  *Guider
	Focuser *Focuser
	Flip    *Flip

	link *link
	log  *slog.Logger
}

// New builds an observatory.  A nil logger means slog.Default().
func New(cfg Config, log *slog.Logger) *Observatory {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Scale <= 0 {
		cfg.Scale = 1
	}
	clk := clock{scale: cfg.Scale}
	l := &link{}
	o := &Observatory{link: l, log: log}
	o.Light = &LightBox{clk: clk}
	o.Focuser = &Focuser{clk: clk, cfg: cfg, link: l, hfr: cfg.BestHFR}
	o.Camera = &Camera{
		clk:      clk,
		cfg:      cfg,
		light:    o.Light,
		focus:    o.Focuser,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		upload:   camera.UploadClient,
		encoding: "FITS",
		temp:     cfg.Ambient,
		setpoint: cfg.Ambient,
	}
	o.Wheel = &FilterWheel{clk: clk, names: append([]string(nil), cfg.Filters...), pos: 1, moveTime: cfg.FilterMoveTime}
	o.Rotator = &Rotator{clk: clk, speed: cfg.RotatorSpeed}
	o.Mount = &Mount{clk: clk, slewTime: cfg.SlewTime, parkTime: cfg.ParkTime}
	o.Dome = &Dome{clk: clk, parkTime: cfg.ParkTime}
	o.Cap = &DustCap{clk: clk, moveTime: cfg.ParkTime}
	o.Guider = &Guider{clk: clk, cfg: cfg, link: l, rng: rand.New(rand.NewSource(cfg.Seed + 1))}
	o.Flip = &Flip{clk: clk, flipTime: cfg.FlipTime, link: l}
	return o
}

// Bind binds every simulated device to its role on the adaptor
func (o *Observatory) Bind(a *device.Adaptor) error {
	for _, b := range []struct {
		role device.Role
		dev  interface{}
	}{
		{device.RoleCamera, o.Camera},
		{device.RoleFilterWheel, o.Wheel},
		{device.RoleRotator, o.Rotator},
		{device.RoleMount, o.Mount},
		{device.RoleDome, o.Dome},
		{device.RoleDustCap, o.Cap},
		{device.RoleLightBox, o.Light},
	} {
		if err := a.Bind(b.role, b.dev); err != nil {
			return err
		}
		if c, ok := b.dev.(interface{ Connect() error }); ok {
			if err := c.Connect(); err != nil {
				return err
			}
		}
	}
	o.log.Info("simulated observatory bound", "filters", len(o.Wheel.names))
	return nil
}

// Attach routes guider, focuser and flip reports to rep.  post must run its
// argument on the goroutine that owns rep, e.g. capture.Loop.Post.
func (o *Observatory) Attach(rep Reporter, post func(func())) {
	o.link.mu.Lock()
	defer o.link.mu.Unlock()
	o.link.rep = rep
	o.link.post = post
}
