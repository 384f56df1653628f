package sim

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/mathx"
)

// Camera is a simulated 16-bit camera with a regulated sensor
type Camera struct {
	connection

	clk   clock
	cfg   Config
	light *LightBox
	focus *Focuser

	mu       sync.Mutex
	l        camera.Listener
	rng      *rand.Rand
	upload   camera.UploadMode
	encoding string

	fast      bool
	fastCount int

	gen    int
	frames int

	temp, setpoint float64
	cooling        *time.Timer

	// FailNext makes the next StartExposure calls fail
	FailNext int
}

// SetListener registers the receiver of asynchronous notifications.  nil unregisters.
func (c *Camera) SetListener(l camera.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l = l
}

func (c *Camera) listener() camera.Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l
}

// StartExposure begins integrating a frame
func (c *Camera) StartExposure(e camera.Exposure) error {
	if !c.IsConnected() {
		return camera.ErrNotConnected
	}
	if e.Duration < 0 {
		return fmt.Errorf("exposure duration %g is negative", e.Duration)
	}
	c.mu.Lock()
	if c.FailNext > 0 {
		c.FailNext--
		c.mu.Unlock()
		return fmt.Errorf("simulated exposure failure")
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	c.expose(gen, e)
	return nil
}

func (c *Camera) current(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Camera) expose(gen int, e camera.Exposure) {
	if l := c.listener(); l != nil {
		l.ExposureProgress(e.Duration, camera.ExposureBusy)
	}
	c.clk.after(e.Duration, func() {
		if !c.current(gen) {
			return
		}
		if l := c.listener(); l != nil {
			l.ExposureProgress(0, camera.ExposureDownloading)
		}
		c.clk.after(c.cfg.DownloadTime, func() {
			if !c.current(gen) {
				return
			}
			img := c.frame(e)
			if l := c.listener(); l != nil {
				l.NewImage(img)
			}
			c.mu.Lock()
			again := c.fast && c.fastCount > 1
			if again {
				c.fastCount--
			}
			c.mu.Unlock()
			if again {
				c.expose(gen, e)
			}
		})
	})
}

// frame renders a flat field at the signal level of the exposure
func (c *Camera) frame(e camera.Exposure) *camera.Image {
	bx, by := e.Binning.X, e.Binning.Y
	if bx < 1 {
		bx = 1
	}
	if by < 1 {
		by = 1
	}
	w, h := c.cfg.Width/bx, c.cfg.Height/by
	if !e.AOI.Empty() {
		w, h = e.AOI.Width/bx, e.AOI.Height/by
	}

	var rate float64
	switch e.FrameType {
	case camera.FrameLight:
		rate = c.cfg.SkyRate
	case camera.FrameFlat:
		rate = c.cfg.SkyRate
		if c.light.LightOn() {
			rate = c.cfg.FlatRate
		}
	case camera.FrameDark:
		rate = c.cfg.DarkRate
	}
	level := c.cfg.Bias + rate*e.Duration*float64(bx*by)

	img := &camera.Image{
		BitDepth:  16,
		Width:     w,
		Height:    h,
		Stars:     -1,
		Exposure:  e.Duration,
		FrameType: e.FrameType,
		Filter:    e.Filter,
	}
	if e.FrameType == camera.FrameLight {
		img.HFR = c.focus.frame()
		img.Stars = 25
	}

	c.mu.Lock()
	c.frames++
	n := c.frames
	upload := c.upload
	pix := make([]uint16, w*h)
	for i := range pix {
		v := level + c.cfg.Noise*(c.rng.Float64()-0.5)
		pix[i] = uint16(math.Max(0, math.Min(65535, math.Round(v))))
	}
	c.mu.Unlock()

	img.Min, img.Max, img.Mean = camera.Stats(pix)
	if upload != camera.UploadLocal {
		img.Pixels = pix
	}
	if upload != camera.UploadClient {
		img.RemotePath = fmt.Sprintf("sim/frame_%05d.fits", n)
	}
	return img
}

// AbortExposure aborts the running exposure, if any
func (c *Camera) AbortExposure() error {
	c.mu.Lock()
	c.gen++
	c.fast = false
	c.mu.Unlock()
	if l := c.listener(); l != nil {
		l.ExposureProgress(0, camera.ExposureIdle)
	}
	return nil
}

// UploadMode returns where images are delivered
func (c *Camera) UploadMode() camera.UploadMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upload
}

// SetUploadMode changes where images are delivered
func (c *Camera) SetUploadMode(m camera.UploadMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upload = m
	return nil
}

// EncodingFormat returns the image encoding
func (c *Camera) EncodingFormat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoding
}

// SetEncodingFormat sets the image encoding
func (c *Camera) SetEncodingFormat(f string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoding = f
	return nil
}

// FastExposureSupported is always true
func (c *Camera) FastExposureSupported() bool { return true }

// FastExposureEnabled returns true if driver looping is on
func (c *Camera) FastExposureEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fast
}

// SetFastExposure toggles driver looping
func (c *Camera) SetFastExposure(enabled bool, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fast = enabled
	c.fastCount = count
	return nil
}

// HasCooler is always true
func (c *Camera) HasCooler() bool { return true }

// Temperature returns the sensor temperature
func (c *Camera) Temperature() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.temp, nil
}

// SetTemperature ramps the sensor toward celsius at the cooling rate,
// reporting every simulated second
func (c *Camera) SetTemperature(celsius float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setpoint = celsius
	if c.cooling != nil {
		c.cooling.Stop()
	}
	c.cooling = c.clk.after(1, c.coolStep)
	return nil
}

func (c *Camera) coolStep() {
	c.mu.Lock()
	step := c.cfg.CoolingRate
	if step <= 0 {
		step = math.Inf(1)
	}
	d := c.setpoint - c.temp
	if math.Abs(d) <= step {
		c.temp = c.setpoint
	} else {
		c.temp += math.Copysign(step, d)
	}
	t := mathx.Round(c.temp, 0.01)
	done := c.temp == c.setpoint
	if !done {
		c.cooling = c.clk.after(1, c.coolStep)
	}
	c.mu.Unlock()
	if l := c.listener(); l != nil {
		l.TemperatureChanged(t)
	}
}
